package opsworker

import (
	"context"
	"errors"
	"fmt"

	"turnstone/logbus"
	"turnstone/protocol"
)

// findLastFlushRecord locates the most recent flush notification on
// opsPart that is still valid: one whose referenced data offset has
// actually been written to dataPart. If the newest candidate's data
// isn't visible yet — a known property of a log client that can
// temporarily under-report a partition's end offset — the candidate is
// rejected with a warning, the upper bound of the search window moves
// back by one flushPeriodOps stride, and the search repeats; the same
// candidate can be found again until the bound drops below its offset.
// A nil, nil return with a nil error means the scan reached offset 0
// without finding a valid flush notification at or below the bound.
func (w *Worker) findLastFlushRecord(ctx context.Context, dataPart, opsPart logbus.Partition) (*protocol.LogRecord, *protocol.OpMessage, error) {
	w.opsClient.Assign([]logbus.Partition{opsPart})

	ends, err := w.opsClient.EndOffsets([]logbus.Partition{opsPart})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: end offsets for %s: %v", ErrTransport, opsPart, err)
	}
	maxOffset := ends[opsPart]

	for {
		rec, op, notExist, err := w.tryFindLastFlushRecord(ctx, opsPart, maxOffset)
		if err != nil {
			return nil, nil, err
		}
		if rec == nil {
			if notExist {
				return nil, nil, nil
			}
			maxOffset -= w.cfg.FlushPeriodOps
			continue
		}

		dataEnds, err := w.dataClient.EndOffsets([]logbus.Partition{dataPart})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: end offsets for %s: %v", ErrTransport, dataPart, err)
		}
		if dataEnds[dataPart] > op.FlushOffsetData {
			return rec, op, nil
		}

		w.logger.Warn("flush notification references data not yet visible, retrying with an earlier window",
			"opsPartition", opsPart, "flushOffsetData", op.FlushOffsetData, "dataEndOffset", dataEnds[dataPart])
		maxOffset -= w.cfg.FlushPeriodOps
	}
}

// tryFindLastFlushRecord seeks to max(maxOffset-flushPeriodOps, 0) and
// scans opsPart forward in offset order for the first flush
// notification at or below maxOffset, aborting the scan the instant a
// record's offset exceeds it. Flushes recur every flushPeriodOps
// records, so a window of that width ending at maxOffset must contain
// one if any notification at or below maxOffset exists. notExist
// reports that the scan began at offset 0 and found nothing, meaning
// no earlier retry could possibly do better.
func (w *Worker) tryFindLastFlushRecord(ctx context.Context, opsPart logbus.Partition, maxOffset int64) (rec *protocol.LogRecord, op *protocol.OpMessage, notExist bool, err error) {
	off := maxOffset - w.cfg.FlushPeriodOps
	if off < 0 {
		off = 0
	}
	w.opsClient.Seek(opsPart, off)

	for {
		recs, perr := w.opsClient.Poll(ctx, w.cfg.PollTimeout)
		if perr != nil {
			if errors.Is(perr, logbus.WakeupError) || ctx.Err() != nil {
				return nil, nil, false, errCancelled
			}
			return nil, nil, false, fmt.Errorf("%w: probe poll on %s: %v", ErrTransport, opsPart, perr)
		}
		if ctx.Err() != nil {
			return nil, nil, false, errCancelled
		}

		batch := recs[opsPart]
		if len(batch) == 0 {
			ends, err := w.opsClient.EndOffsets([]logbus.Partition{opsPart})
			if err != nil {
				return nil, nil, false, fmt.Errorf("%w: end offsets for %s: %v", ErrTransport, opsPart, err)
			}
			if w.opsClient.Position(opsPart) >= ends[opsPart] {
				return nil, nil, off == 0, nil
			}
			continue
		}

		for i := range batch {
			r := batch[i]
			if r.Offset > maxOffset {
				return nil, nil, off == 0, nil
			}
			if r.Key != nil {
				continue // not a control record
			}
			decoded, derr := protocol.DecodeOpMessage(r.Value)
			if derr != nil {
				return nil, nil, false, fmt.Errorf("%w: decode op at %s offset %d: %v", ErrRecoveryCorrupted, opsPart, r.Offset, derr)
			}
			if decoded.OpType == protocol.OpFlushNotification {
				return &r, &decoded, false, nil
			}
		}
	}
}
