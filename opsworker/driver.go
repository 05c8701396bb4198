package opsworker

import (
	"context"
	"errors"
	"fmt"

	"turnstone/logbus"
	"turnstone/protocol"
)

// Run drives this worker to completion: it recovers every assigned
// partition, then applies the ops topic forever until ctx is
// cancelled. A cancellation (either ctx.Done or an explicit Cancel
// call observed before ctx is done) is reported as a nil error; any
// other failure is returned and, if the steady latch had not already
// fired, fails the latch so that Err reports it.
func (w *Worker) Run(ctx context.Context) error {
	opsOffsets, err := w.loadData(ctx)
	if err != nil {
		if errors.Is(err, errCancelled) {
			return nil
		}
		w.steady.fail(err)
		return err
	}

	w.seekOpsOffsets(opsOffsets)

	if err := w.processOps(ctx); err != nil {
		if errors.Is(err, errCancelled) {
			return nil
		}
		return err
	}
	return nil
}

// loadData runs the offset probe and data loader for every assigned
// partition, returning the ops offset each partition's live apply loop
// should resume from.
func (w *Worker) loadData(ctx context.Context) (map[logbus.Partition]int64, error) {
	defer w.dataClient.Close()

	opsOffsets := make(map[logbus.Partition]int64, len(w.cfg.AssignedParts))

	for _, idx := range w.cfg.AssignedParts {
		dataPart := w.dataPart(idx)
		opsPart := w.opsPart(idx)

		rec, op, err := w.findLastFlushRecord(ctx, dataPart, opsPart)
		if err != nil {
			return nil, err
		}

		if op == nil {
			ends, err := w.dataClient.EndOffsets([]logbus.Partition{dataPart})
			if err != nil {
				return nil, fmt.Errorf("%w: end offsets for %s: %v", ErrTransport, dataPart, err)
			}
			if ends[dataPart] != 0 {
				return nil, fmt.Errorf("%w: %s has %d records", ErrEmptyDataExpected, dataPart, ends[dataPart])
			}
			opsOffsets[opsPart] = 0
			continue
		}

		if err := w.loadDataForPartition(ctx, dataPart, op.FlushOffsetData); err != nil {
			return nil, err
		}
		opsOffsets[opsPart] = op.FlushOffsetOps + 1

		w.logger.Info("recovered partition", "partition", opsPart,
			"flushOffsetOps", op.FlushOffsetOps, "flushOffsetData", op.FlushOffsetData,
			"flushRecordOffset", rec.Offset)
	}

	return opsOffsets, nil
}

func (w *Worker) seekOpsOffsets(opsOffsets map[logbus.Partition]int64) {
	parts := make([]logbus.Partition, 0, len(opsOffsets))
	for p := range opsOffsets {
		parts = append(parts, p)
	}
	w.opsClient.Assign(parts)
	for p, off := range opsOffsets {
		w.opsClient.Seek(p, off)
	}
}

// processOps polls the ops topic forever, applying each batch and
// re-evaluating steadiness after every poll, widening the poll timeout
// once steady state is reached.
func (w *Worker) processOps(ctx context.Context) error {
	timeout := w.cfg.PollTimeout

	for {
		if ctx.Err() != nil {
			return errCancelled
		}

		recs, err := w.opsClient.Poll(ctx, timeout)
		if err != nil {
			if errors.Is(err, logbus.WakeupError) || ctx.Err() != nil {
				return errCancelled
			}
			err = fmt.Errorf("%w: ops poll: %v", ErrTransport, err)
			w.steady.fail(err)
			return err
		}

		becameSteady, err := w.processOpsRecords(ctx, recs)
		if err != nil {
			w.steady.fail(err)
			return err
		}
		if becameSteady {
			timeout = w.cfg.SteadyPollTimeout
		}
	}
}

// processOpsRecords applies one poll's worth of records across every
// partition present, then checks steadiness exactly once. It returns
// true only on the transition into steady state, matching
// steadyLatch.markOK's own one-shot semantics.
func (w *Worker) processOpsRecords(ctx context.Context, recs map[logbus.Partition][]protocol.LogRecord) (bool, error) {
	for p, batch := range recs {
		if len(batch) == 0 {
			continue
		}
		if err := w.applyOpsTopicRecords(p, batch); err != nil {
			return false, err
		}
	}

	w.refreshStats()

	if w.steady.isDone() {
		return false, nil
	}

	steady, err := w.isActuallySteady(ctx)
	if err != nil {
		return false, err
	}
	if steady {
		return w.steady.markOK(), nil
	}
	return false, nil
}
