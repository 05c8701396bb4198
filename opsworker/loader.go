package opsworker

import (
	"context"
	"errors"
	"fmt"

	"turnstone/logbus"
	"turnstone/protocol"
)

// loadDataForPartition replays dataPart from its beginning up to and
// including flushOffsetData, folding every record into the handler the
// same way a live PUT/REMOVE_ANY would be: clientID and opID zero,
// expectedValue and function nil, no OutBox. It returns once the
// target offset has been consumed, or ErrRecoveryCorrupted if the
// partition runs dry before reaching it.
func (w *Worker) loadDataForPartition(ctx context.Context, dataPart logbus.Partition, flushOffsetData int64) error {
	w.dataClient.Assign([]logbus.Partition{dataPart})
	w.dataClient.SeekToBeginning(dataPart)

	for {
		recs, err := w.dataClient.Poll(ctx, w.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, logbus.WakeupError) || ctx.Err() != nil {
				return errCancelled
			}
			return fmt.Errorf("%w: data load poll on %s: %v", ErrTransport, dataPart, err)
		}
		if ctx.Err() != nil {
			return errCancelled
		}

		batch := recs[dataPart]
		if len(batch) == 0 {
			ends, err := w.dataClient.EndOffsets([]logbus.Partition{dataPart})
			if err != nil {
				return fmt.Errorf("%w: end offsets for %s: %v", ErrTransport, dataPart, err)
			}
			if ends[dataPart] <= flushOffsetData {
				return fmt.Errorf("%w: %s end offset %d does not reach flush boundary %d", ErrRecoveryCorrupted, dataPart, ends[dataPart], flushOffsetData)
			}
			if w.dataClient.Position(dataPart) >= ends[dataPart] {
				return nil
			}
			continue
		}

		for i := range batch {
			r := batch[i]
			if r.Offset > flushOffsetData {
				return nil
			}
			if err := w.applyDataTopicRecord(r); err != nil {
				return err
			}
			if r.Offset == flushOffsetData {
				return nil
			}
		}
	}
}

func (w *Worker) applyDataTopicRecord(r protocol.LogRecord) error {
	opType := protocol.OpPut
	if r.Value == nil {
		opType = protocol.OpRemoveAny
	}
	_, err := w.handler.ApplyReceivedUpdate(0, 0, opType, r.Key, nil, r.Value, nil, nil)
	if err != nil {
		return fmt.Errorf("%w: apply data record at %s offset %d: %v", ErrTransport, r.Topic, r.Offset, err)
	}
	return nil
}
