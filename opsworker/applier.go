package opsworker

import (
	"fmt"

	"turnstone/logbus"
	"turnstone/protocol"
)

// applyOpsTopicRecords folds one poll batch for opsPart into the
// handler in offset order, feeding every applied (or observed control)
// record into that partition's FlushQueue. It sends a flush request for
// each record this client itself wrote whose offset is a positive
// multiple of FlushPeriodOps, pushes a clean notification for each newer
// flush notification from another client, and marks those records, plus
// the last record of the batch, as flush points.
func (w *Worker) applyOpsTopicRecords(opsPart logbus.Partition, recs []protocol.LogRecord) error {
	queue, ok := w.flushQueues[opsPart.Index]
	if !ok {
		return fmt.Errorf("opsworker: no flush queue registered for partition %d", opsPart.Index)
	}

	lastIndex := len(recs) - 1
	var out OutBox

	for i := range recs {
		r := recs[i]
		out.Clear()

		op, err := protocol.DecodeOpMessage(r.Value)
		if err != nil {
			return fmt.Errorf("%w: decode op at %s offset %d: %v", ErrRecoveryCorrupted, opsPart, r.Offset, err)
		}

		var updated bool
		var needClean bool

		if r.Key == nil {
			switch op.OpType {
			case protocol.OpFlushNotification:
				if prev, ok := w.lastFlushNotifications[opsPart]; !ok || prev.FlushOffsetOps < op.FlushOffsetOps {
					needClean = op.ClientID != w.cfg.ClientID
					w.lastFlushNotifications[opsPart] = op
					w.logger.Debug("observed flush notification", "partition", opsPart, "flushOffsetOps", op.FlushOffsetOps, "flushOffsetData", op.FlushOffsetData)
				}
			case protocol.OpFlushRequest:
				// Flush requests are addressed to the flush engine, not to
				// peer ops workers; seeing one here just means we share the
				// ops partition with the requester and can ignore it.
			default:
				// Forward-compatible skip: a control op type this worker
				// doesn't recognize yet is logged and otherwise treated
				// like any other control record.
				w.logger.Warn("unknown control op type", "opType", fmt.Sprintf("0x%02x", op.OpType), "partition", opsPart, "offset", r.Offset)
			}
		} else {
			updated, err = w.handler.ApplyReceivedUpdate(op.ClientID, op.OpID, op.OpType, r.Key, op.ExpectedValue, op.UpdatedValue, op.Function, &out)
			if err != nil {
				return fmt.Errorf("%w: apply update at %s offset %d: %v", ErrTransport, opsPart, r.Offset, err)
			}
		}

		needFlush := op.ClientID == w.cfg.ClientID && r.Offset > 0 && r.Offset%w.cfg.FlushPeriodOps == 0
		isFlushPoint := needFlush || needClean || i == lastIndex

		queue.Add(FlushQueueEntry{
			Key:          r.Key,
			Value:        out.Value,
			OpsOffset:    r.Offset,
			Updated:      updated,
			IsFlushPoint: isFlushPoint,
		})

		switch {
		case needFlush:
			if err := w.sendFlushRequest(opsPart, r.Offset); err != nil {
				return err
			}
		case needClean:
			w.cleanQueue.Push(CleanNotification{Partition: opsPart, Offset: r.Offset, Op: op})
		}
	}
	return nil
}

func (w *Worker) sendFlushRequest(opsPart logbus.Partition, flushOffsetOps int64) error {
	lastCleanOffsetOps := int64(-1)
	if prev, ok := w.lastFlushNotifications[opsPart]; ok {
		lastCleanOffsetOps = prev.FlushOffsetOps
	}
	msg := protocol.NewFlushRequest(w.cfg.ClientID, flushOffsetOps, lastCleanOffsetOps)
	if err := w.flushProducer.Send(w.cfg.FlushTopic, opsPart.Index, nil, msg.Encode()); err != nil {
		return fmt.Errorf("%w: send flush request for %s: %v", ErrTransport, opsPart, err)
	}
	return nil
}
