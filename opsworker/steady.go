package opsworker

import (
	"context"
	"fmt"
)

// isActuallySteady implements the two-shot lag confirmation. It sums the
// lag of every assigned ops partition against a snapshot of their end
// offsets, fetching that snapshot only when none is cached. If the
// snapshot was fetched during this call and the lag is within
// maxAllowedSteadyLag, the worker is caught up at once. If a snapshot
// cached by an earlier call now shows the lag within budget, it is not
// trusted on its own, since records may have landed after it was taken:
// the snapshot is dropped, maxAllowedSteadyLag is raised from 0 to
// FlushPeriodOps, and the check repeats against freshly fetched end
// offsets. A check that fails keeps its snapshot for the next call.
func (w *Worker) isActuallySteady(ctx context.Context) (bool, error) {
	freshlyFetched := false
	for {
		if w.endOffsetsOps == nil {
			ends, err := w.opsClient.EndOffsets(w.assignedOpsParts())
			if err != nil {
				return false, fmt.Errorf("%w: end offsets for steady check: %v", ErrTransport, err)
			}
			w.endOffsetsOps = ends
			freshlyFetched = true
		}

		var totalLag int64
		for p, end := range w.endOffsetsOps {
			totalLag += end - w.opsClient.Position(p)
		}

		if totalLag <= w.maxAllowedSteadyLag {
			w.endOffsetsOps = nil
			if freshlyFetched {
				return true, nil
			}
			w.maxAllowedSteadyLag = w.cfg.FlushPeriodOps
			continue
		}
		return false, nil
	}
}
