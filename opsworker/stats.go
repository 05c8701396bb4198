package opsworker

import (
	"sync"

	"turnstone/logbus"
)

// statsCache holds the last snapshot of end offsets and consumed
// positions across every assigned ops partition, refreshed once per
// poll iteration by the Run goroutine and read concurrently by
// EndOffsets/Positions from an HTTP scrape handler.
type statsCache struct {
	mu         sync.Mutex
	endOffsets map[logbus.Partition]int64
	positions  map[logbus.Partition]int64
}

func (w *Worker) refreshStats() {
	ends, err := w.opsClient.EndOffsets(w.assignedOpsParts())
	if err != nil {
		return
	}
	positions := make(map[logbus.Partition]int64, len(ends))
	for p := range ends {
		positions[p] = w.opsClient.Position(p)
	}

	w.stats.mu.Lock()
	w.stats.endOffsets = ends
	w.stats.positions = positions
	w.stats.mu.Unlock()
}

// EndOffsets and Positions implement the metrics and adminapi packages'
// status-scraping interfaces, reading the most recent cached snapshot
// rather than touching opsClient directly from a non-Run goroutine.
func (w *Worker) EndOffsets() map[logbus.Partition]int64 {
	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()
	return w.stats.endOffsets
}

func (w *Worker) Positions() map[logbus.Partition]int64 {
	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()
	return w.stats.positions
}

// IsSteady reports whether this worker has confirmed it is caught up
// to the tail of every assigned ops partition. Named distinctly from
// Steady (the one-shot notification channel) since both are part of
// this type's public surface.
func (w *Worker) IsSteady() bool {
	return w.steady.isDone() && w.steady.err == nil
}
