package flushengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"turnstone/logbus"
	"turnstone/opsworker"
	"turnstone/protocol"
)

func newTestEngine(t *testing.T) (*Engine, *logbus.Bus) {
	t.Helper()
	bus, err := logbus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	cfg := Config{
		ClientID:      1,
		DataTopic:     "data",
		OpsTopic:      "ops",
		FlushTopic:    "flush",
		AssignedParts: []int{0},
		IndexDir:      filepath.Join(t.TempDir(), "index"),
		PollTimeout:   5 * time.Millisecond,
	}
	e, err := New(cfg, bus.NewClient(), bus.NewClient(), nil, bus.NewProducer(), bus.NewProducer(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, bus
}

func runEngineFor(t *testing.T, e *Engine, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(d + 500*time.Millisecond):
		e.Cancel()
		t.Fatal("Run did not return after context deadline")
		return nil
	}
}

func TestEngineCompactsQueuedEntriesAndNotifies(t *testing.T) {
	e, bus := newTestEngine(t)

	queue := e.Queue(0).(*Queue)
	queue.Add(opsworker.FlushQueueEntry{Key: []byte("k1"), Value: []byte("v1"), OpsOffset: 0, Updated: true})
	queue.Add(opsworker.FlushQueueEntry{Key: []byte("k2"), Value: []byte("v2"), OpsOffset: 1, Updated: true})

	prod := bus.NewProducer()
	req := protocol.NewFlushRequest(1, 1, -1)
	if err := prod.Send("flush", 0, nil, req.Encode()); err != nil {
		t.Fatalf("send flush request: %v", err)
	}

	if err := runEngineFor(t, e, 150*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	end, err := bus.EndOffset(logbus.Partition{Topic: "data", Index: 0})
	if err != nil {
		t.Fatalf("data end offset: %v", err)
	}
	if end != 2 {
		t.Fatalf("data partition has %d records, want 2", end)
	}

	notifEnd, err := bus.EndOffset(logbus.Partition{Topic: "ops", Index: 0})
	if err != nil {
		t.Fatalf("ops end offset: %v", err)
	}
	if notifEnd != 1 {
		t.Fatalf("ops partition has %d records, want 1 (the notification)", notifEnd)
	}

	if got := e.IndexKeysTotal(); got != 2 {
		t.Fatalf("IndexKeysTotal() = %d, want 2", got)
	}
	if got := e.FlushesTotal(); got != 1 {
		t.Fatalf("FlushesTotal() = %d, want 1", got)
	}
}

func TestEngineBackfillsFromOpsWhenStandalone(t *testing.T) {
	bus, err := logbus.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	cfg := Config{
		ClientID:      1,
		DataTopic:     "data",
		OpsTopic:      "ops",
		FlushTopic:    "flush",
		AssignedParts: []int{0},
		IndexDir:      filepath.Join(t.TempDir(), "index"),
		PollTimeout:   5 * time.Millisecond,
	}
	e, err := New(cfg, bus.NewClient(), bus.NewClient(), bus.NewClient(), bus.NewProducer(), bus.NewProducer(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	opsProd := bus.NewProducer()
	put1 := protocol.OpMessage{OpType: protocol.OpPut, ClientID: 1, UpdatedValue: []byte("v1")}
	put2 := protocol.OpMessage{OpType: protocol.OpPut, ClientID: 1, UpdatedValue: []byte("v2")}
	if err := opsProd.Send("ops", 0, []byte("k1"), put1.Encode()); err != nil {
		t.Fatalf("send op k1: %v", err)
	}
	if err := opsProd.Send("ops", 0, []byte("k2"), put2.Encode()); err != nil {
		t.Fatalf("send op k2: %v", err)
	}

	req := protocol.NewFlushRequest(1, 1, -1)
	if err := opsProd.Send("flush", 0, nil, req.Encode()); err != nil {
		t.Fatalf("send flush request: %v", err)
	}

	if err := runEngineFor(t, e, 150*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	end, err := bus.EndOffset(logbus.Partition{Topic: "data", Index: 0})
	if err != nil {
		t.Fatalf("data end offset: %v", err)
	}
	if end != 2 {
		t.Fatalf("data partition has %d records, want 2", end)
	}
	if got := e.IndexKeysTotal(); got != 2 {
		t.Fatalf("IndexKeysTotal() = %d, want 2", got)
	}
}

func TestEngineDiscardsEntriesSupersededByPeerFlush(t *testing.T) {
	e, _ := newTestEngine(t)

	queue := e.Queue(0).(*Queue)
	queue.Add(opsworker.FlushQueueEntry{Key: []byte("k1"), Value: []byte("v1"), OpsOffset: 0})
	queue.Add(opsworker.FlushQueueEntry{Key: []byte("k2"), Value: []byte("v2"), OpsOffset: 1})

	e.CleanQueue().Push(opsworker.CleanNotification{
		Partition: logbus.Partition{Topic: "ops", Index: 0},
		Offset:    1,
	})

	e.drainCleanQueue()

	if got := queue.Len(); got != 0 {
		t.Fatalf("queue.Len() = %d, want 0 after clean notification covered both entries", got)
	}
	if got := e.CleanedRecordsTotal(); got != 2 {
		t.Fatalf("CleanedRecordsTotal() = %d, want 2", got)
	}
}
