// Package opsworker implements the replicated map's recovery and
// steady-state driver: for each assigned partition it locates the last
// durable flush boundary, replays the compacted data topic up to that
// boundary, then switches to applying the ops topic in order, forever.
// It is deliberately ignorant of how the map itself stores values or
// how records cross the wire; both are abstracted behind
// OpsUpdateHandler and logbus.Client/Producer so this package can be
// driven by a fake bus in tests without a real broker.
package opsworker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"turnstone/logbus"
	"turnstone/protocol"
)

// Sentinel errors a Worker can fail with. Callers match them with
// errors.Is; ErrTransport and ErrRecoveryCorrupted are wrapped with
// additional context via %w.
var (
	// ErrRecoveryCorrupted means the offset probe found no flush
	// notification bounding the data it needed, or the data partition
	// ended at or before the offset the probe asked it to reach.
	ErrRecoveryCorrupted = errors.New("opsworker: recovery corrupted")

	// ErrEmptyDataExpected is the stricter form of the above: the probe
	// concluded no flush notification has ever been written, and that
	// conclusion was checked against the data partition's end offset,
	// which turned out to be non-zero.
	ErrEmptyDataExpected = fmt.Errorf("%w: no flush notification found but data partition is not empty", ErrRecoveryCorrupted)

	// ErrTransport wraps any error surfaced by the underlying
	// logbus.Client/Producer that isn't cancellation.
	ErrTransport = errors.New("opsworker: transport error")

	// errCancelled is returned internally when a poll is interrupted by
	// Wakeup or by the caller's context being done; Run folds it into a
	// clean, nil-error exit.
	errCancelled = errors.New("opsworker: cancelled")
)

// OutBox receives the post-apply value and tombstone flag of one
// applied update, so the caller can hand it to a FlushQueue without a
// second lookup into the map.
type OutBox struct {
	Value     []byte
	Tombstone bool
}

func (b *OutBox) Clear() { *b = OutBox{} }

// OpsUpdateHandler is the map-specific collaborator a Worker drives for
// every non-control ops record, and for every compacted data record
// during recovery (with clientID, opID, expectedValue, function all
// zero/nil and out nil). Implementations must tolerate a nil out.
type OpsUpdateHandler interface {
	ApplyReceivedUpdate(clientID, opID uint64, opType uint8, key, expectedValue, updatedValue, function []byte, out *OutBox) (bool, error)
}

// FlushQueueEntry is one record a Worker hands off to a partition's
// FlushQueue after applying it, in ops-topic order.
type FlushQueueEntry struct {
	Key          []byte
	Value        []byte
	OpsOffset    int64
	Updated      bool
	IsFlushPoint bool
}

// FlushQueue buffers applied updates for one ops partition until a
// flush worker drains them into a compacted data batch.
type FlushQueue interface {
	Add(FlushQueueEntry)
}

// CleanNotification is pushed to a CleanQueue when a peer's flush
// notification advances a partition's known clean point.
type CleanNotification struct {
	Partition logbus.Partition
	Offset    int64
	Op        protocol.OpMessage
}

// CleanQueue collects flush notifications a flush worker should use to
// trim records already known to be durably compacted.
type CleanQueue interface {
	Push(CleanNotification)
}

// Config parameterizes one Worker instance.
type Config struct {
	ClientID uint64

	DataTopic  string
	OpsTopic   string
	FlushTopic string

	// AssignedParts are the partition indices this worker owns; data,
	// ops, and flush topics all share the same partition count and
	// indexing.
	AssignedParts []int

	// FlushPeriodOps is how many ops records apart flush points are
	// requested, and the probe's backward search stride.
	FlushPeriodOps int64

	// PollTimeout bounds each ops-topic poll before recovery finishes;
	// kept short so Run notices cancellation promptly.
	PollTimeout time.Duration

	// SteadyPollTimeout replaces PollTimeout once the steady latch
	// fires, trading poll latency for fewer idle wakeups.
	SteadyPollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Millisecond
	}
	if c.SteadyPollTimeout <= 0 {
		c.SteadyPollTimeout = 3 * time.Second
	}
	if c.FlushPeriodOps <= 0 {
		c.FlushPeriodOps = 1000
	}
	return c
}

// Worker sequences the offset probe, data loader, and op applier for
// every partition it owns, then runs the steady-state poll loop. A
// Worker is driven by exactly one goroutine calling Run; Cancel and
// Close may be called from any goroutine.
type Worker struct {
	cfg Config

	dataClient    logbus.Client
	opsClient     logbus.Client
	flushProducer logbus.Producer

	flushQueues map[int]FlushQueue
	cleanQueue  CleanQueue
	handler     OpsUpdateHandler

	logger *slog.Logger

	// Owned exclusively by the Run goroutine; safe without locking.
	lastFlushNotifications map[logbus.Partition]protocol.OpMessage
	endOffsetsOps          map[logbus.Partition]int64
	maxAllowedSteadyLag    int64

	steady *steadyLatch
	stats  statsCache
}

// New constructs a Worker. flushQueues must contain one entry per
// index in cfg.AssignedParts.
func New(
	cfg Config,
	dataClient, opsClient logbus.Client,
	flushProducer logbus.Producer,
	flushQueues map[int]FlushQueue,
	cleanQueue CleanQueue,
	handler OpsUpdateHandler,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:                    cfg.withDefaults(),
		dataClient:             dataClient,
		opsClient:              opsClient,
		flushProducer:          flushProducer,
		flushQueues:            flushQueues,
		cleanQueue:             cleanQueue,
		handler:                handler,
		logger:                 logger.With("component", "opsworker", "clientID", cfg.ClientID),
		lastFlushNotifications: make(map[logbus.Partition]protocol.OpMessage),
		maxAllowedSteadyLag:    0,
		steady:                 newSteadyLatch(),
	}
}

func (w *Worker) dataPart(idx int) logbus.Partition { return logbus.Partition{Topic: w.cfg.DataTopic, Index: idx} }
func (w *Worker) opsPart(idx int) logbus.Partition  { return logbus.Partition{Topic: w.cfg.OpsTopic, Index: idx} }

func (w *Worker) assignedOpsParts() []logbus.Partition {
	parts := make([]logbus.Partition, len(w.cfg.AssignedParts))
	for i, idx := range w.cfg.AssignedParts {
		parts[i] = w.opsPart(idx)
	}
	return parts
}

// Steady returns a channel closed the instant this worker first
// declares itself caught up to the tail of every assigned ops
// partition. It is also closed, with Err returning non-nil, if the
// worker fails before ever reaching steady state.
func (w *Worker) Steady() <-chan struct{} { return w.steady.done }

// Err reports the error that failed the steady latch: non-nil only when
// Run failed before reaching steady state. It is only meaningful after
// Steady (or Run itself) has returned.
func (w *Worker) Err() error { return w.steady.err }

// Cancel interrupts any in-progress poll on either underlying client,
// causing Run to return promptly once it next checks ctx.
func (w *Worker) Cancel() {
	w.dataClient.Wakeup()
	w.opsClient.Wakeup()
}

// Close releases the ops client. The data client is closed internally
// once recovery finishes with it; the flush producer is shared and not
// owned by this worker.
func (w *Worker) Close() error {
	return w.opsClient.Close()
}

// steadyLatch is a one-shot pending -> {ok, failed} transition, safe
// for concurrent Steady()/Err() readers while the worker goroutine
// drives it. At most one of markOK/fail has any effect; later calls
// are no-ops.
type steadyLatch struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newSteadyLatch() *steadyLatch {
	return &steadyLatch{done: make(chan struct{})}
}

// markOK reports the pending -> ok transition, returning true only the
// one time it actually fires the latch.
func (s *steadyLatch) markOK() bool {
	fired := false
	s.once.Do(func() {
		fired = true
		close(s.done)
	})
	return fired
}

func (s *steadyLatch) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *steadyLatch) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
