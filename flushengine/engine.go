// Package flushengine implements the flush worker and clean-queue
// consumer the ops worker core treats as external collaborators: it
// drains FLUSH_REQUEST from the flush topic, compacts the requesting
// partition's buffered updates into the data topic, updates a
// materialized key index from each compacted batch, and publishes the FLUSH_NOTIFICATION the offset probe looks for on
// recovery.
package flushengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"turnstone/logbus"
	"turnstone/opsworker"
	"turnstone/protocol"
)

// Config parameterizes one Engine instance.
type Config struct {
	ClientID uint64

	DataTopic  string
	OpsTopic   string
	FlushTopic string

	AssignedParts []int

	// IndexDir is where the materialized key index is persisted.
	IndexDir string

	PollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 50 * time.Millisecond
	}
	return c
}

// Engine is the reference flush worker: one per flush-topic partition
// assignment, backed by a single leveldb index shared across the
// partitions it serves.
type Engine struct {
	cfg Config

	flushClient  logbus.Client
	dataClient   logbus.Client
	opsClient    logbus.Client
	dataProducer logbus.Producer
	opsProducer  logbus.Producer

	index      *leveldb.DB
	queues     map[int]*Queue
	cleanQueue *CleanQueue

	// lastConsumedOps tracks, per partition, how far backfillFromOps has
	// already read the ops topic on this engine's own behalf. Only used
	// when opsClient is non-nil (a standalone deployment with no worker
	// feeding queues directly via Add).
	lastConsumedOps map[int]int64

	logger *slog.Logger

	flushesTotal atomic.Uint64
	cleanedTotal atomic.Uint64
}

// New opens (creating if necessary) the leveldb index at cfg.IndexDir
// and constructs an Engine ready to Run. dataClient is used only to
// learn the data topic's end offsets after a compacted write, never to
// consume it. opsClient may be nil when this Engine is co-located with
// the opsworker.Worker whose queues it drains (the Worker feeds the
// queues directly via FlushQueue.Add); when non-nil, the Engine instead
// tails the ops topic itself just before each flush request, making it
// usable as a standalone process with no shared in-memory state.
func New(cfg Config, flushClient, dataClient, opsClient logbus.Client, dataProducer, opsProducer logbus.Producer, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	opts := &opt.Options{
		BlockCacheCapacity: 64 * 1024 * 1024,
		Compression:        opt.SnappyCompression,
	}
	db, err := leveldb.OpenFile(cfg.IndexDir, opts)
	if err != nil {
		return nil, fmt.Errorf("flushengine: open index at %s: %w", cfg.IndexDir, err)
	}

	queues := make(map[int]*Queue, len(cfg.AssignedParts))
	lastConsumedOps := make(map[int]int64, len(cfg.AssignedParts))
	for _, idx := range cfg.AssignedParts {
		queues[idx] = NewQueue()
		lastConsumedOps[idx] = 0
	}

	return &Engine{
		cfg:             cfg,
		flushClient:     flushClient,
		dataClient:      dataClient,
		opsClient:       opsClient,
		dataProducer:    dataProducer,
		opsProducer:     opsProducer,
		index:           db,
		queues:          queues,
		cleanQueue:      NewCleanQueue(),
		lastConsumedOps: lastConsumedOps,
		logger:          logger.With("component", "flushengine", "clientID", cfg.ClientID),
	}, nil
}

// Queue returns the FlushQueue an opsworker.Worker should hand entries
// to for the given assigned partition index. Panics if idx was not in
// cfg.AssignedParts, since that is a wiring mistake at startup.
func (e *Engine) Queue(idx int) opsworker.FlushQueue {
	q, ok := e.queues[idx]
	if !ok {
		panic(fmt.Sprintf("flushengine: partition %d not assigned to this engine", idx))
	}
	return q
}

// Queues exposes every assigned partition's queue, keyed the way
// opsworker.New expects its flushQueues argument.
func (e *Engine) Queues() map[int]opsworker.FlushQueue {
	out := make(map[int]opsworker.FlushQueue, len(e.queues))
	for idx, q := range e.queues {
		out[idx] = q
	}
	return out
}

// CleanQueue returns the shared queue an opsworker.Worker pushes
// superseding peer flush notifications onto.
func (e *Engine) CleanQueue() opsworker.CleanQueue {
	return e.cleanQueue
}

// Run polls the flush topic for FLUSH_REQUEST records until ctx is
// cancelled or the flush client is woken up, compacting each request
// as it arrives and periodically draining the clean queue.
func (e *Engine) Run(ctx context.Context) error {
	parts := make([]logbus.Partition, len(e.cfg.AssignedParts))
	for i, idx := range e.cfg.AssignedParts {
		parts[i] = logbus.Partition{Topic: e.cfg.FlushTopic, Index: idx}
	}
	e.flushClient.Assign(parts)
	for _, p := range parts {
		e.flushClient.SeekToBeginning(p)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		e.drainCleanQueue()

		recs, err := e.flushClient.Poll(ctx, e.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, logbus.WakeupError) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("flushengine: poll flush topic: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		for part, batch := range recs {
			for _, r := range batch {
				op, derr := protocol.DecodeOpMessage(r.Value)
				if derr != nil {
					return fmt.Errorf("flushengine: decode flush request at %s offset %d: %w", part, r.Offset, derr)
				}
				if op.OpType != protocol.OpFlushRequest {
					continue
				}
				if err := e.handleFlushRequest(ctx, part.Index, op); err != nil {
					return err
				}
			}
		}
	}
}

// Cancel interrupts an in-progress Poll.
func (e *Engine) Cancel() { e.flushClient.Wakeup() }

// Close releases the underlying index and the log bus clients this
// Engine owns.
func (e *Engine) Close() error {
	idxErr := e.index.Close()
	clientErr := e.flushClient.Close()
	if e.opsClient != nil {
		if err := e.opsClient.Close(); err != nil && clientErr == nil {
			clientErr = err
		}
	}
	if idxErr != nil {
		return idxErr
	}
	return clientErr
}

func (e *Engine) handleFlushRequest(ctx context.Context, partIdx int, op protocol.OpMessage) error {
	queue, ok := e.queues[partIdx]
	if !ok {
		return fmt.Errorf("flushengine: flush request for unassigned partition %d", partIdx)
	}

	if err := e.backfillFromOps(ctx, partIdx, op.FlushOffsetOps); err != nil {
		return err
	}

	entries := queue.Drain(op.FlushOffsetOps)

	batch := new(leveldb.Batch)
	written := 0
	for _, entry := range entries {
		if entry.Key == nil {
			continue // control record, nothing to compact
		}
		if entry.Value == nil {
			batch.Delete(entry.Key)
		} else {
			batch.Put(entry.Key, entry.Value)
		}
		if err := e.dataProducer.Send(e.cfg.DataTopic, partIdx, entry.Key, entry.Value); err != nil {
			return fmt.Errorf("flushengine: write compacted record for partition %d: %w", partIdx, err)
		}
		written++
	}
	if batch.Len() > 0 {
		if err := e.index.Write(batch, &opt.WriteOptions{Sync: false}); err != nil {
			return fmt.Errorf("flushengine: update index for partition %d: %w", partIdx, err)
		}
	}

	dataPart := logbus.Partition{Topic: e.cfg.DataTopic, Index: partIdx}
	ends, err := e.dataClient.EndOffsets([]logbus.Partition{dataPart})
	if err != nil {
		return fmt.Errorf("flushengine: end offset for %s: %w", dataPart, err)
	}
	flushOffsetData := ends[dataPart] - 1

	notif := protocol.NewFlushNotification(e.cfg.ClientID, op.FlushOffsetOps, flushOffsetData)
	opsPart := logbus.Partition{Topic: e.cfg.OpsTopic, Index: partIdx}
	if err := e.opsProducer.Send(opsPart.Topic, opsPart.Index, nil, notif.Encode()); err != nil {
		return fmt.Errorf("flushengine: publish flush notification for %s: %w", opsPart, err)
	}

	e.flushesTotal.Add(1)
	e.logger.Info("flushed partition", "partition", partIdx, "flushOffsetOps", op.FlushOffsetOps, "flushOffsetData", flushOffsetData, "recordsWritten", written)
	return nil
}

func (e *Engine) drainCleanQueue() {
	for _, n := range e.cleanQueue.Drain() {
		q, ok := e.queues[n.Partition.Index]
		if !ok {
			continue
		}
		discarded := q.DiscardThrough(n.Offset)
		if discarded > 0 {
			e.cleanedTotal.Add(uint64(discarded))
		}
	}
}

// backfillFromOps is a no-op when this Engine is co-located with the
// opsworker.Worker that feeds its queues directly. When opsClient is
// set, it instead reads the ops topic for partition idx itself, from
// the last point it consumed up through throughOffset, turning each
// PUT or REMOVE_ANY record into the FlushQueueEntry a co-located
// Worker would otherwise have pushed via FlushQueue.Add.
func (e *Engine) backfillFromOps(ctx context.Context, idx int, throughOffset int64) error {
	if e.opsClient == nil {
		return nil
	}
	queue, ok := e.queues[idx]
	if !ok {
		return nil
	}
	opsPart := logbus.Partition{Topic: e.cfg.OpsTopic, Index: idx}
	from := e.lastConsumedOps[idx]
	if from > throughOffset {
		return nil
	}

	e.opsClient.Assign([]logbus.Partition{opsPart})
	e.opsClient.Seek(opsPart, from)

	for e.opsClient.Position(opsPart) <= throughOffset {
		recs, err := e.opsClient.Poll(ctx, e.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, logbus.WakeupError) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("flushengine: backfill poll on %s: %w", opsPart, err)
		}

		batch := recs[opsPart]
		if len(batch) == 0 {
			ends, err := e.opsClient.EndOffsets([]logbus.Partition{opsPart})
			if err != nil {
				return fmt.Errorf("flushengine: backfill end offsets for %s: %w", opsPart, err)
			}
			if e.opsClient.Position(opsPart) >= ends[opsPart] {
				break
			}
			continue
		}

		for _, r := range batch {
			if r.Offset > throughOffset {
				break
			}
			if r.Key == nil {
				continue // control record, not a key update
			}
			op, derr := protocol.DecodeOpMessage(r.Value)
			if derr != nil {
				return fmt.Errorf("flushengine: backfill decode at %s offset %d: %w", opsPart, r.Offset, derr)
			}
			var value []byte
			switch op.OpType {
			case protocol.OpPut:
				value = op.UpdatedValue
			case protocol.OpRemoveAny:
				value = nil
			default:
				continue
			}
			queue.Add(opsworker.FlushQueueEntry{Key: r.Key, Value: value, OpsOffset: r.Offset, Updated: true})
		}
	}

	e.lastConsumedOps[idx] = throughOffset + 1
	return nil
}

// FlushesTotal, CleanedRecordsTotal, and IndexKeysTotal implement
// metrics.FlushStatsProvider.
func (e *Engine) FlushesTotal() uint64        { return e.flushesTotal.Load() }
func (e *Engine) CleanedRecordsTotal() uint64 { return e.cleanedTotal.Load() }

func (e *Engine) IndexKeysTotal() uint64 {
	iter := e.index.NewIterator(nil, nil)
	defer iter.Release()
	var n uint64
	for iter.Next() {
		n++
	}
	return n
}
