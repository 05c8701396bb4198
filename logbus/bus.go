// Package logbus supplies the partitioned-log transport the core ops
// worker is specified against abstractly: assign/seek/poll/end-offset
// consumer primitives plus a fire-and-forget producer. It is the
// external-message-bus collaborator of spec §6, concretely realized
// here as a set of wal-backed partition files so the whole system
// runs without a real broker.
package logbus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"turnstone/protocol"
	"turnstone/wal"
)

// Partition identifies one (topic, index) pair.
type Partition struct {
	Topic string
	Index int
}

func (p Partition) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Index)
}

// WakeupError is returned from Poll when Wakeup interrupted it.
var WakeupError = fmt.Errorf("logbus: poll woken up")

// Client is the abstract consumer surface the ops worker drives.
// Implementations need not be safe for concurrent use by multiple
// goroutines; each ops worker owns exactly one Client.
type Client interface {
	Assign(parts []Partition)
	Seek(part Partition, offset int64)
	SeekToBeginning(part Partition)
	Poll(ctx context.Context, timeout time.Duration) (map[Partition][]protocol.LogRecord, error)
	Position(part Partition) int64
	EndOffsets(parts []Partition) (map[Partition]int64, error)
	Wakeup()
	Close() error
}

// Producer is the abstract, fire-and-forget send surface used to
// publish flush requests and flush notifications.
type Producer interface {
	Send(topic string, partition int, key, value []byte) error
	Close() error
}

// Bus is a directory of wal-backed partition logs, one file per
// (topic, index), shared by every Client/Producer opened against it.
type Bus struct {
	dir string

	mu    sync.Mutex
	parts map[Partition]*wal.PartitionLog
}

// Open opens (creating if necessary) a Bus rooted at dir.
func Open(dir string) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logbus: create %s: %w", dir, err)
	}
	return &Bus{dir: dir, parts: make(map[Partition]*wal.PartitionLog)}, nil
}

func (b *Bus) partitionLog(p Partition) (*wal.PartitionLog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.parts[p]; ok {
		return l, nil
	}
	path := filepath.Join(b.dir, fmt.Sprintf("%s-%d.log", p.Topic, p.Index))
	l, err := wal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("logbus: open partition %s: %w", p, err)
	}
	b.parts[p] = l
	return l, nil
}

// EndOffset reports one past the highest committed offset for p.
func (b *Bus) EndOffset(p Partition) (int64, error) {
	l, err := b.partitionLog(p)
	if err != nil {
		return 0, err
	}
	return l.EndOffset(), nil
}

// Close closes every partition log opened through this bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, l := range b.parts {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewClient returns a fresh consumer view over this bus. Multiple
// clients may read the same partitions independently; each tracks its
// own assignment and position.
func (b *Bus) NewClient() *busClient {
	return &busClient{bus: b, positions: make(map[Partition]int64)}
}

// NewProducer returns a producer view over this bus.
func (b *Bus) NewProducer() *busProducer {
	return &busProducer{bus: b}
}

type busClient struct {
	bus       *Bus
	assigned  []Partition
	positions map[Partition]int64

	mu       sync.Mutex
	wakeupCh chan struct{}
}

func (c *busClient) Assign(parts []Partition) {
	c.assigned = append([]Partition(nil), parts...)
	for _, p := range parts {
		if _, ok := c.positions[p]; !ok {
			c.positions[p] = 0
		}
	}
}

func (c *busClient) Seek(part Partition, offset int64) {
	c.positions[part] = offset
}

func (c *busClient) SeekToBeginning(part Partition) {
	c.positions[part] = 0
}

func (c *busClient) Position(part Partition) int64 {
	return c.positions[part]
}

func (c *busClient) EndOffsets(parts []Partition) (map[Partition]int64, error) {
	out := make(map[Partition]int64, len(parts))
	for _, p := range parts {
		end, err := c.bus.EndOffset(p)
		if err != nil {
			return nil, err
		}
		out[p] = end
	}
	return out, nil
}

// Poll fetches up to a small batch per assigned partition. It never
// blocks past timeout and returns an empty, non-nil map when nothing
// is available. A concurrent Wakeup call causes an in-flight Poll to
// return WakeupError immediately.
func (c *busClient) Poll(ctx context.Context, timeout time.Duration) (map[Partition][]protocol.LogRecord, error) {
	const batchSize = 64

	out := make(map[Partition][]protocol.LogRecord)
	for _, p := range c.assigned {
		l, err := c.bus.partitionLog(p)
		if err != nil {
			return nil, err
		}
		recs, err := l.ReadFrom(c.positions[p], batchSize)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			continue
		}
		lr := make([]protocol.LogRecord, len(recs))
		for i, r := range recs {
			lr[i] = protocol.LogRecord{Topic: p.Topic, Partition: p.Index, Offset: r.Offset, Key: r.Key, Value: r.Value}
		}
		out[p] = lr
		c.positions[p] = recs[len(recs)-1].Offset + 1
	}

	if len(out) > 0 {
		return out, nil
	}

	c.mu.Lock()
	wc := make(chan struct{})
	c.wakeupCh = wc
	c.mu.Unlock()

	select {
	case <-time.After(timeout):
		return out, nil
	case <-wc:
		return nil, WakeupError
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wakeup interrupts an in-progress Poll, if any.
func (c *busClient) Wakeup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wakeupCh != nil {
		close(c.wakeupCh)
		c.wakeupCh = nil
	}
}

func (c *busClient) Close() error {
	return nil
}

type busProducer struct {
	bus *Bus
}

func (p *busProducer) Send(topic string, partition int, key, value []byte) error {
	l, err := p.bus.partitionLog(Partition{Topic: topic, Index: partition})
	if err != nil {
		return err
	}
	_, err = l.Append(key, value)
	return err
}

func (p *busProducer) Close() error {
	return nil
}
