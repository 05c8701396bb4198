// Package protocol defines the wire-level vocabulary shared by the
// log bus, the ops worker, and the flush engine: op types, the
// OpMessage payload, and the log record shape records are delivered
// in once polled off a partition.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Op types carried by OpMessage on the ops/flush topics.
const (
	OpPut                uint8 = 1
	OpRemoveAny          uint8 = 2
	OpFlushNotification  uint8 = 3
	OpFlushRequest       uint8 = 4
)

// HeaderSize is the fixed framing prefix of a record appended to a wal
// segment: Meta(4) + LogSeq(8) + CRC(4).
const HeaderSize = 16

var Crc32Table = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrKeyNotFound  = errors.New("key does not exist")
	ErrCrcMismatch  = errors.New("crc checksum mismatch")
	ErrClosed       = errors.New("log bus closed")
	ErrNotAssigned  = errors.New("partition not assigned to this client")
)

// OpMessage is the immutable record carried on the ops/flush topics.
// The record's key lives alongside it in the LogRecord, not here; a
// nil LogRecord.Key marks a control record (flush notification or
// request).
type OpMessage struct {
	OpType          uint8
	ClientID        uint64
	OpID            uint64
	FlushOffsetOps  int64
	FlushOffsetData int64

	ExpectedValue []byte
	UpdatedValue  []byte
	Function      []byte
}

// NewFlushNotification builds the marker a flush worker publishes on
// ops once it has durably written up to (flushOffsetOps,
// flushOffsetData) to the data topic.
func NewFlushNotification(clientID uint64, flushOffsetOps, flushOffsetData int64) OpMessage {
	return OpMessage{
		OpType:          OpFlushNotification,
		ClientID:        clientID,
		FlushOffsetOps:  flushOffsetOps,
		FlushOffsetData: flushOffsetData,
	}
}

// NewFlushRequest builds the message an ops worker sends on the flush
// topic asking a flush worker to compact up to flushOffsetOps.
func NewFlushRequest(clientID uint64, flushOffsetOps, lastCleanOffsetOps int64) OpMessage {
	return OpMessage{
		OpType:          OpFlushRequest,
		ClientID:        clientID,
		FlushOffsetOps:  flushOffsetOps,
		FlushOffsetData: lastCleanOffsetOps,
	}
}

// Encode serializes an OpMessage for storage as a wal record value.
// Layout: OpType(1) ClientID(8) OpID(8) FlushOffsetOps(8) FlushOffsetData(8)
// then three length-prefixed byte blobs: ExpectedValue, UpdatedValue, Function.
func (m OpMessage) Encode() []byte {
	size := 1 + 8 + 8 + 8 + 8 + 4 + len(m.ExpectedValue) + 4 + len(m.UpdatedValue) + 4 + len(m.Function)
	buf := make([]byte, size)
	off := 0
	buf[off] = m.OpType
	off++
	binary.BigEndian.PutUint64(buf[off:], m.ClientID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], m.OpID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(m.FlushOffsetOps))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(m.FlushOffsetData))
	off += 8
	off = putBlob(buf, off, m.ExpectedValue)
	off = putBlob(buf, off, m.UpdatedValue)
	putBlob(buf, off, m.Function)
	return buf
}

func putBlob(buf []byte, off int, b []byte) int {
	binary.BigEndian.PutUint32(buf[off:], uint32(len(b)))
	off += 4
	copy(buf[off:], b)
	return off + len(b)
}

// DecodeOpMessage parses the layout produced by Encode.
func DecodeOpMessage(data []byte) (OpMessage, error) {
	var m OpMessage
	if len(data) < 1+8+8+8+8 {
		return m, fmt.Errorf("op message too short: %d bytes", len(data))
	}
	off := 0
	m.OpType = data[off]
	off++
	m.ClientID = binary.BigEndian.Uint64(data[off:])
	off += 8
	m.OpID = binary.BigEndian.Uint64(data[off:])
	off += 8
	m.FlushOffsetOps = int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	m.FlushOffsetData = int64(binary.BigEndian.Uint64(data[off:]))
	off += 8

	var err error
	m.ExpectedValue, off, err = getBlob(data, off)
	if err != nil {
		return m, err
	}
	m.UpdatedValue, off, err = getBlob(data, off)
	if err != nil {
		return m, err
	}
	m.Function, _, err = getBlob(data, off)
	if err != nil {
		return m, err
	}
	return m, nil
}

func getBlob(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, off, fmt.Errorf("truncated op message at blob length, offset %d", off)
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if n == 0 {
		return nil, off, nil
	}
	if off+n > len(data) {
		return nil, off, fmt.Errorf("truncated op message at blob body, offset %d, len %d", off, n)
	}
	b := make([]byte, n)
	copy(b, data[off:off+n])
	return b, off + n, nil
}

// LogRecord is what Poll returns: a positioned entry on one partition
// of one topic. Value is the raw payload; on the ops/flush topics it
// is an encoded OpMessage the caller decodes with DecodeOpMessage, on
// the data topic it is the materialized value (nil = tombstone).
type LogRecord struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}
