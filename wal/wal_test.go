package wal

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestAppendAssignsSequentialOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops-0.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	for i, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"a", "3"}} {
		off, err := l.Append([]byte(kv[0]), []byte(kv[1]))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if off != int64(i) {
			t.Fatalf("record %d got offset %d, want %d", i, off, i)
		}
	}
	if end := l.EndOffset(); end != 3 {
		t.Fatalf("end offset = %d, want 3", end)
	}
}

func TestAppendTombstoneAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data-0.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	if _, err := l.Append([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("append put: %v", err)
	}
	if _, err := l.Append([]byte("k"), nil); err != nil {
		t.Fatalf("append tombstone: %v", err)
	}

	recs, err := l.ReadFrom(0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Tombstone || !bytes.Equal(recs[0].Value, []byte("v")) {
		t.Fatalf("record 0 = %+v, want put v", recs[0])
	}
	if !recs[1].Tombstone || recs[1].Value != nil {
		t.Fatalf("record 1 = %+v, want tombstone", recs[1])
	}
}

func TestReadFromPastEndIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flush-0.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	recs, err := l.ReadFrom(5, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("got %d records, want 0", len(recs))
	}
}

func TestRecoverRebuildsOffsetsAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops-0.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := l.Append([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	if end := l2.EndOffset(); end != 5 {
		t.Fatalf("end offset after reopen = %d, want 5", end)
	}
	off, err := l2.Append([]byte("k"), []byte("v6"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if off != 5 {
		t.Fatalf("next offset after reopen = %d, want 5", off)
	}
}
