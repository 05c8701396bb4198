package kvmap

import (
	"bytes"
	"testing"

	"turnstone/opsworker"
	"turnstone/protocol"
)

func TestApplyReceivedUpdatePutThenRemove(t *testing.T) {
	m := New()

	var out opsworker.OutBox
	updated, err := m.ApplyReceivedUpdate(1, 1, protocol.OpPut, []byte("k"), nil, []byte("v"), nil, &out)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !updated || out.Tombstone || !bytes.Equal(out.Value, []byte("v")) {
		t.Fatalf("put out = %+v, updated = %v", out, updated)
	}
	if v, ok := m.Get([]byte("k")); !ok || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("Get after put = %q, %v", v, ok)
	}

	out.Clear()
	updated, err = m.ApplyReceivedUpdate(1, 2, protocol.OpRemoveAny, []byte("k"), nil, nil, nil, &out)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !updated || !out.Tombstone || out.Value != nil {
		t.Fatalf("remove out = %+v, updated = %v", out, updated)
	}
	if _, ok := m.Get([]byte("k")); ok {
		t.Fatal("key still present after remove")
	}
}

func TestApplyReceivedUpdateRemoveMissingKeyReportsNotUpdated(t *testing.T) {
	m := New()
	updated, err := m.ApplyReceivedUpdate(1, 1, protocol.OpRemoveAny, []byte("missing"), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if updated {
		t.Fatal("updated = true for a key that was never present")
	}
}

func TestApplyReceivedUpdateUnknownOpType(t *testing.T) {
	m := New()
	if _, err := m.ApplyReceivedUpdate(1, 1, 0xFF, []byte("k"), nil, nil, nil, nil); err == nil {
		t.Fatal("expected an error for an unsupported op type")
	}
}

// Data-topic recovery drives the same ApplyReceivedUpdate path a live
// op would, with clientID, opID, expectedValue, and function all
// zero/nil and no OutBox; this is what opsworker's loader actually
// calls when replaying the compacted data topic.
func TestApplyReceivedUpdateDuringRecoveryAndSnapshot(t *testing.T) {
	m := New()
	if _, err := m.ApplyReceivedUpdate(0, 0, protocol.OpPut, []byte("a"), nil, []byte("1"), nil, nil); err != nil {
		t.Fatalf("recovery put a: %v", err)
	}
	if _, err := m.ApplyReceivedUpdate(0, 0, protocol.OpPut, []byte("b"), nil, []byte("2"), nil, nil); err != nil {
		t.Fatalf("recovery put b: %v", err)
	}
	if _, err := m.ApplyReceivedUpdate(0, 0, protocol.OpRemoveAny, []byte("a"), nil, nil, nil, nil); err != nil {
		t.Fatalf("recovery tombstone a: %v", err)
	}

	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
	snap := m.Snapshot()
	if len(snap) != 1 || !bytes.Equal(snap["b"], []byte("2")) {
		t.Fatalf("Snapshot() = %v", snap)
	}
	if _, ok := snap["a"]; ok {
		t.Fatal("snapshot still contains a tombstoned key")
	}
}
