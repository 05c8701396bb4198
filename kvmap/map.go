// Package kvmap provides the default local replicated map and its
// OpsUpdateHandler, the out-of-scope "user-facing map API and value
// merging policy" collaborator spec §1 explicitly keeps external to
// the ops worker core. Map implements the simplest possible policy
// (last write wins); callers needing a different merge policy supply
// their own opsworker.OpsUpdateHandler instead.
package kvmap

import (
	"fmt"
	"sync"

	"turnstone/opsworker"
	"turnstone/protocol"
)

// Map is a mutex-protected in-memory key-value map and the default
// opsworker.OpsUpdateHandler implementation the ops worker drives.
type Map struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *Map {
	return &Map{data: make(map[string][]byte)}
}

// Get returns the current value for key and whether it is present.
func (m *Map) Get(key []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	return v, ok
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// ApplyReceivedUpdate implements opsworker.OpsUpdateHandler: PUT
// overwrites unconditionally, REMOVE_ANY deletes unconditionally.
// ExpectedValue and Function are unused by this default policy; a
// richer handler (CAS, merge functions) would consult them here. out
// may be nil, as it is when the ops worker is replaying the data topic
// during recovery rather than applying a live op.
func (m *Map) ApplyReceivedUpdate(
	clientID, opID uint64,
	opType uint8,
	key, expectedValue, updatedValue, function []byte,
	out *opsworker.OutBox,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch opType {
	case protocol.OpPut:
		m.data[string(key)] = updatedValue
		if out != nil {
			out.Value = updatedValue
			out.Tombstone = false
		}
		return true, nil
	case protocol.OpRemoveAny:
		_, existed := m.data[string(key)]
		delete(m.data, string(key))
		if out != nil {
			out.Value = nil
			out.Tombstone = true
		}
		return existed, nil
	default:
		return false, fmt.Errorf("kvmap: unsupported op type 0x%02x", opType)
	}
}

// Snapshot returns a shallow copy of the map's current contents.
func (m *Map) Snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}
