package penguin

import (
	"fmt"
	"sort"
	"sync"
)

// SnapshotMeta is operator-facing labeling for a stored snapshot.
type SnapshotMeta struct {
	Name   string            `json:"name,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// SnapshotDescriptor summarizes one stored snapshot for listings.
type SnapshotDescriptor struct {
	ID        string       `json:"id"`
	ParentID  string       `json:"parent_id,omitempty"`
	CreatedAt int64        `json:"created_at"`
	Meta      SnapshotMeta `json:"meta"`
}

// SnapshotStore is append-only keyed storage for serialized conversation
// states. Parent pointers form a forest. Implementations must be safe
// for concurrent callers and must make each write atomic: a partially
// written snapshot is never visible to readers.
type SnapshotStore interface {
	// Snapshot stores payload under a fresh id. parentID may be empty.
	Snapshot(payload []byte, parentID string, meta SnapshotMeta) (string, error)
	// Restore returns the payload, or nil (not an error) for unknown ids.
	Restore(id string) ([]byte, error)
	// BranchFrom is restore + snapshot with parent id set. Returns the
	// new id and the payload; payload is nil for unknown ids.
	BranchFrom(id string, meta SnapshotMeta) (string, []byte, error)
	// List returns descriptors newest-first.
	List(limit, offset int) ([]SnapshotDescriptor, error)
}

type memorySnapshot struct {
	desc    SnapshotDescriptor
	payload []byte
}

// MemorySnapshotStore keeps snapshots in process memory. Suited to
// tests and single-run deployments; the store subpackages provide the
// durable equivalents.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	items map[string]memorySnapshot
}

// NewMemorySnapshotStore creates an empty in-memory store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{items: make(map[string]memorySnapshot)}
}

// Snapshot implements SnapshotStore.
func (s *MemorySnapshotStore) Snapshot(payload []byte, parentID string, meta SnapshotMeta) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parentID != "" {
		if _, ok := s.items[parentID]; !ok {
			return "", fmt.Errorf("parent snapshot %s not found", parentID)
		}
	}
	id := NewID()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.items[id] = memorySnapshot{
		desc: SnapshotDescriptor{
			ID:        id,
			ParentID:  parentID,
			CreatedAt: NowMillis(),
			Meta:      meta,
		},
		payload: buf,
	}
	return id, nil
}

// Restore implements SnapshotStore. Unknown ids return nil, nil.
func (s *MemorySnapshotStore) Restore(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	buf := make([]byte, len(item.payload))
	copy(buf, item.payload)
	return buf, nil
}

// BranchFrom implements SnapshotStore.
func (s *MemorySnapshotStore) BranchFrom(id string, meta SnapshotMeta) (string, []byte, error) {
	payload, err := s.Restore(id)
	if err != nil {
		return "", nil, err
	}
	if payload == nil {
		return "", nil, nil
	}
	newID, err := s.Snapshot(payload, id, meta)
	if err != nil {
		return "", nil, err
	}
	return newID, payload, nil
}

// List implements SnapshotStore, newest first.
func (s *MemorySnapshotStore) List(limit, offset int) ([]SnapshotDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	descs := make([]SnapshotDescriptor, 0, len(s.items))
	for _, item := range s.items {
		descs = append(descs, item.desc)
	}
	sort.Slice(descs, func(i, j int) bool {
		if descs[i].CreatedAt != descs[j].CreatedAt {
			return descs[i].CreatedAt > descs[j].CreatedAt
		}
		return descs[i].ID > descs[j].ID
	})
	if offset >= len(descs) {
		return nil, nil
	}
	descs = descs[offset:]
	if limit > 0 && limit < len(descs) {
		descs = descs[:limit]
	}
	return descs, nil
}

// compile-time check
var _ SnapshotStore = (*MemorySnapshotStore)(nil)
