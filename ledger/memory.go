package ledger

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the state for the lifetime of the process only.
type MemoryStore struct {
	mu    sync.Mutex
	state *SyncState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return &SyncState{}, nil
	}
	return cloneState(m.state), nil
}

func (m *MemoryStore) Save(_ context.Context, state *SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = cloneState(state)
	return nil
}

func cloneState(s *SyncState) *SyncState {
	out := &SyncState{Dropped: s.Dropped, Seen: append([]Entry(nil), s.Seen...)}
	if s.LastCheck != nil {
		out.LastCheck = utils.Ptr(*s.LastCheck)
	}
	return out
}
