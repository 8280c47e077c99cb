package repofake

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-ksef-monitor/ledger"
)

var _ ledger.Store = (*FakeStateRepo)(nil)

// FakeStateRepo keeps the sync state in memory.
type FakeStateRepo struct {
	lock  sync.RWMutex
	state *ledger.SyncState
	saves int

	LoadErr error
	SaveErr error
}

func NewFakeStateRepo() *FakeStateRepo {
	return &FakeStateRepo{}
}

// NewFakeStateRepoWith starts the repo with an existing state.
func NewFakeStateRepoWith(state *ledger.SyncState) *FakeStateRepo {
	return &FakeStateRepo{state: copyState(state)}
}

func (r *FakeStateRepo) Load(_ context.Context) (*ledger.SyncState, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if r.LoadErr != nil {
		return nil, r.LoadErr
	}
	if r.state == nil {
		return &ledger.SyncState{}, nil
	}
	return copyState(r.state), nil
}

func (r *FakeStateRepo) Save(_ context.Context, state *ledger.SyncState) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.SaveErr != nil {
		return r.SaveErr
	}
	r.state = copyState(state)
	r.saves++
	return nil
}

// Saved returns the last saved state, or nil.
func (r *FakeStateRepo) Saved() *ledger.SyncState {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.state == nil {
		return nil
	}
	return copyState(r.state)
}

// Saves counts successful saves.
func (r *FakeStateRepo) Saves() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.saves
}

func copyState(s *ledger.SyncState) *ledger.SyncState {
	if s == nil {
		return nil
	}
	out := &ledger.SyncState{Dropped: s.Dropped, Seen: append([]ledger.Entry(nil), s.Seen...)}
	if s.LastCheck != nil {
		lc := *s.LastCheck
		out.LastCheck = &lc
	}
	return out
}
