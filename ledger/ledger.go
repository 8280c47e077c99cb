package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
)

const (
	DefaultRetention = 90 * 24 * time.Hour
	DefaultCapacity  = 1000
)

// Entry records one processed invoice by the digest of its identity.
type Entry struct {
	Hash   string
	SeenAt time.Time
}

// SyncState is the single persisted record of the monitor.
type SyncState struct {
	LastCheck *time.Time // nil before the first completed cycle
	Seen      []Entry    // insertion order, oldest first
	Dropped   int        // entries discarded while decoding an older format
}

// Store persists SyncState. Load returns an empty state when nothing was saved yet.
type Store interface {
	Load(ctx context.Context) (*SyncState, error)
	Save(ctx context.Context, state *SyncState) error
}

// Hash reduces an invoice identity to a fixed-width hex SHA-256 digest.
func Hash(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// Ledger is the in-memory set of processed invoices for one cycle.
type Ledger struct {
	capacity  int
	retention time.Duration

	mu        sync.Mutex
	entries   []Entry
	index     map[string]struct{}
	lastCheck *time.Time
	evicted   int
}

type Option func(*Ledger)

// WithCapacity bounds the number of entries kept when saving.
func WithCapacity(n int) Option {
	return func(l *Ledger) {
		l.capacity = n
	}
}

// WithRetention sets the age after which entries are dropped on load.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		l.retention = d
	}
}

// New builds a ledger from a loaded state. Entries older than the retention
// window relative to now, entries without a digest or timestamp and repeated
// digests are dropped.
func New(state *SyncState, now time.Time, options ...Option) *Ledger {
	l := &Ledger{
		capacity:  DefaultCapacity,
		retention: DefaultRetention,
		index:     map[string]struct{}{},
	}
	for _, opt := range options {
		opt(l)
	}
	if state == nil {
		return l
	}

	if state.LastCheck != nil {
		l.lastCheck = utils.Ptr(*state.LastCheck)
	}
	cutoff := now.Add(-l.retention)
	for _, e := range state.Seen {
		if e.Hash == "" || e.SeenAt.IsZero() || e.SeenAt.Before(cutoff) {
			l.evicted++
			continue
		}
		if _, dup := l.index[e.Hash]; dup {
			continue
		}
		l.index[e.Hash] = struct{}{}
		l.entries = append(l.entries, e)
	}
	return l
}

// Load reads the state from store and applies the load-time policy.
func Load(ctx context.Context, store Store, now time.Time, options ...Option) (*Ledger, error) {
	state, err := store.Load(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "[ledger Load] failed to load sync state")
	}
	l := New(state, now, options...)
	l.evicted += state.Dropped
	return l, nil
}

// ShouldProcess reports whether identity has not been processed yet.
func (l *Ledger) ShouldProcess(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, seen := l.index[Hash(identity)]
	return !seen
}

// MarkProcessed records identity as processed at the given time. It returns
// false when the identity was already recorded; digests are never appended twice.
func (l *Ledger) MarkProcessed(identity string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := Hash(identity)
	if _, seen := l.index[h]; seen {
		return false
	}
	l.index[h] = struct{}{}
	l.entries = append(l.entries, Entry{Hash: h, SeenAt: at})
	return true
}

// LastCheck returns the end of the last completed query window.
func (l *Ledger) LastCheck() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastCheck == nil {
		return time.Time{}, false
	}
	return *l.lastCheck, true
}

// Len is the number of entries currently held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Evicted is the number of entries discarded on load.
func (l *Ledger) Evicted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evicted
}

// Snapshot returns the state to persist: lastCheck set and the entries capped
// to the most recent by insertion order.
func (l *Ledger) Snapshot(lastCheck time.Time) *SyncState {
	return l.snapshot(&lastCheck)
}

func (l *Ledger) snapshot(lastCheck *time.Time) *SyncState {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries
	if l.capacity > 0 && len(entries) > l.capacity {
		entries = entries[len(entries)-l.capacity:]
	}
	state := &SyncState{Seen: append([]Entry(nil), entries...)}
	if lastCheck != nil {
		state.LastCheck = utils.Ptr(*lastCheck)
	}
	return state
}

// Save persists the capped snapshot with lastCheck and adopts it as the new lastCheck.
func (l *Ledger) Save(ctx context.Context, store Store, lastCheck time.Time) error {
	if err := store.Save(ctx, l.Snapshot(lastCheck)); err != nil {
		return errors.Wrapf(err, "[ledger Save] failed to save sync state")
	}
	l.mu.Lock()
	l.lastCheck = utils.Ptr(lastCheck)
	l.mu.Unlock()
	return nil
}

// Checkpoint persists the entries marked so far while keeping the loaded
// lastCheck, so an aborted cycle retries the same window without
// re-triggering invoices it already handled.
func (l *Ledger) Checkpoint(ctx context.Context, store Store) error {
	l.mu.Lock()
	lastCheck := l.lastCheck
	l.mu.Unlock()

	if err := store.Save(ctx, l.snapshot(lastCheck)); err != nil {
		return errors.Wrapf(err, "[ledger Checkpoint] failed to save sync state")
	}
	return nil
}
