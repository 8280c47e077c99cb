package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/ledger"
	"github.com/jrsteele09/go-ksef-monitor/ledger/sqlitestore"
	"github.com/stretchr/testify/require"
)

func setupTestFixture(t *testing.T) (*sqlitestore.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := sqlitestore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestEmptyDatabase(t *testing.T) {
	store, _ := setupTestFixture(t)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, state.LastCheck)
	require.Empty(t, state.Seen)
}

func TestSaveReplacesState(t *testing.T) {
	store, path := setupTestFixture(t)
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, &ledger.SyncState{
		LastCheck: &t0,
		Seen: []ledger.Entry{
			{Hash: ledger.Hash("a"), SeenAt: t0},
			{Hash: ledger.Hash("b"), SeenAt: t0},
		},
	}))

	t1 := t0.Add(time.Hour)
	require.NoError(t, store.Save(ctx, &ledger.SyncState{
		LastCheck: &t1,
		Seen: []ledger.Entry{
			{Hash: ledger.Hash("b"), SeenAt: t0},
			{Hash: ledger.Hash("c"), SeenAt: t1},
		},
	}))
	require.NoError(t, store.Close())

	reopened, err := sqlitestore.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, state.LastCheck.Equal(t1))
	require.Len(t, state.Seen, 2)
	require.Equal(t, ledger.Hash("b"), state.Seen[0].Hash)
	require.Equal(t, ledger.Hash("c"), state.Seen[1].Hash)
}

func TestDuplicateDigestsAreStoredOnce(t *testing.T) {
	store, _ := setupTestFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, &ledger.SyncState{
		LastCheck: &now,
		Seen: []ledger.Entry{
			{Hash: ledger.Hash("a"), SeenAt: now},
			{Hash: ledger.Hash("a"), SeenAt: now},
		},
	}))

	state, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Seen, 1)
}
