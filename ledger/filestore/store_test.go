package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jrsteele09/go-ksef-monitor/ledger"
	"github.com/jrsteele09/go-ksef-monitor/ledger/filestore"
	"github.com/stretchr/testify/require"
)

func TestMissingFileIsEmptyState(t *testing.T) {
	store := filestore.New(filepath.Join(t.TempDir(), "last_check.json"))

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, state.LastCheck)
	require.Empty(t, state.Seen)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "last_check.json")
	store := filestore.New(path)
	lastCheck := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(context.Background(), &ledger.SyncState{
		LastCheck: &lastCheck,
		Seen: []ledger.Entry{
			{Hash: ledger.Hash("a"), SeenAt: lastCheck.Add(-time.Hour)},
			{Hash: ledger.Hash("b"), SeenAt: lastCheck},
		},
	}))

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, state.LastCheck.Equal(lastCheck))
	require.Len(t, state.Seen, 2)
	require.Equal(t, ledger.Hash("a"), state.Seen[0].Hash)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	require.Empty(t, matches, "temporary files are cleaned up")
}

func TestCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_check.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := filestore.New(path)
	state, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, state.LastCheck)

	_, err = os.Stat(path + ".corrupt")
	require.NoError(t, err)
}

func TestLegacyDigestListIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_check.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"last_check": "2024-06-01T10:00:00+00:00",
		"seen_invoices": ["5d41402abc4b2a76b9719d911017c592", "7d793037a0760186574b0282f2f435e7"]
	}`), 0o644))

	now := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	l, err := ledger.Load(context.Background(), filestore.New(path), now)
	require.NoError(t, err)
	require.Zero(t, l.Len())
	require.Equal(t, 2, l.Evicted())
	_, ok := l.LastCheck()
	require.True(t, ok)
}

func TestNaiveLastCheckIsReadInLocation(t *testing.T) {
	warsaw, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "last_check.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"last_check": "2024-06-01T12:00:00", "seen_invoices": []}`), 0o644))

	state, err := filestore.New(path, filestore.WithLocation(warsaw)).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), state.LastCheck.UTC())
}
