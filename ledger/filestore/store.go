package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/ledger"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPath is where the monitor keeps its state inside the container.
const DefaultPath = "/data/last_check.json"

var _ ledger.Store = (*Store)(nil)

// Store keeps the sync state in a single JSON file, replaced atomically on save.
type Store struct {
	path string
	loc  *time.Location
	log  zerolog.Logger
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithLocation sets the timezone for timestamps stored without an offset.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		s.loc = loc
	}
}

func New(path string, options ...Option) *Store {
	if path == "" {
		path = DefaultPath
	}
	s := &Store{path: path, loc: time.UTC, log: log.Logger}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an empty state. A file that
// is not valid JSON is moved aside to <path>.corrupt and also yields an empty state.
func (s *Store) Load(_ context.Context) (*ledger.SyncState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &ledger.SyncState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[filestore Load] read %s: %w", s.path, err)
	}

	state, err := ledger.DecodeState(data, s.loc)
	if err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("state file is corrupt, starting fresh")
		if rerr := os.Rename(s.path, s.path+".corrupt"); rerr != nil {
			s.log.Warn().Err(rerr).Msg("failed to move corrupt state file aside")
		}
		return &ledger.SyncState{}, nil
	}
	return state, nil
}

// Save writes the state to a temporary file in the same directory and renames it over the old one.
func (s *Store) Save(_ context.Context, state *ledger.SyncState) error {
	data, err := ledger.EncodeState(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("[filestore Save] create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("[filestore Save] create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("[filestore Save] write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("[filestore Save] sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("[filestore Save] close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("[filestore Save] rename: %w", err)
	}
	return nil
}
