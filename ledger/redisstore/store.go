package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/ledger"
	"github.com/redis/go-redis/v9"
)

// DefaultKey holds the sync state document.
const DefaultKey = "ksef-monitor:state"

var _ ledger.Store = (*Store)(nil)

// Store keeps the sync state as one JSON value under a key.
type Store struct {
	client *redis.Client
	key    string
	loc    *time.Location
}

type Option func(*Store)

// WithLocation sets the timezone for timestamps stored without an offset.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		s.loc = loc
	}
}

// Open connects to redis. url may be a redis:// URL or a plain host:port address.
func Open(ctx context.Context, url, password, key string, options ...Option) (*Store, error) {
	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("[redisstore Open] invalid url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}
	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("[redisstore Open] could not connect to redis: %w", err)
	}
	return New(client, key, options...), nil
}

// New wraps an existing client.
func New(client *redis.Client, key string, options ...Option) *Store {
	if key == "" {
		key = DefaultKey
	}
	s := &Store{client: client, key: key, loc: time.UTC}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Load(ctx context.Context) (*ledger.SyncState, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return &ledger.SyncState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[redisstore Load] get %s: %w", s.key, err)
	}
	return ledger.DecodeState(data, s.loc)
}

func (s *Store) Save(ctx context.Context, state *ledger.SyncState) error {
	data, err := ledger.EncodeState(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("[redisstore Save] set %s: %w", s.key, err)
	}
	return nil
}
