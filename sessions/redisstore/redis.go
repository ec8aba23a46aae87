package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-livesync/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL applies to Set when the configuration does not override it.
const DefaultTTL = 24 * time.Hour

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// DefaultTTL for Set. ENV: SESSIONS_DEFAULT_TTL
	DefaultTTL time.Duration `env:"SESSIONS_DEFAULT_TTL,default=24h"`
}

// Store is a Redis implementation of sessions.Store.
type Store struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string
	defaultTTL time.Duration
	log        *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for backend failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithDefaultTTL overrides the TTL applied by Set. Zero stores without expiry.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) { s.defaultTTL = ttl }
}

// New dials Redis as described by cfg and verifies connectivity.
func New(cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	base := []Option{WithKeyPrefix(cfg.KeyPrefix)}
	if cfg.DefaultTTL > 0 {
		base = append(base, WithDefaultTTL(cfg.DefaultTTL))
	}
	s := NewWithClient(cl, append(base, opts...)...)
	s.ownsClient = true
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redisstore config: %w", err)
	}
	return New(cfg, opts...)
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "mcp:sessions:",
		defaultTTL: DefaultTTL,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the Redis client if the Store created it.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// --- Key helpers ---

func (s *Store) recordKey(sessionID string) string { return s.keyPrefix + sessionID }

// LivenessKey is the key a stream manager refreshes while it hosts a session
// stream on some instance.
func LivenessKey(prefix, sessionID string) string { return "available:" + prefix + sessionID }

// KeyPrefix returns the prefix applied to session keys.
func (s *Store) KeyPrefix() string { return s.keyPrefix }

func (s *Store) fail(ctx context.Context, op, sessionID string, err error) error {
	s.log.ErrorContext(ctx, "redisstore."+op+".fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
	return fmt.Errorf("redisstore %s: %w", op, err)
}

// Get implements sessions.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	raw, err := s.client.Get(ctx, s.recordKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, s.fail(ctx, "get", sessionID, err)
	}
	var meta sessions.SessionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, s.fail(ctx, "decode", sessionID, err)
	}
	return &meta, nil
}

// Set implements sessions.Store using DefaultTTL.
func (s *Store) Set(ctx context.Context, sessionID string, meta *sessions.SessionMetadata) error {
	return s.put(ctx, "set", sessionID, meta, s.defaultTTL)
}

// SetWithTTL implements sessions.Store.
func (s *Store) SetWithTTL(ctx context.Context, sessionID string, meta *sessions.SessionMetadata, ttl time.Duration) error {
	return s.put(ctx, "set_ttl", sessionID, meta, ttl)
}

func (s *Store) put(ctx context.Context, op, sessionID string, meta *sessions.SessionMetadata, ttl time.Duration) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return s.fail(ctx, "encode", sessionID, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	c := context.WithoutCancel(ctx)
	if err := s.client.Set(c, s.recordKey(sessionID), raw, ttl).Err(); err != nil {
		return s.fail(ctx, op, sessionID, err)
	}
	return nil
}

// Delete implements sessions.Store.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if err := s.client.Del(c, s.recordKey(sessionID)).Err(); err != nil {
		return s.fail(ctx, "delete", sessionID, err)
	}
	return nil
}

// Has implements sessions.Store.
func (s *Store) Has(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.recordKey(sessionID)).Result()
	if err != nil {
		return false, s.fail(ctx, "has", sessionID, err)
	}
	return n == 1, nil
}

// Keys implements sessions.Store with a full SCAN of the prefix.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	err := s.scan(ctx, func(keys []string) error {
		for _, k := range keys {
			// SCAN may return a key more than once.
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, strings.TrimPrefix(k, s.keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, "keys", "", err)
	}
	return out, nil
}

// Clear implements sessions.Store by deleting every key under the prefix.
func (s *Store) Clear(ctx context.Context) error {
	c := context.WithoutCancel(ctx)
	err := s.scan(c, func(keys []string) error {
		return s.client.Del(c, keys...).Err()
	})
	if err != nil {
		return s.fail(ctx, "clear", "", err)
	}
	return nil
}

func (s *Store) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, cur, err := s.client.Scan(ctx, cursor, globEscape(s.keyPrefix)+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if cur == 0 {
			return nil
		}
		cursor = cur
	}
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// globEscape quotes the SCAN MATCH metacharacters in a literal prefix.
func globEscape(s string) string { return globReplacer.Replace(s) }

// Interface compliance
var _ sessions.Store = (*Store)(nil)
