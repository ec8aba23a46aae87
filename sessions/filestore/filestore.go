package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ggoodman/mcp-livesync/sessions"
	"github.com/ggoodman/mcp-livesync/sessions/memorystore"
	"github.com/joeshaw/envdecode"
)

const (
	// DefaultPath is a hidden, project-local location for the session file.
	DefaultPath = ".mcp/sessions.json"
	// DefaultDebounce is the delay between the first mutation of a burst and
	// the flush that persists it.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultMaxAge bounds how stale a record may be when loaded.
	DefaultMaxAge = 24 * time.Hour
)

// Config for the file-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// Path of the JSON file. ENV: SESSIONS_FILE_PATH
	Path string `env:"SESSIONS_FILE_PATH,default=.mcp/sessions.json"`
	// Debounce delay for flushes. ENV: SESSIONS_FILE_DEBOUNCE
	Debounce time.Duration `env:"SESSIONS_FILE_DEBOUNCE,default=100ms"`
	// MaxAge drops records older than this at load; zero disables. ENV: SESSIONS_FILE_MAX_AGE
	MaxAge time.Duration `env:"SESSIONS_FILE_MAX_AGE,default=24h"`
}

type flushState int

const (
	stateIdle flushState = iota
	stateScheduled
	stateFlushing
	stateFlushingPending
)

func (s flushState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateScheduled:
		return "scheduled"
	case stateFlushing:
		return "flushing"
	case stateFlushingPending:
		return "flushing_pending"
	default:
		return "unknown"
	}
}

// Store is a file-persisted implementation of sessions.Store.
type Store struct {
	cache    *memorystore.Store
	path     string
	tmpPath  string
	debounce time.Duration
	maxAge   time.Duration
	log      *slog.Logger

	// writeFile persists one encoded snapshot. Tests swap it to observe
	// flush timing.
	writeFile func(data []byte) error

	mu      sync.Mutex
	idle    *sync.Cond
	state   flushState
	timer   *time.Timer
	lastErr error
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithDebounce sets the flush debounce interval. Non-positive values flush
// on the next scheduler tick.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// WithMaxAge sets the load-time staleness cutoff. Zero keeps every record.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithLogger sets the logger used for load and flush diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New opens (or creates lazily) the session file at path and loads it
// synchronously. An empty path selects DefaultPath.
func New(path string, opts ...Option) *Store {
	if path == "" {
		path = DefaultPath
	}
	s := &Store{
		path:     path,
		tmpPath:  path + ".tmp",
		debounce: DefaultDebounce,
		maxAge:   DefaultMaxAge,
		log:      slog.Default(),
	}
	s.idle = sync.NewCond(&s.mu)
	s.writeFile = s.replaceFile
	for _, opt := range opts {
		opt(s)
	}
	s.cache = memorystore.New(memorystore.WithExpireHook(func(string) { s.requestFlush() }))
	s.load()
	return s
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode filestore config: %w", err)
	}
	base := []Option{WithDebounce(cfg.Debounce), WithMaxAge(cfg.MaxAge)}
	return New(cfg.Path, append(base, opts...)...), nil
}

// Path returns the location of the session file.
func (s *Store) Path() string { return s.path }

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("filestore.load.read_fail", slog.String("path", s.path), slog.String("err", err.Error()))
		}
		return
	}
	if len(raw) == 0 {
		return
	}
	var records map[string]*sessions.SessionMetadata
	if err := json.Unmarshal(raw, &records); err != nil {
		s.log.Warn("filestore.load.corrupt", slog.String("path", s.path), slog.String("err", err.Error()))
		return
	}

	now := time.Now()
	dropped := 0
	ctx := context.Background()
	for id, meta := range records {
		if meta == nil {
			dropped++
			continue
		}
		if s.maxAge > 0 && now.Sub(meta.LastAccessedAt) > s.maxAge {
			dropped++
			continue
		}
		_ = s.cache.Set(ctx, id, meta)
	}
	s.log.Info("filestore.load.ok", slog.String("path", s.path), slog.Int("loaded", len(records)-dropped), slog.Int("dropped", dropped))
	if dropped > 0 {
		s.requestFlush()
	}
}

// Get implements sessions.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	return s.cache.Get(ctx, sessionID)
}

// Has implements sessions.Store.
func (s *Store) Has(ctx context.Context, sessionID string) (bool, error) {
	return s.cache.Has(ctx, sessionID)
}

// Keys implements sessions.Store.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.cache.Keys(ctx)
}

// Set implements sessions.Store.
func (s *Store) Set(ctx context.Context, sessionID string, meta *sessions.SessionMetadata) error {
	if err := s.cache.Set(ctx, sessionID, meta); err != nil {
		return err
	}
	s.requestFlush()
	return nil
}

// SetWithTTL implements sessions.Store. Expiry timers live in process memory
// and are not persisted; a restarted process relies on MaxAge instead.
func (s *Store) SetWithTTL(ctx context.Context, sessionID string, meta *sessions.SessionMetadata, ttl time.Duration) error {
	if err := s.cache.SetWithTTL(ctx, sessionID, meta, ttl); err != nil {
		return err
	}
	s.requestFlush()
	return nil
}

// Delete implements sessions.Store.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.cache.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.requestFlush()
	return nil
}

// Clear implements sessions.Store.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	s.requestFlush()
	return nil
}

// Close cancels any scheduled flush, waits for an in-flight flush, writes
// the final state and releases the cache.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Flush(context.Background())
	if cerr := s.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Flush synchronously persists the current state. It waits for an in-flight
// flush and absorbs any scheduled one.
func (s *Store) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for s.state == stateFlushing || s.state == stateFlushingPending {
		s.idle.Wait()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = stateFlushing
	s.mu.Unlock()
	return s.flushLoop()
}

// requestFlush is the single entry point for "state changed".
func (s *Store) requestFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch s.state {
	case stateIdle:
		s.state = stateScheduled
		d := s.debounce
		if d < 0 {
			d = 0
		}
		if s.timer == nil {
			s.timer = time.AfterFunc(d, s.runScheduled)
		} else {
			s.timer.Reset(d)
		}
	case stateFlushing:
		s.state = stateFlushingPending
	case stateScheduled, stateFlushingPending:
		// Already covered by the pending write.
	}
}

func (s *Store) runScheduled() {
	s.mu.Lock()
	if s.state != stateScheduled {
		// Flush() took over this write.
		s.mu.Unlock()
		return
	}
	s.state = stateFlushing
	s.mu.Unlock()
	_ = s.flushLoop()
}

// flushLoop runs with state == stateFlushing and keeps writing until no
// request arrived during the last write.
func (s *Store) flushLoop() error {
	for {
		err := s.write()
		if err != nil {
			s.log.Warn("filestore.flush.fail", slog.String("path", s.path), slog.String("err", err.Error()))
		}
		s.mu.Lock()
		s.lastErr = err
		if s.state == stateFlushingPending {
			s.state = stateFlushing
			s.mu.Unlock()
			continue
		}
		s.state = stateIdle
		s.idle.Broadcast()
		s.mu.Unlock()
		return err
	}
}

func (s *Store) write() error {
	data, err := json.MarshalIndent(s.cache.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	return s.writeFile(data)
}

// replaceFile writes data to the temp file and renames it over the session
// file.
func (s *Store) replaceFile(data []byte) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}

	f, err := os.OpenFile(s.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(s.tmpPath, s.path); err != nil {
		_ = os.Remove(s.tmpPath)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// LastFlushError returns the error from the most recent flush, if any.
func (s *Store) LastFlushError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

var _ sessions.Store = (*Store)(nil)
