package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-livesync/sessions/redisstore"
	"github.com/ggoodman/mcp-livesync/streams"
	"github.com/ggoodman/mcp-livesync/streams/localstream"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultLivenessTTL is how long a liveness key survives without a heartbeat.
const DefaultLivenessTTL = 30 * time.Second

// DefaultQueueSize is how many frames a session may have waiting for its
// sink before further frames for it are dropped.
const DefaultQueueSize = 64

// Config for the Redis-backed Manager. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for channels and liveness keys. ENV: STREAMS_KEY_PREFIX
	KeyPrefix string `env:"STREAMS_KEY_PREFIX,default=mcp:sessions:"`
	// LivenessTTL for the per-session availability key. ENV: STREAMS_LIVENESS_TTL
	LivenessTTL time.Duration `env:"STREAMS_LIVENESS_TTL,default=30s"`
}

// Envelope is the pub/sub wire format.
type Envelope struct {
	// Origin identifies the Send call that produced the frame.
	Origin string `json:"origin"`
	// Instance is the id of the publishing server instance.
	Instance string `json:"instance"`
	// Seq is the frame's position within its Send call.
	Seq     int    `json:"seq"`
	Payload []byte `json:"payload"`
}

// Manager implements streams.Manager over Redis pub/sub.
type Manager struct {
	client      redis.UniversalClient
	ownsClient  bool
	keyPrefix   string
	livenessTTL time.Duration
	instanceID  string
	queueSize   int
	log         *slog.Logger

	local  *localstream.Manager
	pubsub *redis.PubSub

	// lifecycle serializes Create, Detach and Delete per session.
	lifecycle keyedMutex

	mu       sync.Mutex
	owned    map[string]struct{}
	outboxes map[string]*outbox
	waiters  map[string][]chan struct{}
	closed   bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	loopCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// outbox queues frames for one local session so that a slow sink only
// delays its own session.
type outbox struct {
	frames chan []byte
	stop   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithKeyPrefix overrides the channel and liveness key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) {
		if prefix != "" {
			m.keyPrefix = prefix
		}
	}
}

// WithLivenessTTL overrides the liveness TTL. The heartbeat runs at a third
// of this interval.
func WithLivenessTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.livenessTTL = ttl
		}
	}
}

// WithQueueSize sets how many frames may wait per session before newer
// frames for that session are dropped.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithInstanceID sets the id written into liveness keys and envelopes.
func WithInstanceID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.instanceID = id
		}
	}
}

// New dials Redis as described by cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	base := []Option{WithKeyPrefix(cfg.KeyPrefix), WithLivenessTTL(cfg.LivenessTTL)}
	m, err := NewWithClient(ctx, cl, append(base, opts...)...)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	m.ownsClient = true
	return m, nil
}

// NewFromEnv builds a Manager using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Manager, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redisstream config: %w", err)
	}
	return New(ctx, cfg, opts...)
}

// NewWithClient starts a Manager on an existing client. The caller keeps
// ownership of the client. It returns once the broadcast subscription is
// confirmed.
func NewWithClient(ctx context.Context, client redis.UniversalClient, opts ...Option) (*Manager, error) {
	m := &Manager{
		client:      client,
		keyPrefix:   "mcp:sessions:",
		livenessTTL: DefaultLivenessTTL,
		instanceID:  uuid.NewString(),
		queueSize:   DefaultQueueSize,
		log:         slog.Default(),
		owned:       make(map[string]struct{}),
		outboxes:    make(map[string]*outbox),
		waiters:     make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.local = localstream.New(localstream.WithLogger(m.log))

	confirmed := m.addWaiter(m.broadcastChannel())
	m.pubsub = client.Subscribe(ctx, m.broadcastChannel())

	loopCtx, cancel := context.WithCancel(context.Background())
	m.loopCtx = loopCtx
	m.cancel = cancel
	m.wg.Add(2)
	go m.receiveLoop(loopCtx)
	go m.heartbeatLoop(loopCtx)

	if err := m.awaitConfirm(ctx, confirmed); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("subscribe broadcast: %w", err)
	}
	return m, nil
}

// InstanceID returns the id this Manager publishes under.
func (m *Manager) InstanceID() string { return m.instanceID }

// --- Key helpers ---

func (m *Manager) streamChannel(sessionID string) string { return m.keyPrefix + "stream:" + sessionID }
func (m *Manager) broadcastChannel() string              { return m.keyPrefix + "broadcast" }
func (m *Manager) livenessKey(sessionID string) string {
	return redisstore.LivenessKey(m.keyPrefix, sessionID)
}

// Create implements streams.Manager. The session counts as owned by this
// instance only once its channel subscription is confirmed; a failed Create
// leaves nothing behind, so it can simply be retried.
func (m *Manager) Create(ctx context.Context, sessionID string, sink streams.Sink) error {
	unlock := m.lifecycle.Lock(sessionID)
	defer unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return streams.ErrClosed
	}
	_, already := m.owned[sessionID]
	m.mu.Unlock()

	if err := m.local.Create(ctx, sessionID, sink); err != nil {
		return err
	}
	if err := m.client.Set(ctx, m.livenessKey(sessionID), m.instanceID, m.livenessTTL).Err(); err != nil {
		m.log.ErrorContext(ctx, "redisstream.create.liveness_fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		m.local.Detach(sessionID, sink)
		if already {
			_ = m.release(ctx, sessionID)
		}
		return fmt.Errorf("redisstream liveness: %w", err)
	}
	if already {
		return nil
	}

	channel := m.streamChannel(sessionID)
	ob := m.openOutbox(sessionID)
	confirmed := m.addWaiter(channel)
	err := m.pubsub.Subscribe(ctx, channel)
	if err == nil {
		err = m.awaitConfirm(ctx, confirmed)
	}
	if err != nil {
		m.log.ErrorContext(ctx, "redisstream.create.subscribe_fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		m.removeWaiter(channel, confirmed)
		c := context.WithoutCancel(ctx)
		_ = m.pubsub.Unsubscribe(c, channel)
		_ = m.client.Del(c, m.livenessKey(sessionID)).Err()
		m.closeOutbox(sessionID, ob)
		m.local.Detach(sessionID, sink)
		return fmt.Errorf("redisstream subscribe: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return streams.ErrClosed
	}
	m.owned[sessionID] = struct{}{}
	return nil
}

// Send implements streams.Manager by publishing one envelope per target.
// Local sinks are written only by each session's outbox writer.
func (m *Manager) Send(ctx context.Context, sessionIDs []string, payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return streams.ErrClosed
	}

	origin := ulid.Make().String()
	if sessionIDs == nil {
		return m.publish(ctx, m.broadcastChannel(), Envelope{Origin: origin, Instance: m.instanceID, Payload: payload})
	}

	var errs []error
	for i, id := range sessionIDs {
		env := Envelope{Origin: origin, Instance: m.instanceID, Seq: i, Payload: payload}
		if err := m.publish(ctx, m.streamChannel(id), env); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) publish(ctx context.Context, channel string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := m.client.Publish(ctx, channel, raw).Err(); err != nil {
		m.log.ErrorContext(ctx, "redisstream.publish.fail", slog.String("channel", channel), slog.String("err", err.Error()))
		return fmt.Errorf("redisstream publish: %w", err)
	}
	return nil
}

// Delete implements streams.Manager.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	unlock := m.lifecycle.Lock(sessionID)
	defer unlock()

	errs := []error{m.release(ctx, sessionID)}
	if err := m.local.Delete(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		m.log.WarnContext(ctx, "redisstream.delete.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		return err
	}
	return nil
}

// Detach removes sink for sessionID only if it is still the attached one,
// and only then gives up the session's subscription and liveness key. A sink
// that has been replaced by a newer Create is ignored. The sink is not
// closed.
func (m *Manager) Detach(sessionID string, sink streams.Sink) bool {
	unlock := m.lifecycle.Lock(sessionID)
	defer unlock()

	if !m.local.Detach(sessionID, sink) {
		return false
	}
	ctx := context.Background()
	if err := m.release(ctx, sessionID); err != nil {
		m.log.WarnContext(ctx, "redisstream.detach.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
	return true
}

// release drops ownership of sessionID: its outbox, channel subscription and
// liveness key. The caller holds the session's lifecycle lock.
func (m *Manager) release(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, owned := m.owned[sessionID]
	delete(m.owned, sessionID)
	ob := m.outboxes[sessionID]
	closed := m.closed
	m.mu.Unlock()

	if ob != nil {
		m.closeOutbox(sessionID, ob)
	}
	if !owned || closed {
		return nil
	}
	var errs []error
	c := context.WithoutCancel(ctx)
	if err := m.pubsub.Unsubscribe(c, m.streamChannel(sessionID)); err != nil {
		errs = append(errs, fmt.Errorf("redisstream unsubscribe: %w", err))
	}
	if err := m.client.Del(c, m.livenessKey(sessionID)).Err(); err != nil {
		errs = append(errs, fmt.Errorf("redisstream liveness: %w", err))
	}
	return errors.Join(errs...)
}

// Has implements streams.Manager. A session counts as present when it is
// attached locally or any instance holds a live liveness key for it.
func (m *Manager) Has(ctx context.Context, sessionID string) (bool, error) {
	if ok, _ := m.local.Has(ctx, sessionID); ok {
		return true, nil
	}
	n, err := m.client.Exists(ctx, m.livenessKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("redisstream has: %w", err)
	}
	return n == 1, nil
}

// Close stops the heartbeat, removes this instance's liveness keys and closes
// every local sink.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	owned := make([]string, 0, len(m.owned))
	for id := range m.owned {
		owned = append(owned, m.livenessKey(id))
	}
	m.owned = make(map[string]struct{})
	for _, ob := range m.outboxes {
		close(ob.stop)
	}
	m.outboxes = make(map[string]*outbox)
	m.mu.Unlock()

	var errs []error
	if len(owned) > 0 {
		if err := m.client.Del(context.Background(), owned...).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redisstream liveness: %w", err))
		}
	}
	if m.pubsub != nil {
		if err := m.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if err := m.local.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.ownsClient {
		if err := m.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delivered reports how many frames have been handed to local sinks.
func (m *Manager) Delivered() uint64 { return m.delivered.Load() }

// Dropped reports how many frames were discarded because a session's queue
// was full.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()
	ch := m.pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch v := msg.(type) {
			case *redis.Subscription:
				if v.Kind == "subscribe" {
					m.confirm(v.Channel)
				}
			case *redis.Message:
				m.deliver(ctx, v)
			}
		}
	}
}

// deliver queues a received frame for its local sessions without blocking
// the receive loop. A session whose queue is full loses the frame.
func (m *Manager) deliver(ctx context.Context, msg *redis.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		m.log.WarnContext(ctx, "redisstream.receive.decode_fail", slog.String("channel", msg.Channel), slog.String("err", err.Error()))
		return
	}
	broadcast := msg.Channel == m.broadcastChannel()
	var target string
	if !broadcast {
		id, ok := strings.CutPrefix(msg.Channel, m.keyPrefix+"stream:")
		if !ok {
			return
		}
		target = id
	}

	var dropped []string
	m.mu.Lock()
	for id, ob := range m.outboxes {
		if !broadcast && id != target {
			continue
		}
		select {
		case ob.frames <- env.Payload:
		default:
			dropped = append(dropped, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dropped {
		m.dropped.Add(1)
		m.log.WarnContext(ctx, "redisstream.deliver.drop", slog.String("session_id", id), slog.String("origin", env.Origin))
	}
}

// openOutbox starts the writer for sessionID, reusing a running one.
func (m *Manager) openOutbox(sessionID string) *outbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ob, ok := m.outboxes[sessionID]; ok {
		return ob
	}
	ob := &outbox{frames: make(chan []byte, m.queueSize), stop: make(chan struct{})}
	m.outboxes[sessionID] = ob
	m.wg.Add(1)
	go m.pump(sessionID, ob)
	return ob
}

func (m *Manager) closeOutbox(sessionID string, ob *outbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.outboxes[sessionID]; ok && cur == ob {
		delete(m.outboxes, sessionID)
		close(ob.stop)
	}
}

// pump writes queued frames to the session's current local sink in order.
func (m *Manager) pump(sessionID string, ob *outbox) {
	defer m.wg.Done()
	ctx := m.loopCtx
	for {
		select {
		case <-ctx.Done():
			return
		case <-ob.stop:
			return
		case frame := <-ob.frames:
			if err := m.local.Send(ctx, []string{sessionID}, frame); err != nil {
				m.log.WarnContext(ctx, "redisstream.deliver.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
				continue
			}
			m.delivered.Add(1)
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.livenessTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.heartbeat(ctx)
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.owned))
	for id := range m.owned {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	pipe := m.client.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, m.livenessKey(id), m.instanceID, m.livenessTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		m.log.WarnContext(ctx, "redisstream.heartbeat.fail", slog.Int("sessions", len(ids)), slog.String("err", err.Error()))
	}
}

// --- Subscription confirmation ---

func (m *Manager) addWaiter(channel string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addWaiterLocked(channel)
}

func (m *Manager) addWaiterLocked(channel string) chan struct{} {
	ch := make(chan struct{})
	m.waiters[channel] = append(m.waiters[channel], ch)
	return ch
}

func (m *Manager) removeWaiter(channel string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.waiters[channel]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(m.waiters, channel)
	} else {
		m.waiters[channel] = ws
	}
}

func (m *Manager) confirm(channel string) {
	m.mu.Lock()
	ws := m.waiters[channel]
	delete(m.waiters, channel)
	m.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
}

func (m *Manager) awaitConfirm(ctx context.Context, confirmed <-chan struct{}) error {
	t := time.NewTimer(5 * time.Second)
	defer t.Stop()
	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return errors.New("timed out waiting for subscription")
	}
}

var _ streams.Manager = (*Manager)(nil)

var _ interface {
	Detach(sessionID string, sink streams.Sink) bool
} = (*Manager)(nil)
