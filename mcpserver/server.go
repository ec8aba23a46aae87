package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-livesync/hotreload"
	"github.com/ggoodman/mcp-livesync/internal/logctx"
	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/ggoodman/mcp-livesync/registry"
	"github.com/ggoodman/mcp-livesync/sessions"
	"github.com/ggoodman/mcp-livesync/streams"
	"github.com/ggoodman/mcp-livesync/subscriptions"
	"github.com/google/uuid"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrPromptNotFound   = errors.New("prompt not found")
)

// supportedProtocolVersions is ordered newest first.
var supportedProtocolVersions = []string{
	mcp.LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// Option configures a Server.
type Option func(*Server)

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instr string) Option {
	return func(s *Server) { s.instructions = instr }
}

// WithLogger sets the logger. It is wrapped so that session and reload
// attributes carried by the context are added to every record.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSessionTTL stores session records with a lifetime that every touch
// extends. Zero uses the store's default.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) { s.sessionTTL = ttl }
}

// WithSessionRecreate makes OpenSession build a fresh record for ids the
// store does not know instead of failing with sessions.ErrSessionNotFound.
func WithSessionRecreate(enabled bool) Option {
	return func(s *Server) { s.recreate = enabled }
}

// WithPageSize enables cursor pagination of listings.
func WithPageSize(n int) Option {
	return func(s *Server) { s.pageSize = n }
}

// WithSynchronizer replaces the default registration synchronizer.
func WithSynchronizer(sy *hotreload.Synchronizer) Option {
	return func(s *Server) {
		if sy != nil {
			s.sync = sy
		}
	}
}

// WithRegistrations seeds the tables before any session exists.
func WithRegistrations(kind registry.Kind, regs ...registry.Registration) Option {
	return func(s *Server) {
		t := s.tables[kind]
		for _, r := range regs {
			t.Set(r.Config.Name, r)
		}
	}
}

// Server owns the capability tables and every live session attached to
// this process.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
	sessionTTL   time.Duration
	recreate     bool
	pageSize     int
	now          func() time.Time

	store   sessions.Store
	streams streams.Manager
	subs    *subscriptions.Manager
	sync    *hotreload.Synchronizer
	changes *ChangeNotifier

	// reloadMu serializes writers of tables.
	reloadMu   sync.Mutex
	mu         sync.RWMutex
	tables     map[registry.Kind]*registry.Table
	live       map[string]*LiveSession
	generation uint64
}

// New creates a Server over a session store and a stream manager. The
// caller keeps ownership of both.
func New(store sessions.Store, sm streams.Manager, opts ...Option) *Server {
	s := &Server{
		log:     slog.Default(),
		now:     time.Now,
		store:   store,
		streams: sm,
		changes: &ChangeNotifier{},
		tables:  make(map[registry.Kind]*registry.Table, len(registry.Kinds)),
		live:    make(map[string]*LiveSession),
	}
	for _, k := range registry.Kinds {
		s.tables[k] = registry.NewTable()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	s.subs = subscriptions.New(sm, subscriptions.WithLogger(s.log))
	if s.sync == nil {
		s.sync = hotreload.New(hotreload.WithLogger(s.log))
	}
	return s
}

// Close stops reload listeners. Sessions, the store and the stream manager
// are left to their owners.
func (s *Server) Close() {
	s.changes.Close()
}

// Changes returns a channel that receives the reports of every reload that
// changed something.
func (s *Server) Changes() <-chan []hotreload.Report {
	return s.changes.Subscriber()
}

// Generation counts completed reloads.
func (s *Server) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Tools returns the current tool table.
func (s *Server) Tools() registry.View { return s.table(registry.KindTool) }

// Resources returns the current resource table.
func (s *Server) Resources() registry.View { return s.table(registry.KindResource) }

// Prompts returns the current prompt table.
func (s *Server) Prompts() registry.View { return s.table(registry.KindPrompt) }

func (s *Server) table(kind registry.Kind) *registry.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables[kind]
}

// Subscriptions exposes the resource subscription registry.
func (s *Server) Subscriptions() *subscriptions.Manager { return s.subs }

func negotiateProtocol(requested string) string {
	if slices.Contains(supportedProtocolVersions, requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

func capabilitiesFrom(c mcp.ClientCapabilities) sessions.CapabilitySet {
	set := sessions.CapabilitySet{
		Sampling:    c.Sampling != nil,
		Elicitation: c.Elicitation != nil,
	}
	if c.Roots != nil {
		set.Roots = true
		set.RootsListChanged = c.Roots.ListChanged
	}
	return set
}

// CreateSession performs the handshake half of initialize: it persists a new
// session record and builds the session's live view of the current tables.
func (s *Server) CreateSession(ctx context.Context, userID string, req mcp.InitializeRequest) (*LiveSession, error) {
	now := s.now().UTC()
	meta := &sessions.SessionMetadata{
		SessionID:       uuid.NewString(),
		UserID:          userID,
		ProtocolVersion: negotiateProtocol(req.ProtocolVersion),
		Client:          sessions.ClientInfo{Name: req.ClientInfo.Name, Version: req.ClientInfo.Version},
		Capabilities:    capabilitiesFrom(req.Capabilities),
		CreatedAt:       now,
		LastAccessedAt:  now,
	}
	ctx = sessionContext(ctx, meta)
	if err := s.persist(ctx, meta); err != nil {
		s.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return nil, err
	}
	ls := s.attachLive(meta)
	s.log.InfoContext(ctx, "session.create.ok", slog.String("client", meta.Client.Name))
	return ls, nil
}

// InitializeResult is the initialize response for ls.
func (s *Server) InitializeResult(ls *LiveSession) mcp.InitializeResult {
	caps := mcp.ServerCapabilities{
		Logging: &struct{}{},
		Prompts: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true},
		Resources: &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: true, Subscribe: true},
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true},
	}
	return mcp.InitializeResult{
		ProtocolVersion: ls.Metadata().ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}
}

// OpenSession returns the live view of an existing session, rebuilding it
// from the store when this process has not seen the session yet, such as
// after a restart or when another instance created it.
func (s *Server) OpenSession(ctx context.Context, sessionID string) (*LiveSession, error) {
	if ls, ok := s.Session(sessionID); ok {
		return ls, nil
	}
	meta, err := s.store.Get(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, sessions.ErrSessionNotFound) && s.recreate:
		now := s.now().UTC()
		meta = &sessions.SessionMetadata{
			SessionID:       sessionID,
			ProtocolVersion: mcp.LatestProtocolVersion,
			CreatedAt:       now,
			LastAccessedAt:  now,
		}
		if err := s.persist(sessionContext(ctx, meta), meta); err != nil {
			return nil, err
		}
		s.log.InfoContext(sessionContext(ctx, meta), "session.recreate.ok")
	default:
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}
	return s.attachLive(meta), nil
}

// Session returns the live session with the given id, if this process
// holds one.
func (s *Server) Session(sessionID string) (*LiveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.live[sessionID]
	return ls, ok
}

// LiveSessions returns every live session ordered by id.
func (s *Server) LiveSessions() []*LiveSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveLocked()
}

func (s *Server) liveLocked() []*LiveSession {
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*LiveSession, len(ids))
	for i, id := range ids {
		out[i] = s.live[id]
	}
	return out
}

func (s *Server) attachLive(meta *sessions.SessionMetadata) *LiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.live[meta.SessionID]; ok {
		return ls
	}
	ls := newLiveSession(s, meta, s.tables)
	s.live[meta.SessionID] = ls
	return ls
}

func (s *Server) persist(ctx context.Context, meta *sessions.SessionMetadata) error {
	if s.sessionTTL > 0 {
		return s.store.SetWithTTL(ctx, meta.SessionID, meta, s.sessionTTL)
	}
	return s.store.Set(ctx, meta.SessionID, meta)
}

// update applies fn to the stored record and mirrors the result into the
// live session, if any.
func (s *Server) update(ctx context.Context, sessionID string, fn func(*sessions.SessionMetadata)) error {
	meta, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	fn(meta)
	if err := s.persist(ctx, meta); err != nil {
		return err
	}
	if ls, ok := s.Session(sessionID); ok {
		ls.setMetadata(meta)
	}
	return nil
}

// TouchSession advances the session's last-access time and, with a session
// TTL configured, extends its lifetime.
func (s *Server) TouchSession(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, func(m *sessions.SessionMetadata) { m.Touch(s.now()) })
}

// SetLogLevel records the minimum severity of notifications/message frames
// the session wants to receive.
func (s *Server) SetLogLevel(ctx context.Context, sessionID string, level mcp.LoggingLevel) error {
	if !mcp.IsValidLoggingLevel(level) {
		return fmt.Errorf("%w: %q", sessions.ErrInvalidLoggingLevel, level)
	}
	return s.update(ctx, sessionID, func(m *sessions.SessionMetadata) {
		m.LogLevel = sessions.LoggingLevel(level)
		m.Touch(s.now())
	})
}

// AttachStream connects sink as the session's outbound stream, replacing
// any previous one.
func (s *Server) AttachStream(ctx context.Context, sessionID string, sink streams.Sink) error {
	if _, err := s.OpenSession(ctx, sessionID); err != nil {
		return err
	}
	if err := s.streams.Create(ctx, sessionID, sink); err != nil {
		return fmt.Errorf("attach stream %s: %w", sessionID, err)
	}
	return nil
}

type detacher interface {
	Detach(sessionID string, sink streams.Sink) bool
}

// DetachStream disconnects sink from the session. When the stream manager
// can tell sinks apart, a sink that has already been replaced is left alone.
func (s *Server) DetachStream(ctx context.Context, sessionID string, sink streams.Sink) error {
	if d, ok := s.streams.(detacher); ok {
		d.Detach(sessionID, sink)
		return nil
	}
	return s.streams.Delete(ctx, sessionID)
}

// CloseSession tears a session down everywhere: its stream, its resource
// subscriptions, its stored record and its live view. Every step runs even
// when an earlier one fails.
func (s *Server) CloseSession(ctx context.Context, sessionID string) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	var errs []error
	if err := s.streams.Delete(ctx, sessionID); err != nil {
		errs = append(errs, fmt.Errorf("delete stream: %w", err))
	}
	s.subs.RemoveSession(sessionID)
	if err := s.store.Delete(ctx, sessionID); err != nil {
		errs = append(errs, fmt.Errorf("delete record: %w", err))
	}
	s.mu.Lock()
	delete(s.live, sessionID)
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		s.log.ErrorContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		return err
	}
	s.log.InfoContext(ctx, "session.close.ok")
	return nil
}

// Subscribe registers the session for resources/updated notifications about
// uri. The resource must be visible to the session.
func (s *Server) Subscribe(ctx context.Context, sessionID, uri string) error {
	ls, err := s.OpenSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := ls.resourceByURI(uri); !ok {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	s.subs.Subscribe(uri, sessionID)
	return nil
}

// Unsubscribe removes a subscription. Unknown subscriptions are ignored.
func (s *Server) Unsubscribe(ctx context.Context, sessionID, uri string) error {
	s.subs.Unsubscribe(uri, sessionID)
	return nil
}

// NotifyResourceUpdated tells every subscriber of uri that it changed and
// returns how many were reached.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) int {
	return s.subs.NotifyResourceUpdated(ctx, uri)
}

// LogMessage sends a notifications/message frame to one session if its
// level threshold admits level.
func (s *Server) LogMessage(ctx context.Context, sessionID string, level mcp.LoggingLevel, logger string, data any) error {
	if !mcp.IsValidLoggingLevel(level) {
		return fmt.Errorf("%w: %q", sessions.ErrInvalidLoggingLevel, level)
	}
	ls, ok := s.Session(sessionID)
	if !ok || !ls.Metadata().ShouldLog(sessions.LoggingLevel(level)) {
		return nil
	}
	return streams.Notify(ctx, s.streams, []string{sessionID}, string(mcp.LoggingMessageNotificationMethod),
		mcp.LoggingMessageNotification{Level: level, Logger: logger, Data: data})
}

// BroadcastLog sends a notifications/message frame to every live session
// whose threshold admits level.
func (s *Server) BroadcastLog(ctx context.Context, level mcp.LoggingLevel, logger string, data any) error {
	if !mcp.IsValidLoggingLevel(level) {
		return fmt.Errorf("%w: %q", sessions.ErrInvalidLoggingLevel, level)
	}
	var ids []string
	for _, ls := range s.LiveSessions() {
		if ls.Metadata().ShouldLog(sessions.LoggingLevel(level)) {
			ids = append(ids, ls.SessionID())
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return streams.Notify(ctx, s.streams, ids, string(mcp.LoggingMessageNotificationMethod),
		mcp.LoggingMessageNotification{Level: level, Logger: logger, Data: data})
}

// RegisterTool adds or replaces a tool and propagates it to live sessions.
func (s *Server) RegisterTool(ctx context.Context, reg registry.Registration) hotreload.Report {
	return s.Register(ctx, registry.KindTool, reg)
}

// RegisterResource adds or replaces a resource and propagates it to live
// sessions.
func (s *Server) RegisterResource(ctx context.Context, reg registry.Registration) hotreload.Report {
	return s.Register(ctx, registry.KindResource, reg)
}

// RegisterPrompt adds or replaces a prompt and propagates it to live sessions.
func (s *Server) RegisterPrompt(ctx context.Context, reg registry.Registration) hotreload.Report {
	return s.Register(ctx, registry.KindPrompt, reg)
}

// Register adds or replaces one registration of kind.
func (s *Server) Register(ctx context.Context, kind registry.Kind, reg registry.Registration) hotreload.Report {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	next := s.table(kind).Clone()
	next.Set(reg.Config.Name, reg)
	report := s.apply(ctx, kind, next)
	s.publish(ctx, []hotreload.Report{report})
	return report
}

// Unregister removes one registration of kind.
func (s *Server) Unregister(ctx context.Context, kind registry.Kind, name string) hotreload.Report {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	next := s.table(kind).Clone()
	next.Delete(name)
	report := s.apply(ctx, kind, next)
	s.publish(ctx, []hotreload.Report{report})
	return report
}

// Reload replaces all three tables with snap. Each kind is synchronized into
// every live session, then every session receives one list_changed
// notification per kind that changed, and subscribers of resources whose
// content changed receive resources/updated. Reloads never run concurrently.
func (s *Server) Reload(ctx context.Context, snap hotreload.Snapshot) ([]hotreload.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()
	ctx = logctx.WithReloadData(ctx, &logctx.ReloadData{Generation: gen, Trigger: "reload"})

	reports := make([]hotreload.Report, 0, len(registry.Kinds))
	for _, kind := range registry.Kinds {
		reports = append(reports, s.apply(ctx, kind, snap.Table(kind)))
	}
	s.publish(ctx, reports)
	s.log.InfoContext(ctx, "server.reload.ok", slog.Int("sessions", len(s.LiveSessions())))
	return reports, nil
}

// ApplyManifest loads a manifest file and reloads from it. A manifest that
// fails to load leaves the current tables in place.
func (s *Server) ApplyManifest(ctx context.Context, path string) ([]hotreload.Report, error) {
	snap, err := hotreload.LoadManifest(path)
	if err != nil {
		s.log.ErrorContext(ctx, "server.manifest.load_fail", slog.String("path", path), slog.String("err", err.Error()))
		return nil, err
	}
	return s.Reload(ctx, snap)
}

// apply synchronizes next into live sessions and installs the resulting
// table. Holding mu for the whole step keeps sessions created concurrently
// from starting on a table that is about to be replaced.
func (s *Server) apply(ctx context.Context, kind registry.Kind, next *registry.Table) hotreload.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.liveLocked()
	targets := make([]hotreload.LiveSession, len(live))
	for i, ls := range live {
		targets[i] = ls
	}
	report, result := s.sync.Sync(ctx, kind, s.tables[kind], next, targets)
	s.tables[kind] = result
	if kind == registry.KindResource && !report.Empty() {
		for _, ls := range live {
			if dropped := ls.pruneSubscriptions(); len(dropped) > 0 {
				s.log.InfoContext(ctx, "subscription.prune.ok",
					slog.String("session_id", ls.SessionID()),
					slog.Any("uris", dropped))
			}
		}
	}
	return report
}

// publish sends the notifications a batch of reports calls for.
func (s *Server) publish(ctx context.Context, reports []hotreload.Report) {
	ids := make([]string, 0)
	for _, ls := range s.LiveSessions() {
		ids = append(ids, ls.SessionID())
	}
	changed := false
	for _, r := range reports {
		if r.Empty() {
			continue
		}
		changed = true
		if len(ids) > 0 {
			if err := streams.Notify(ctx, s.streams, ids, string(r.Kind.ListChangedMethod()), nil); err != nil {
				s.log.WarnContext(ctx, "server.list_changed.fail", slog.String("kind", string(r.Kind)), slog.String("err", err.Error()))
			}
		}
		if r.Kind != registry.KindResource {
			continue
		}
		resources := s.table(registry.KindResource)
		for _, name := range r.Updated {
			if reg, ok := resources.Get(name); ok && reg.Config.URI != "" {
				s.subs.NotifyResourceUpdated(ctx, reg.Config.URI)
			}
		}
	}
	if changed {
		s.changes.Notify(reports)
	}
}

func sessionContext(ctx context.Context, meta *sessions.SessionMetadata) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       meta.SessionID,
		UserID:          meta.UserID,
		ProtocolVersion: meta.ProtocolVersion,
	})
}
