package hotreload

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/ggoodman/mcp-livesync/registry"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// LiveSession is the part of a connected session a Synchronizer mutates.
type LiveSession interface {
	SessionID() string
	Register(ctx context.Context, kind registry.Kind, reg registry.Registration) error
	Remove(ctx context.Context, kind registry.Kind, name string) error
}

// Renamer is implemented by sessions that can rename an entry in place,
// keeping its position, and install reg under the new name.
type Renamer interface {
	Rename(ctx context.Context, kind registry.Kind, oldName string, reg registry.Registration) error
}

// Updater is implemented by sessions that can swap a handler without
// removing and re-registering the entry.
type Updater interface {
	UpdateHandler(ctx context.Context, kind registry.Kind, name string, h registry.Handler) error
}

// RenameHook renames an entry inside one live session.
type RenameHook func(ctx context.Context, s LiveSession, kind registry.Kind, oldName string, reg registry.Registration) error

// Report lists the names that changed during one Sync.
type Report struct {
	Kind    registry.Kind `json:"kind"`
	Added   []string      `json:"added"`
	Removed []string      `json:"removed"`
	Updated []string      `json:"updated"`
}

// Empty reports whether nothing changed.
func (r Report) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Updated) == 0
}

// ListChanged reports whether the set of names changed, which is what
// clients learn about through list_changed notifications.
func (r Report) ListChanged() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// RenamedLabel is how a rename is listed in Report.Removed.
func RenamedLabel(oldName, newName string) string {
	return fmt.Sprintf("%s (renamed to %s)", oldName, newName)
}

// Normalize strips every whitespace character so that formatting-only edits
// do not change a handler's identity.
func Normalize(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
}

// Synchronizer applies registration diffs to live sessions.
type Synchronizer struct {
	log        *slog.Logger
	renameHook RenameHook
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRenameHook installs an order-preserving rename used for every session.
// Without one, sessions implementing Renamer are renamed in place and the
// rest fall back to remove plus register, which moves the entry to the end.
func WithRenameHook(h RenameHook) Option {
	return func(s *Synchronizer) { s.renameHook = h }
}

// New creates a Synchronizer.
func New(opts ...Option) *Synchronizer {
	s := &Synchronizer{log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var configEqual = cmp.Options{cmpopts.EquateEmpty()}

// Sync reconciles old with next for one kind, applies the changes to every
// live session and returns the report together with the table that should
// replace old. Neither input table is modified.
//
// A removed entry and an added entry whose handlers have the same Normalize
// identity are treated as a rename. When several removed entries share an
// identity they are paired with the added entries of that identity in order:
// the first removed (in old table order) goes with the first added (in next
// table order), and so on. Leftovers on either side are plain removals or
// additions.
func (s *Synchronizer) Sync(ctx context.Context, kind registry.Kind, old, next *registry.Table, live []LiveSession) (Report, *registry.Table) {
	if old == nil {
		old = registry.NewTable()
	}
	if next == nil {
		next = registry.NewTable()
	}
	report := Report{Kind: kind}
	result := old.Clone()

	var removed, added []string
	for _, name := range old.Names() {
		if !next.Has(name) {
			removed = append(removed, name)
		}
	}
	for _, name := range next.Names() {
		if !old.Has(name) {
			added = append(added, name)
		}
	}

	// Rename detection: normalized handler text -> removed names, in old
	// table order.
	byIdentity := make(map[string][]string, len(removed))
	for _, name := range removed {
		reg, _ := old.Get(name)
		id := Normalize(reg.Handler.Identity())
		if id == "" {
			continue
		}
		byIdentity[id] = append(byIdentity[id], name)
	}
	renamedFrom := make(map[string]bool)
	renamedTo := make(map[string]bool)
	for _, newName := range added {
		reg, _ := next.Get(newName)
		id := Normalize(reg.Handler.Identity())
		candidates := byIdentity[id]
		if len(candidates) == 0 {
			continue
		}
		oldName := candidates[0]
		byIdentity[id] = candidates[1:]
		renamedFrom[oldName] = true
		renamedTo[newName] = true

		result.Rename(oldName, newName)
		result.Set(newName, reg)
		report.Added = append(report.Added, newName)
		report.Removed = append(report.Removed, RenamedLabel(oldName, newName))
		s.eachSession(ctx, live, kind, newName, "rename", func(ls LiveSession) error {
			return s.rename(ctx, ls, kind, oldName, reg)
		})
	}

	for _, name := range removed {
		if renamedFrom[name] {
			continue
		}
		result.Delete(name)
		report.Removed = append(report.Removed, name)
		s.eachSession(ctx, live, kind, name, "remove", func(ls LiveSession) error {
			return ls.Remove(ctx, kind, name)
		})
	}

	for _, name := range added {
		if renamedTo[name] {
			continue
		}
		reg, _ := next.Get(name)
		result.Set(name, reg)
		report.Added = append(report.Added, name)
		s.eachSession(ctx, live, kind, name, "register", func(ls LiveSession) error {
			return ls.Register(ctx, kind, reg)
		})
	}

	for _, name := range old.Names() {
		prev, ok := old.Get(name)
		if !ok {
			continue
		}
		reg, ok := next.Get(name)
		if !ok {
			continue
		}
		sameConfig := cmp.Equal(prev.Config, reg.Config, configEqual)
		sameHandler := Normalize(prev.Handler.Identity()) == Normalize(reg.Handler.Identity())
		result.Set(name, reg)
		if sameConfig && sameHandler {
			continue
		}
		report.Updated = append(report.Updated, name)
		s.eachSession(ctx, live, kind, name, "update", func(ls LiveSession) error {
			if sameConfig {
				if u, ok := ls.(Updater); ok {
					return u.UpdateHandler(ctx, kind, name, reg.Handler)
				}
			}
			if err := ls.Remove(ctx, kind, name); err != nil {
				return err
			}
			return ls.Register(ctx, kind, reg)
		})
	}

	if !report.Empty() {
		s.log.InfoContext(ctx, "hotreload.sync.ok",
			slog.String("kind", string(kind)),
			slog.Any("added", report.Added),
			slog.Any("removed", report.Removed),
			slog.Any("updated", report.Updated),
			slog.Int("sessions", len(live)))
	}
	return report, result
}

func (s *Synchronizer) rename(ctx context.Context, ls LiveSession, kind registry.Kind, oldName string, reg registry.Registration) error {
	if s.renameHook != nil {
		return s.renameHook(ctx, ls, kind, oldName, reg)
	}
	if r, ok := ls.(Renamer); ok {
		return r.Rename(ctx, kind, oldName, reg)
	}
	if err := ls.Remove(ctx, kind, oldName); err != nil {
		return err
	}
	return ls.Register(ctx, kind, reg)
}

func (s *Synchronizer) eachSession(ctx context.Context, live []LiveSession, kind registry.Kind, name, op string, fn func(LiveSession) error) {
	for _, ls := range live {
		if err := fn(ls); err != nil {
			s.log.WarnContext(ctx, "hotreload.apply.fail",
				slog.String("session_id", ls.SessionID()),
				slog.String("kind", string(kind)),
				slog.String("name", name),
				slog.String("op", op),
				slog.String("err", err.Error()))
		}
	}
}
