package registry

import (
	"slices"
	"sync"
)

// View is the read-only face of a Table handed to collaborators.
type View interface {
	Get(name string) (Registration, bool)
	Names() []string
	Len() int
	Each(fn func(name string, reg Registration) bool)
}

// Table is an insertion-ordered name to Registration mapping. It is safe
// for concurrent use.
type Table struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Registration
}

// NewTable returns a table holding regs in the given order, keyed by
// Config.Name. A repeated name replaces the earlier entry in place.
func NewTable(regs ...Registration) *Table {
	t := &Table{entries: make(map[string]Registration, len(regs))}
	for _, r := range regs {
		t.setLocked(r.Config.Name, r)
	}
	return t
}

// Get returns the registration for name.
func (t *Table) Get(name string) (Registration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.entries[name]
	return r, ok
}

// Has reports whether name is registered.
func (t *Table) Has(name string) bool {
	_, ok := t.Get(name)
	return ok
}

// Set stores reg under name. An existing entry keeps its position;
// a new one is appended.
func (t *Table) Set(name string, reg Registration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLocked(name, reg)
}

func (t *Table) setLocked(name string, reg Registration) {
	reg.Config.Name = name
	if _, ok := t.entries[name]; !ok {
		t.order = append(t.order, name)
	}
	t.entries[name] = reg
}

// Delete removes name. It reports whether it was present.
func (t *Table) Delete(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; !ok {
		return false
	}
	delete(t.entries, name)
	if i := slices.Index(t.order, name); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
	return true
}

// Rename moves the entry at oldName to newName without changing its
// position. It fails when oldName is absent or newName is taken.
func (t *Table) Rename(oldName, newName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.entries[oldName]
	if !ok {
		return false
	}
	if oldName == newName {
		return true
	}
	if _, taken := t.entries[newName]; taken {
		return false
	}
	i := slices.Index(t.order, oldName)
	t.order[i] = newName
	delete(t.entries, oldName)
	reg.Config.Name = newName
	t.entries[newName] = reg
	return true
}

// Names returns the registered names in order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.order)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Each calls fn for every entry in order until fn returns false. fn runs
// on a snapshot and may modify the table.
func (t *Table) Each(fn func(name string, reg Registration) bool) {
	t.mu.RLock()
	names := slices.Clone(t.order)
	regs := make([]Registration, len(names))
	for i, n := range names {
		regs[i] = t.entries[n]
	}
	t.mu.RUnlock()
	for i, n := range names {
		if !fn(n, regs[i]) {
			return
		}
	}
}

// Registrations returns the entries in order.
func (t *Table) Registrations() []Registration {
	out := make([]Registration, 0, t.Len())
	t.Each(func(_ string, r Registration) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Table{order: slices.Clone(t.order), entries: make(map[string]Registration, len(t.entries))}
	for k, v := range t.entries {
		c.entries[k] = v
	}
	return c
}

var _ View = (*Table)(nil)
