// Package resource tracks named, capacity-bounded resources and grants them to
// work items all-or-nothing.
package resource

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultCapacity applies to resources an item claims without the batch
// declaring them. Undeclared resources are exclusive.
const DefaultCapacity = 1

// State is a point-in-time view of one resource.
type State struct {
	Name     string   `json:"name"`
	Capacity int      `json:"capacity"`
	Usage    int      `json:"usage"`
	Holders  []string `json:"holders,omitempty"`
}

type entry struct {
	mu       sync.Mutex
	name     string
	capacity int
	holders  map[string]struct{}
}

// Manager is the single owner of resource usage accounting. Each resource has
// its own mutex, held only for the check-and-increment.
type Manager struct {
	mu        sync.RWMutex
	resources map[string]*entry
}

// NewManager registers the provided capacities.
func NewManager(capacities map[string]int) (*Manager, error) {
	m := &Manager{resources: make(map[string]*entry, len(capacities))}
	for name, capacity := range capacities {
		if err := m.Register(name, capacity); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register declares a resource. Re-registering an idle resource updates its
// capacity; shrinking below current usage is rejected.
func (m *Manager) Register(name string, capacity int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("resource: name is required")
	}
	if capacity <= 0 {
		return fmt.Errorf("resource %s: capacity must be > 0", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.resources[name]; ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if len(existing.holders) > capacity {
			return fmt.Errorf("resource %s: capacity %d below current usage %d", name, capacity, len(existing.holders))
		}
		existing.capacity = capacity
		return nil
	}
	m.resources[name] = &entry{name: name, capacity: capacity, holders: map[string]struct{}{}}
	return nil
}

// Capacity returns the capacity of name, or 0 when it has not been registered.
func (m *Manager) Capacity(name string) int {
	m.mu.RLock()
	res, ok := m.resources[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.capacity
}

// Allocate grants every named resource to itemID or none of them. Names are
// visited in lexical order; on the first resource at capacity everything
// granted in this call is released again and false is returned. An item that
// already holds a resource keeps its single unit.
//
// Only grants made by this call are rolled back. A false result leaves units
// acquired by earlier calls with itemID, so a caller that allocates in steps
// must Release them itself.
func (m *Manager) Allocate(itemID string, names []string) bool {
	ordered := normalizeNames(names)
	if len(ordered) == 0 {
		return true
	}
	granted := make([]*entry, 0, len(ordered))
	for _, name := range ordered {
		res := m.lookup(name)
		ok, fresh := res.tryAcquire(itemID)
		if !ok {
			for _, held := range granted {
				held.release(itemID)
			}
			return false
		}
		if fresh {
			granted = append(granted, res)
		}
	}
	return true
}

// Release returns the named resources held by itemID. Releasing a resource
// that was never granted is a no-op.
func (m *Manager) Release(itemID string, names []string) {
	for _, name := range normalizeNames(names) {
		m.mu.RLock()
		res, ok := m.resources[name]
		m.mu.RUnlock()
		if ok {
			res.release(itemID)
		}
	}
}

// ReleaseAll drops every allocation held by itemID.
func (m *Manager) ReleaseAll(itemID string) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.resources))
	for _, res := range m.resources {
		entries = append(entries, res)
	}
	m.mu.RUnlock()
	for _, res := range entries {
		res.release(itemID)
	}
}

// Snapshot reports every registered resource sorted by name.
func (m *Manager) Snapshot() []State {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.resources))
	for _, res := range m.resources {
		entries = append(entries, res)
	}
	m.mu.RUnlock()
	states := make([]State, 0, len(entries))
	for _, res := range entries {
		states = append(states, res.state())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// Usage returns the current usage of name.
func (m *Manager) Usage(name string) int {
	m.mu.RLock()
	res, ok := m.resources[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return res.state().Usage
}

func (m *Manager) lookup(name string) *entry {
	m.mu.RLock()
	res, ok := m.resources[name]
	m.mu.RUnlock()
	if ok {
		return res
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok = m.resources[name]; ok {
		return res
	}
	res = &entry{name: name, capacity: DefaultCapacity, holders: map[string]struct{}{}}
	m.resources[name] = res
	return res
}

func (e *entry) tryAcquire(itemID string) (ok, fresh bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.holders[itemID]; held {
		return true, false
	}
	if len(e.holders) >= e.capacity {
		return false, false
	}
	e.holders[itemID] = struct{}{}
	return true, true
}

func (e *entry) release(itemID string) {
	e.mu.Lock()
	delete(e.holders, itemID)
	e.mu.Unlock()
}

func (e *entry) state() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	holders := make([]string, 0, len(e.holders))
	for id := range e.holders {
		holders = append(holders, id)
	}
	sort.Strings(holders)
	return State{Name: e.name, Capacity: e.capacity, Usage: len(e.holders), Holders: holders}
}

func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := set[name]; dup {
			continue
		}
		set[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
