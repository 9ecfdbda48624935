package graph

import (
	"fmt"
	"sort"

	"github.com/kingrea/lattice-batch/internal/batch"
)

// Graph owns the work items of one batch plus their dependency edges. An edge
// A -> B means B depends on A. Graphs returned by Build are acyclic.
type Graph struct {
	items      map[string]batch.WorkItem
	orderedIDs []string
	deps       map[string][]string
	dependents map[string][]string
	levels     map[string]int
}

// Group is one layer of the topological order. Items inside a group have no
// dependency path between them and may run concurrently.
type Group struct {
	// Index is 1-based.
	Index int
	Items []batch.WorkItem
}

// IDs returns the group's item ids in scheduling order.
func (g Group) IDs() []string {
	ids := make([]string, 0, len(g.Items))
	for _, item := range g.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// ResourceConflict flags two items that claim the same exclusive resource
// without any dependency path between them.
type ResourceConflict struct {
	Resource string `json:"resource"`
	First    string `json:"first"`
	Second   string `json:"second"`
}

func (c ResourceConflict) String() string {
	return fmt.Sprintf("%s and %s both claim exclusive resource %s without ordering", c.First, c.Second, c.Resource)
}

// Build constructs the graph for items. Unknown dependency ids and cycles are
// rejected; no grouping is attempted on an invalid graph.
func Build(items []batch.WorkItem) (*Graph, error) {
	g := &Graph{
		items:      make(map[string]batch.WorkItem, len(items)),
		orderedIDs: make([]string, 0, len(items)),
		deps:       make(map[string][]string, len(items)),
		dependents: make(map[string][]string, len(items)),
	}
	for _, item := range items {
		if item.ID == "" {
			return nil, ErrEmptyItemID
		}
		if _, exists := g.items[item.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
		}
		g.items[item.ID] = item.Clone()
		g.orderedIDs = append(g.orderedIDs, item.ID)
	}
	sort.Strings(g.orderedIDs)
	for _, id := range g.orderedIDs {
		item := g.items[id]
		seen := make(map[string]struct{}, len(item.DependsOn))
		for _, dep := range item.DependsOn {
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			if _, ok := g.items[dep]; !ok {
				return nil, &DependencyError{Item: id, Dependency: dep}
			}
			g.deps[id] = append(g.deps[id], dep)
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for id := range g.deps {
		sort.Strings(g.deps[id])
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}
	if cycle := g.DetectCycles(); len(cycle) > 0 {
		return nil, &CycleError{Cycle: cycle}
	}
	g.levels = g.computeLevels()
	return g, nil
}

// DetectCycles walks dependency edges depth-first with an explicit stack and
// on-path set. It returns the first cycle found in lexical visiting order, or
// nil when the graph is acyclic.
func (g *Graph) DetectCycles() []string {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(g.orderedIDs))
	for _, root := range g.orderedIDs {
		if state[root] != unvisited {
			continue
		}
		stack := []dfsFrame{{id: root}}
		state[root] = onPath
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.deps[top.id]
			if top.next >= len(deps) {
				state[top.id] = done
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++
			switch state[dep] {
			case unvisited:
				state[dep] = onPath
				stack = append(stack, dfsFrame{id: dep})
			case onPath:
				return cycleFromStack(stack, dep)
			}
		}
	}
	return nil
}

type dfsFrame struct {
	id   string
	next int
}

func cycleFromStack(stack []dfsFrame, closing string) []string {
	start := 0
	for i := range stack {
		if stack[i].id == closing {
			start = i
			break
		}
	}
	cycle := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		cycle = append(cycle, f.id)
	}
	return append(cycle, closing)
}

// computeLevels assigns level(item) = 1 + max(level(dep)) in topological order.
func (g *Graph) computeLevels() map[string]int {
	levels := make(map[string]int, len(g.orderedIDs))
	indegree := make(map[string]int, len(g.orderedIDs))
	queue := make([]string, 0, len(g.orderedIDs))
	for _, id := range g.orderedIDs {
		indegree[id] = len(g.deps[id])
		if indegree[id] == 0 {
			levels[id] = 1
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.dependents[id] {
			if candidate := levels[id] + 1; candidate > levels[next] {
				levels[next] = candidate
			}
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return levels
}

// ParallelGroups partitions the items into layers. Every dependency of an item
// lies in a strictly earlier group. Within a group items are ordered by
// priority (highest first) and then id.
func (g *Graph) ParallelGroups() []Group {
	maxLevel := 0
	for _, level := range g.levels {
		if level > maxLevel {
			maxLevel = level
		}
	}
	groups := make([]Group, maxLevel)
	for i := range groups {
		groups[i].Index = i + 1
	}
	for _, id := range g.orderedIDs {
		level := g.levels[id]
		groups[level-1].Items = append(groups[level-1].Items, g.items[id].Clone())
	}
	for i := range groups {
		items := groups[i].Items
		sort.SliceStable(items, func(a, b int) bool {
			if items[a].Priority != items[b].Priority {
				return items[a].Priority > items[b].Priority
			}
			return items[a].ID < items[b].ID
		})
	}
	return groups
}

// DetectResourceConflicts flags pairs of items that claim the same exclusive
// resource with no dependency path between them. A resource is exclusive when
// capacity reports 1 or less; a nil capacity treats every resource as
// exclusive. The result is advisory and never blocks scheduling.
func (g *Graph) DetectResourceConflicts(capacity func(string) int) []ResourceConflict {
	claims := map[string][]string{}
	for _, id := range g.orderedIDs {
		for _, name := range g.items[id].Resources {
			claims[name] = append(claims[name], id)
		}
	}
	names := make([]string, 0, len(claims))
	for name := range claims {
		names = append(names, name)
	}
	sort.Strings(names)
	var conflicts []ResourceConflict
	for _, name := range names {
		if capacity != nil && capacity(name) > 1 {
			continue
		}
		holders := claims[name]
		for i := 0; i < len(holders); i++ {
			for j := i + 1; j < len(holders); j++ {
				a, b := holders[i], holders[j]
				if g.Reachable(a, b) || g.Reachable(b, a) {
					continue
				}
				conflicts = append(conflicts, ResourceConflict{Resource: name, First: a, Second: b})
			}
		}
	}
	return conflicts
}

// Reachable reports whether to transitively depends on from.
func (g *Graph) Reachable(from, to string) bool {
	if from == to {
		return false
	}
	if _, ok := g.items[from]; !ok {
		return false
	}
	visited := map[string]struct{}{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.dependents[id] {
			if next == to {
				return true
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return false
}

// Item returns a copy of the work item with id.
func (g *Graph) Item(id string) (batch.WorkItem, bool) {
	item, ok := g.items[id]
	if !ok {
		return batch.WorkItem{}, false
	}
	return item.Clone(), true
}

// Items returns copies of all items sorted by id.
func (g *Graph) Items() []batch.WorkItem {
	out := make([]batch.WorkItem, 0, len(g.orderedIDs))
	for _, id := range g.orderedIDs {
		out = append(out, g.items[id].Clone())
	}
	return out
}

// Len returns the number of items.
func (g *Graph) Len() int {
	return len(g.orderedIDs)
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the items that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Level returns the 1-based group number of id, or 0 when id is unknown.
func (g *Graph) Level(id string) int {
	return g.levels[id]
}
