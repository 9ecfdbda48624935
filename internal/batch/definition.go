package batch

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Definition declares one batch of work items plus the named resources they
// compete for. Capacities arrive with the batch, never from static config.
type Definition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Items       []WorkItem        `json:"items" yaml:"items"`
	Resources   []ResourceSpec    `json:"resources,omitempty" yaml:"resources,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Runtime     RuntimeConfig     `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// RuntimeConfig carries per-batch overrides of the scheduler configuration.
type RuntimeConfig struct {
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
}

// ResourceSpec declares a named, capacity-bounded resource.
type ResourceSpec struct {
	Name     string `json:"name" yaml:"name"`
	Capacity int    `json:"capacity" yaml:"capacity"`
}

// WorkItem is one schedulable unit. It is treated as immutable once the batch
// has been submitted.
type WorkItem struct {
	ID                string            `json:"id" yaml:"id"`
	Name              string            `json:"name,omitempty" yaml:"name,omitempty"`
	DependsOn         []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Resources         []string          `json:"resources,omitempty" yaml:"resources,omitempty"`
	Priority          int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	EstimatedDuration time.Duration     `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
	Executor          string            `json:"executor,omitempty" yaml:"executor,omitempty"`
	Command           string            `json:"command,omitempty" yaml:"command,omitempty"`
	Env               map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Config            map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	clone := Definition{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Metadata:    cloneStringMap(def.Metadata),
		Runtime:     def.Runtime,
	}
	if len(def.Items) > 0 {
		clone.Items = make([]WorkItem, len(def.Items))
		for i, item := range def.Items {
			clone.Items[i] = item.Clone()
		}
	}
	if len(def.Resources) > 0 {
		clone.Resources = make([]ResourceSpec, len(def.Resources))
		copy(clone.Resources, def.Resources)
	}
	return clone
}

// Validate ensures the batch is structurally sound. Dependency references and
// cycles are checked by the graph builder.
func (def Definition) Validate() error {
	if def.ID == "" {
		return fmt.Errorf("batch: id is required")
	}
	if len(def.Items) == 0 {
		return fmt.Errorf("batch %s: at least one item is required", def.ID)
	}
	seen := map[string]struct{}{}
	for idx, item := range def.Items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("batch %s item[%d]: %w", def.ID, idx, err)
		}
		if _, exists := seen[item.ID]; exists {
			return fmt.Errorf("batch %s: duplicate item id %s", def.ID, item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	resources := map[string]struct{}{}
	for idx, res := range def.Resources {
		if res.Name == "" {
			return fmt.Errorf("batch %s resource[%d]: name is required", def.ID, idx)
		}
		if res.Capacity <= 0 {
			return fmt.Errorf("batch %s resource %s: capacity must be > 0", def.ID, res.Name)
		}
		if _, exists := resources[res.Name]; exists {
			return fmt.Errorf("batch %s: duplicate resource %s", def.ID, res.Name)
		}
		resources[res.Name] = struct{}{}
	}
	if err := def.Runtime.validate(); err != nil {
		return fmt.Errorf("batch %s runtime: %w", def.ID, err)
	}
	return nil
}

// Normalized clones the definition, trims identifiers, deduplicates dependency
// and resource lists, and validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	for i := range clone.Items {
		clone.Items[i] = clone.Items[i].normalized()
	}
	for i := range clone.Resources {
		clone.Resources[i].Name = strings.TrimSpace(clone.Resources[i].Name)
	}
	clone.Runtime = clone.Runtime.normalized()
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}

// WithEstimateFallback returns a copy whose items without an estimate use
// fallback instead.
func (def Definition) WithEstimateFallback(fallback time.Duration) Definition {
	clone := def.Clone()
	if fallback <= 0 {
		return clone
	}
	for i := range clone.Items {
		if clone.Items[i].EstimatedDuration <= 0 {
			clone.Items[i].EstimatedDuration = fallback
		}
	}
	return clone
}

// Capacities returns the declared resource capacities keyed by name.
func (def Definition) Capacities() map[string]int {
	if len(def.Resources) == 0 {
		return map[string]int{}
	}
	out := make(map[string]int, len(def.Resources))
	for _, res := range def.Resources {
		out[res.Name] = res.Capacity
	}
	return out
}

// ItemIDs returns item identifiers in declaration order.
func (def Definition) ItemIDs() []string {
	ids := make([]string, 0, len(def.Items))
	for _, item := range def.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if cfg.MaxConcurrency < 0 {
		cfg.MaxConcurrency = 0
	}
	return cfg
}

func (cfg RuntimeConfig) validate() error {
	if cfg.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be >= 0")
	}
	return nil
}

// Clone returns a deep copy of the work item.
func (item WorkItem) Clone() WorkItem {
	clone := item
	clone.DependsOn = cloneStringSlice(item.DependsOn)
	clone.Resources = cloneStringSlice(item.Resources)
	clone.Env = cloneStringMap(item.Env)
	if len(item.Config) > 0 {
		clone.Config = make(map[string]any, len(item.Config))
		for key, value := range item.Config {
			clone.Config[key] = value
		}
	} else {
		clone.Config = nil
	}
	return clone
}

// Label returns the display name, falling back to the id.
func (item WorkItem) Label() string {
	if name := strings.TrimSpace(item.Name); name != "" {
		return name
	}
	return item.ID
}

// Validate ensures the item is usable. Dependency edges, including an item
// naming itself, are checked when the graph is built.
func (item WorkItem) Validate() error {
	if item.ID == "" {
		return fmt.Errorf("batch: item id is required")
	}
	if item.EstimatedDuration < 0 {
		return fmt.Errorf("batch: item %s has negative estimated_duration", item.ID)
	}
	return nil
}

func (item WorkItem) normalized() WorkItem {
	item.ID = strings.TrimSpace(item.ID)
	item.Executor = strings.ToLower(strings.TrimSpace(item.Executor))
	item.DependsOn = uniqueSorted(item.DependsOn)
	item.Resources = uniqueSorted(item.Resources)
	return item
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := map[string]struct{}{}
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		set[value] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for value := range set {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
