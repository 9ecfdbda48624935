package batch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefinitionYAMLRejectsMissingItems(t *testing.T) {
	const payload = `
id: missing-items
items: []
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when items are missing")
	}
	if !strings.Contains(err.Error(), "at least one item is required") {
		t.Fatalf("unexpected error for missing items: %v", err)
	}
}

func TestParseDefinitionYAMLRejectsDuplicateItems(t *testing.T) {
	const payload = `
id: dupes
items:
  - id: build
  - id: build
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil || !strings.Contains(err.Error(), "duplicate item id build") {
		t.Fatalf("expected duplicate item error, got %v", err)
	}
}

func TestParseDefinitionYAMLLeavesSelfDependencyToGraph(t *testing.T) {
	const payload = `
id: self
items:
  - id: loop
    depends_on: [loop]
`
	def, err := ParseDefinitionYAML([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if deps := def.Items[0].DependsOn; len(deps) != 1 || deps[0] != "loop" {
		t.Fatalf("self edge should survive parsing, got %v", deps)
	}
}

func TestParseDefinitionYAMLRejectsZeroCapacity(t *testing.T) {
	const payload = `
id: capacity
resources:
  - name: db
    capacity: 0
items:
  - id: migrate
    resources: [db]
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil || !strings.Contains(err.Error(), "capacity must be > 0") {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestParseDefinitionYAMLNormalizesItems(t *testing.T) {
	const payload = `
id: " normalize "
runtime:
  max_concurrency: -4
resources:
  - name: db
    capacity: 2
items:
  - id: " seed "
    executor: " Shell "
    depends_on: [migrate, migrate, " schema "]
    resources: [db, cache, db]
    estimated_duration: 1500ms
    priority: 3
  - id: migrate
  - id: schema
`
	def, err := ParseDefinitionYAML([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.ID != "normalize" {
		t.Fatalf("expected trimmed id, got %q", def.ID)
	}
	if def.Runtime.MaxConcurrency != 0 {
		t.Fatalf("max_concurrency should clamp to 0, got %d", def.Runtime.MaxConcurrency)
	}
	seed := def.Items[0]
	if seed.ID != "seed" || seed.Executor != "shell" {
		t.Fatalf("unexpected normalized item: %+v", seed)
	}
	if got := strings.Join(seed.DependsOn, ","); got != "migrate,schema" {
		t.Fatalf("depends_on = %s", got)
	}
	if got := strings.Join(seed.Resources, ","); got != "cache,db" {
		t.Fatalf("resources = %s", got)
	}
	if seed.EstimatedDuration != 1500*time.Millisecond {
		t.Fatalf("estimated_duration = %s", seed.EstimatedDuration)
	}
	if def.Capacities()["db"] != 2 {
		t.Fatalf("expected db capacity 2, got %+v", def.Capacities())
	}
}

func TestWithEstimateFallbackOnlyFillsMissing(t *testing.T) {
	def := Definition{ID: "b", Items: []WorkItem{
		{ID: "a"},
		{ID: "b", EstimatedDuration: time.Second},
	}}
	filled := def.WithEstimateFallback(time.Minute)
	if filled.Items[0].EstimatedDuration != time.Minute {
		t.Fatalf("expected fallback estimate, got %s", filled.Items[0].EstimatedDuration)
	}
	if filled.Items[1].EstimatedDuration != time.Second {
		t.Fatalf("explicit estimate overwritten: %s", filled.Items[1].EstimatedDuration)
	}
	if def.Items[0].EstimatedDuration != 0 {
		t.Fatalf("original definition mutated")
	}
}

func TestLoadDefinitionFileReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nightly.yaml")
	const payload = `
id: nightly
items:
  - id: fetch
  - id: index
    depends_on: [fetch]
`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	def, err := LoadDefinitionFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.Join(def.ItemIDs(), ","); got != "fetch,index" {
		t.Fatalf("unexpected items: %s", got)
	}
}
