package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyItemID       = errors.New("graph: item id is required")
	ErrDuplicateItem     = errors.New("graph: duplicate item")
	ErrUnknownDependency = errors.New("graph: unknown dependency")
	ErrCycle             = errors.New("graph: dependency cycle")
)

// CycleError names the first cycle found. Cycle lists the ids along the path
// and repeats the first id at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Cycle) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Contains reports whether id participates in the cycle.
func (e *CycleError) Contains(id string) bool {
	if e == nil {
		return false
	}
	for _, member := range e.Cycle {
		if member == id {
			return true
		}
	}
	return false
}

// DependencyError reports a dependency id that is not part of the batch.
type DependencyError struct {
	Item       string
	Dependency string
}

func (e *DependencyError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s referenced by %s not declared", ErrUnknownDependency.Error(), e.Dependency, e.Item)
}

func (e *DependencyError) Unwrap() error { return ErrUnknownDependency }
