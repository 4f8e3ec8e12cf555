package job

import (
	"fmt"

	"github.com/google/uuid"
)

// DependencyType classifies the obligation a parent places on a child.
type DependencyType uint8

const (
	// MustComplete is satisfied once the parent reaches any terminal
	// state that represents "done", including Completed and, per the
	// policy fixed in this package's consumers, DeadLettered.
	MustComplete DependencyType = iota

	// MustSucceed is satisfied only by Completed. It becomes permanently
	// unsatisfiable if the parent ends Failed or DeadLettered.
	MustSucceed

	// MustStart is satisfied by any parent status beyond Pending/Ready.
	// DependencyGraph evaluates edges only when the parent terminates, so
	// a MustStart child is released when its parent terminates, not when
	// it starts Running.
	MustStart

	// Soft is informational and never blocks the child.
	Soft
)

func (t DependencyType) String() string {
	switch t {
	case MustComplete:
		return "MustComplete"
	case MustSucceed:
		return "MustSucceed"
	case MustStart:
		return "MustStart"
	case Soft:
		return "Soft"
	default:
		return "Unknown"
	}
}

// ParseDependencyType converts a string into a DependencyType.
func ParseDependencyType(s string) (DependencyType, error) {
	switch s {
	case "MustComplete":
		return MustComplete, nil
	case "MustSucceed":
		return MustSucceed, nil
	case "MustStart":
		return MustStart, nil
	case "Soft":
		return Soft, nil
	default:
		return 0, fmt.Errorf("unknown dependency type: %s", s)
	}
}

// Dependency is a directed edge parent -> child in the dependency graph.
type Dependency struct {
	Parent uuid.UUID
	Child  uuid.UUID
	Type   DependencyType
}

// SatisfiedBy reports whether a parent that has terminated in
// parentStatus satisfies this dependency type. It is only meaningful once
// parentStatus.Terminal() is true.
func (t DependencyType) SatisfiedBy(parentStatus Status) bool {
	switch t {
	case Soft:
		return true
	case MustStart:
		return parentStatus != Pending && parentStatus != Ready
	case MustComplete:
		return parentStatus == Completed || parentStatus == DeadLettered
	case MustSucceed:
		return parentStatus == Completed
	default:
		return false
	}
}

// Unsatisfiable reports whether a parent that has terminated in
// parentStatus can never satisfy this dependency type.
func (t DependencyType) Unsatisfiable(parentStatus Status) bool {
	if t != MustSucceed {
		return false
	}
	return parentStatus == Failed || parentStatus == DeadLettered || parentStatus == Cancelled
}
