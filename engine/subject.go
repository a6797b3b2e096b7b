package engine

import (
	"time"

	"github.com/goliatone/go-stateflow/graph"
)

// Subject is the workflow projection of a domain entity. Domain types embed
// it; only the engine mutates it. Version backs optimistic saves and is
// maintained by the stores.
type Subject struct {
	ID                string
	State             *graph.State
	ChangeStamp       uint32
	Version           int
	LastStateChangeAt time.Time
	LastGroupChangeAt time.Time
}

// StateName returns the current state's name, or "" when unset.
func (s *Subject) StateName() string {
	if s == nil || s.State == nil {
		return ""
	}
	return s.State.Name
}

// GroupName returns the current state group's name, or "" when unset.
func (s *Subject) GroupName() string {
	if s == nil || s.State == nil || s.State.Group == nil {
		return ""
	}
	return s.State.Group.Name
}
