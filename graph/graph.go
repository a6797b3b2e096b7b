package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	stateflow "github.com/goliatone/go-stateflow"
)

// Graph is a compiled workflow chart. Once compiled it is immutable reference
// data, safe to share across traversals and goroutines.
type Graph struct {
	Name string

	groups map[string]*StateGroup
	states map[string]*State
	paths  map[string]*StatePath
}

// StateGroup clusters related states; the engine refreshes the entity's
// group-change date only when a path crosses group boundaries.
type StateGroup struct {
	Name  string
	Graph *Graph

	states []*State
}

// State is a named node. It belongs to exactly one group.
type State struct {
	Name  string
	Group *StateGroup
}

// StatePath is a directed edge with a unique code name. Pre and post actions
// are ordered; the engine runs them exactly as listed.
type StatePath struct {
	Name         string
	From         *State
	To           *State
	StampANDMask uint32
	StampORMask  uint32
	PreActions   []ActionRef
	PostActions  []ActionRef
}

// ActionRef names a registered pipeline action plus static arguments merged
// under the caller's arguments at traversal time.
type ActionRef struct {
	ID   string
	Args stateflow.Args
}

// ApplyStamp runs the path's masks over a change stamp.
func (p *StatePath) ApplyStamp(stamp uint32) uint32 {
	return (stamp & p.StampANDMask) | p.StampORMask
}

// CrossesGroups reports whether the path moves the entity between groups.
func (p *StatePath) CrossesGroups() bool {
	if p.From == nil || p.To == nil {
		return false
	}
	return p.From.Group != p.To.Group
}

// StateByName looks a state up case-insensitively.
func (g *Graph) StateByName(name string) (*State, error) {
	if st, ok := g.states[normalizeName(name)]; ok {
		return st, nil
	}
	return nil, notFound(g.Name, "state", name)
}

// GroupByName looks a state group up case-insensitively.
func (g *Graph) GroupByName(name string) (*StateGroup, error) {
	if grp, ok := g.groups[normalizeName(name)]; ok {
		return grp, nil
	}
	return nil, notFound(g.Name, "group", name)
}

// PathByName looks a path up by its code name, case-insensitively.
func (g *Graph) PathByName(name string) (*StatePath, error) {
	if p, ok := g.paths[normalizeName(name)]; ok {
		return p, nil
	}
	return nil, notFound(g.Name, "path", name)
}

// LoadPath implements PathSource over the compiled graph.
func (g *Graph) LoadPath(_ context.Context, name string) (*StatePath, error) {
	return g.PathByName(name)
}

// States returns every state sorted by name.
func (g *Graph) States() []*State {
	out := make([]*State, 0, len(g.states))
	for _, st := range g.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Groups returns every state group sorted by name.
func (g *Graph) Groups() []*StateGroup {
	out := make([]*StateGroup, 0, len(g.groups))
	for _, grp := range g.groups {
		out = append(out, grp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Paths returns every path sorted by code name.
func (g *Graph) Paths() []*StatePath {
	out := make([]*StatePath, 0, len(g.paths))
	for _, p := range g.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// States returns the group's member states sorted by name.
func (grp *StateGroup) States() []*State {
	out := make([]*State, len(grp.states))
	copy(out, grp.states)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func notFound(graphName, kind, name string) error {
	return stateflow.CloneError(stateflow.ErrNotFound,
		fmt.Sprintf("%s %q not in graph %q", kind, name, graphName), nil, map[string]any{
			"graph": graphName,
			"kind":  kind,
			"name":  strings.TrimSpace(name),
		})
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
