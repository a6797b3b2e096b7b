package graph

import (
	"fmt"
	"strings"

	stateflow "github.com/goliatone/go-stateflow"
)

// Compile turns a validated definition into an immutable runtime graph,
// resolving every state and group reference.
func Compile(def *Definition) (*Graph, error) {
	if def == nil {
		return nil, fmt.Errorf("graph definition required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	g := &Graph{
		Name:   strings.TrimSpace(def.Graph),
		groups: make(map[string]*StateGroup, len(def.Groups)),
		states: make(map[string]*State),
		paths:  make(map[string]*StatePath, len(def.Paths)),
	}

	for _, grpDef := range def.Groups {
		key := normalizeName(grpDef.Name)
		if _, exists := g.groups[key]; exists {
			return nil, fmt.Errorf("graph %s has duplicate group %q", g.Name, grpDef.Name)
		}
		grp := &StateGroup{Name: strings.TrimSpace(grpDef.Name), Graph: g}
		g.groups[key] = grp

		for _, stateName := range grpDef.States {
			stateKey := normalizeName(stateName)
			if stateKey == "" {
				return nil, fmt.Errorf("group %s has empty state name", grp.Name)
			}
			if _, exists := g.states[stateKey]; exists {
				return nil, fmt.Errorf("graph %s has duplicate state %q", g.Name, stateName)
			}
			st := &State{Name: strings.TrimSpace(stateName), Group: grp}
			g.states[stateKey] = st
			grp.states = append(grp.states, st)
		}
	}

	for _, pathDef := range def.Paths {
		key := normalizeName(pathDef.Name)
		if _, exists := g.paths[key]; exists {
			return nil, fmt.Errorf("graph %s has duplicate path %q", g.Name, pathDef.Name)
		}
		from, ok := g.states[normalizeName(pathDef.From)]
		if !ok {
			return nil, fmt.Errorf("path %s: unknown from state %q", pathDef.Name, pathDef.From)
		}
		to, ok := g.states[normalizeName(pathDef.To)]
		if !ok {
			return nil, fmt.Errorf("path %s: unknown to state %q", pathDef.Name, pathDef.To)
		}
		andMask, err := parseMask(pathDef.ANDMask, maskIdentity)
		if err != nil {
			return nil, fmt.Errorf("path %s: %w", pathDef.Name, err)
		}
		orMask, err := parseMask(pathDef.ORMask, 0)
		if err != nil {
			return nil, fmt.Errorf("path %s: %w", pathDef.Name, err)
		}
		g.paths[key] = &StatePath{
			Name:         strings.TrimSpace(pathDef.Name),
			From:         from,
			To:           to,
			StampANDMask: andMask,
			StampORMask:  orMask,
			PreActions:   compileActions(pathDef.Pre),
			PostActions:  compileActions(pathDef.Post),
		}
	}

	return g, nil
}

// MustCompile parses and compiles, panicking on error. Intended for fixtures
// and package-level charts known to be valid.
func MustCompile(data []byte) *Graph {
	def, err := ParseDefinition(data)
	if err != nil {
		panic(err)
	}
	g, err := Compile(def)
	if err != nil {
		panic(err)
	}
	return g
}

func compileActions(defs []ActionDefinition) []ActionRef {
	if len(defs) == 0 {
		return nil
	}
	out := make([]ActionRef, 0, len(defs))
	for _, def := range defs {
		ref := ActionRef{ID: strings.TrimSpace(def.ID)}
		if len(def.Args) > 0 {
			ref.Args = make(stateflow.Args, len(def.Args))
			for k, v := range def.Args {
				ref.Args[k] = v
			}
		}
		out = append(out, ref)
	}
	return out
}
