package graph

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the authoring form of a workflow chart, typically loaded from
// YAML produced by administration tooling.
type Definition struct {
	Graph  string            `json:"graph" yaml:"graph"`
	Groups []GroupDefinition `json:"groups" yaml:"groups"`
	Paths  []PathDefinition  `json:"paths" yaml:"paths"`
	Meta   map[string]any    `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// GroupDefinition declares a state group and its member states.
type GroupDefinition struct {
	Name   string   `json:"name" yaml:"name"`
	States []string `json:"states" yaml:"states"`
}

// PathDefinition declares a directed edge. Masks are written as hex or
// decimal strings; an empty AND mask defaults to the identity 0xFFFFFFFF and
// an empty OR mask to zero.
type PathDefinition struct {
	Name    string             `json:"name" yaml:"name"`
	From    string             `json:"from" yaml:"from"`
	To      string             `json:"to" yaml:"to"`
	ANDMask string             `json:"and_mask,omitempty" yaml:"and_mask,omitempty"`
	ORMask  string             `json:"or_mask,omitempty" yaml:"or_mask,omitempty"`
	Pre     []ActionDefinition `json:"pre,omitempty" yaml:"pre,omitempty"`
	Post    []ActionDefinition `json:"post,omitempty" yaml:"post,omitempty"`
}

// ActionDefinition binds a registered action id plus static arguments.
type ActionDefinition struct {
	ID   string         `json:"id" yaml:"id"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// ParseDefinition decodes and validates a YAML chart definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse graph definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate performs structural validation; referential checks happen in
// Compile.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Graph) == "" {
		return fmt.Errorf("graph name is required")
	}
	if len(d.Groups) == 0 {
		return fmt.Errorf("graph %s requires at least one group", d.Graph)
	}
	for idx, grp := range d.Groups {
		if strings.TrimSpace(grp.Name) == "" {
			return fmt.Errorf("group[%d]: name is required", idx)
		}
		if len(grp.States) == 0 {
			return fmt.Errorf("group %s requires at least one state", grp.Name)
		}
	}
	for idx, p := range d.Paths {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("path[%d]: %w", idx, err)
		}
	}
	return nil
}

// Validate checks required fields for a single path definition.
func (p PathDefinition) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(p.From) == "" {
		return fmt.Errorf("path %s: from state is required", p.Name)
	}
	if strings.TrimSpace(p.To) == "" {
		return fmt.Errorf("path %s: to state is required", p.Name)
	}
	if _, err := parseMask(p.ANDMask, maskIdentity); err != nil {
		return fmt.Errorf("path %s: and_mask: %w", p.Name, err)
	}
	if _, err := parseMask(p.ORMask, 0); err != nil {
		return fmt.Errorf("path %s: or_mask: %w", p.Name, err)
	}
	for idx, action := range append(append([]ActionDefinition{}, p.Pre...), p.Post...) {
		if strings.TrimSpace(action.ID) == "" {
			return fmt.Errorf("path %s: action[%d]: id is required", p.Name, idx)
		}
	}
	return nil
}

const maskIdentity = ^uint32(0)

func parseMask(raw string, fallback uint32) (uint32, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return fallback, nil
	}
	// base 0 accepts 0x-prefixed hex alongside decimal
	v, err := strconv.ParseUint(text, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mask %q", raw)
	}
	return uint32(v), nil
}
