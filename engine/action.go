package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/graph"
)

// Action is one unit of pipeline work attached to a state path. Declared
// parameter specs are validated against the traversal arguments before
// Execute runs.
type Action interface {
	PipelineID() string
	ParameterSpecs() []stateflow.ParameterSpec
	Execute(ctx context.Context, tr *Traversal) error
}

// Traversal is the envelope handed to every action on a path. Shared is a
// per-traversal scratchpad: values written by one action are visible to every
// later action on the same path.
type Traversal struct {
	Session    *stateflow.Session
	Tx         Tx
	Subject    *Subject
	Path       *graph.StatePath
	Transition *Transition
	Args       stateflow.Args
	Shared     map[string]any
}

type actionFunc struct {
	id    string
	specs []stateflow.ParameterSpec
	fn    func(context.Context, *Traversal) error
}

func (a *actionFunc) PipelineID() string                        { return a.id }
func (a *actionFunc) ParameterSpecs() []stateflow.ParameterSpec { return a.specs }
func (a *actionFunc) Execute(ctx context.Context, tr *Traversal) error {
	return a.fn(ctx, tr)
}

// ActionFunc adapts a function into an Action.
func ActionFunc(id string, specs []stateflow.ParameterSpec, fn func(context.Context, *Traversal) error) Action {
	return &actionFunc{id: id, specs: specs, fn: fn}
}

// ActionRegistry stores pipeline actions by id.
type ActionRegistry struct {
	mu         sync.RWMutex
	actions    map[string]Action
	namespacer func(string, string) string
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		actions:    make(map[string]Action),
		namespacer: defaultNamespace,
	}
}

// SetNamespacer customizes how action ids are namespaced.
func (r *ActionRegistry) SetNamespacer(fn func(string, string) string) {
	if fn != nil {
		r.namespacer = fn
	}
}

// Register adds an action under its pipeline id.
func (r *ActionRegistry) Register(action Action) error {
	return r.RegisterNamespaced("", action)
}

// RegisterNamespaced adds an action under namespace + pipeline id.
func (r *ActionRegistry) RegisterNamespaced(namespace string, action Action) error {
	if action == nil {
		return nil
	}
	id := strings.TrimSpace(action.PipelineID())
	if id == "" {
		return fmt.Errorf("action requires a pipeline id")
	}
	key := id
	if r.namespacer != nil {
		key = r.namespacer(namespace, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actions == nil {
		r.actions = make(map[string]Action)
	}
	if _, exists := r.actions[key]; exists {
		return fmt.Errorf("action %s already registered", key)
	}
	r.actions[key] = action
	return nil
}

// Resolve returns the action registered under id.
func (r *ActionRegistry) Resolve(id string) (Action, error) {
	if r == nil {
		return nil, stateflow.CloneError(stateflow.ErrNotFound, "action registry not configured", nil, nil)
	}
	r.mu.RLock()
	action, ok := r.actions[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok || action == nil {
		return nil, stateflow.CloneError(stateflow.ErrNotFound,
			fmt.Sprintf("action %q not registered", id), nil, map[string]any{
				"action": strings.TrimSpace(id),
			})
	}
	return action, nil
}

// IDs returns sorted action ids for deterministic catalogs.
func (r *ActionRegistry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.actions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.actions))
	for id := range r.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func defaultNamespace(namespace, name string) string {
	namespace = strings.TrimSpace(namespace)
	name = strings.TrimSpace(name)
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}
