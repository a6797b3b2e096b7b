package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/graph"
)

// Engine drives subjects along state paths. A traversal validates the
// subject's current state, applies the mutation and change-stamp masks,
// records exactly one Transition, and runs the path's action pipeline, all
// inside one store transaction. Failed traversals leave the subject untouched.
type Engine struct {
	store    Store
	actions  *ActionRegistry
	resolver *graph.Resolver
	hooks    TraversalHooks
	logger   Logger
	clock    func() time.Time
}

type Option func(*Engine)

func WithLogger(logger Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithHooks(hooks ...TraversalHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, hooks...) }
}

// WithResolver enables FollowPathName lookups.
func WithResolver(resolver *graph.Resolver) Option {
	return func(e *Engine) { e.resolver = resolver }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func New(store Store, actions *ActionRegistry, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		actions: actions,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.actions == nil {
		e.actions = NewActionRegistry()
	}
	e.logger = normalizeLogger(e.logger)
	return e
}

// FollowPathName resolves the path by code name and follows it.
func (e *Engine) FollowPathName(ctx context.Context, sess *stateflow.Session, subject *Subject, pathName string, args stateflow.Args) (*Transition, error) {
	if e == nil || e.resolver == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic, "path resolver not configured", nil, nil)
	}
	path, err := e.resolver.ResolvePath(ctx, pathName)
	if err != nil {
		return nil, err
	}
	return e.FollowPath(ctx, sess, subject, path, args)
}

// FollowPath traverses path inside a transaction the engine opens itself.
func (e *Engine) FollowPath(ctx context.Context, sess *stateflow.Session, subject *Subject, path *graph.StatePath, args stateflow.Args) (*Transition, error) {
	if e == nil || e.store == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic, "engine store not configured", nil, nil)
	}
	if subject == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic, "subject required", nil, nil)
	}

	snapshot := *subject
	var rec *Transition
	err := e.store.RunInTransaction(ctx, func(tx Tx) error {
		var txErr error
		rec, txErr = e.FollowPathTx(ctx, tx, sess, subject, path, args)
		return txErr
	})
	if err != nil {
		*subject = snapshot
		return nil, err
	}

	e.hooks.fanout(ctx, e.report(PhaseCommitted, sess, subject, path, rec, nil), e.logger)
	e.logFor(ctx, subject, path).Info("transition committed: %s -> %s", rec.FromState, rec.ToState)
	return rec, nil
}

// FollowPathTx runs the traversal inside a caller-owned transaction so that a
// caller's other writes share the commit scope. The committed hook phase
// fires only for engine-owned transactions; callers holding the transaction
// own that signal. On error the subject is restored and the error returned
// for the caller to roll back with.
func (e *Engine) FollowPathTx(ctx context.Context, tx Tx, sess *stateflow.Session, subject *Subject, path *graph.StatePath, args stateflow.Args) (*Transition, error) {
	if e == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic, "engine not configured", nil, nil)
	}
	if subject == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic, "subject required", nil, nil)
	}

	snapshot := *subject
	rec, err := e.traverse(ctx, tx, sess, subject, path, args)
	if err != nil {
		*subject = snapshot
		e.hooks.fanout(ctx, e.report(PhaseRejected, sess, subject, path, nil, err), e.logger)
		e.logFor(ctx, subject, path).Warn("traversal rejected: %v", err)
		return nil, err
	}
	return rec, nil
}

func (e *Engine) traverse(ctx context.Context, tx Tx, sess *stateflow.Session, subject *Subject, path *graph.StatePath, args stateflow.Args) (*Transition, error) {
	switch {
	case tx == nil:
		return nil, stateflow.CloneError(stateflow.ErrLogic, "transaction required", nil, nil)
	case path == nil:
		return nil, stateflow.CloneError(stateflow.ErrLogic, "path required", nil, nil)
	case sess == nil:
		return nil, stateflow.CloneError(stateflow.ErrLogic, "session required", nil, nil)
	}

	e.hooks.fanout(ctx, e.report(PhaseAttempted, sess, subject, path, nil, nil), e.logger)
	e.logFor(ctx, subject, path).Debug("traversal requested by actor=%s", sess.ActorID)

	if !sameState(subject.State, path.From) {
		return nil, stateflow.CloneError(stateflow.ErrIncompatibleState,
			fmt.Sprintf("path %q expects state %q, subject %q is in %q",
				path.Name, stateName(path.From), subject.ID, subject.StateName()),
			nil, map[string]any{
				"path":           path.Name,
				"expected_state": stateName(path.From),
				"current_state":  subject.StateName(),
				"subject_id":     subject.ID,
			})
	}

	// resolve and validate the whole pipeline before anything mutates
	pre, err := e.bindActions(path.PreActions, args)
	if err != nil {
		return nil, err
	}
	post, err := e.bindActions(path.PostActions, args)
	if err != nil {
		return nil, err
	}

	now := e.now()
	rec := newTransition(subject, path, now)
	subject.State = path.To
	subject.ChangeStamp = path.ApplyStamp(subject.ChangeStamp)
	subject.LastStateChangeAt = now
	if path.CrossesGroups() {
		subject.LastGroupChangeAt = now
	}
	rec.StampAfter = subject.ChangeStamp

	tr := &Traversal{
		Session:    sess,
		Tx:         tx,
		Subject:    subject,
		Path:       path,
		Transition: rec,
		Shared:     make(map[string]any),
	}
	if err := e.runActions(ctx, pre, tr); err != nil {
		return nil, err
	}
	if err := e.runActions(ctx, post, tr); err != nil {
		return nil, err
	}

	if err := tx.AppendTransition(ctx, rec); err != nil {
		return nil, err
	}
	if err := tx.SaveSubject(ctx, subject); err != nil {
		return nil, err
	}
	return rec, nil
}

type boundAction struct {
	action Action
	args   stateflow.Args
}

func (e *Engine) bindActions(refs []graph.ActionRef, caller stateflow.Args) ([]boundAction, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]boundAction, 0, len(refs))
	for _, ref := range refs {
		action, err := e.actions.Resolve(ref.ID)
		if err != nil {
			return nil, err
		}
		// caller arguments win over the path's static ones
		effective := ref.Args.Merge(caller)
		if err := stateflow.ValidateParams(action.ParameterSpecs(), effective); err != nil {
			return nil, err
		}
		out = append(out, boundAction{action: action, args: effective})
	}
	return out, nil
}

func (e *Engine) runActions(ctx context.Context, bound []boundAction, tr *Traversal) error {
	for _, b := range bound {
		step := *tr
		step.Args = b.args
		if err := b.action.Execute(ctx, &step); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) report(phase TraversalPhase, sess *stateflow.Session, subject *Subject, path *graph.StatePath, rec *Transition, err error) TraversalReport {
	report := TraversalReport{
		Phase:      phase,
		OccurredAt: e.now(),
	}
	if subject != nil {
		report.SubjectID = subject.ID
	}
	if path != nil {
		report.Path = path.Name
		report.FromState = stateName(path.From)
		report.ToState = stateName(path.To)
		if path.From != nil && path.From.Group != nil && path.From.Group.Graph != nil {
			report.Graph = path.From.Group.Graph.Name
		}
	}
	if sess != nil {
		report.ActorID = sess.ActorID
	}
	if rec != nil {
		report.TransitionID = rec.ID
		report.StampBefore = rec.StampBefore
		report.StampAfter = rec.StampAfter
	}
	if err != nil {
		report.ErrorCode = stateflow.ErrorCode(err)
		report.ErrorMessage = err.Error()
	}
	return report
}

func (e *Engine) logFor(ctx context.Context, subject *Subject, path *graph.StatePath) Logger {
	fields := make(map[string]any, 2)
	if subject != nil {
		fields["subject_id"] = subject.ID
	}
	if path != nil {
		fields["path"] = path.Name
	}
	return withLoggerFields(normalizeLogger(e.logger).WithContext(ctx), fields)
}

func (e *Engine) now() time.Time {
	if e != nil && e.clock != nil {
		return e.clock().UTC()
	}
	return time.Now().UTC()
}

func sameState(a, b *graph.State) bool {
	if a == nil || b == nil {
		return false
	}
	if a == b {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(a.Name), strings.TrimSpace(b.Name))
}

func stateName(st *graph.State) string {
	if st == nil {
		return ""
	}
	return st.Name
}
