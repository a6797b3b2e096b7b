package engine

import (
	"context"
	"time"

	stateflow "github.com/goliatone/go-stateflow"
)

// TraversalPhase identifies hook emission points.
type TraversalPhase string

const (
	PhaseAttempted TraversalPhase = "attempted"
	PhaseCommitted TraversalPhase = "committed"
	PhaseRejected  TraversalPhase = "rejected"
)

// TraversalReport captures auditable traversal metadata for hooks.
type TraversalReport struct {
	Phase        TraversalPhase
	Graph        string
	Path         string
	SubjectID    string
	TransitionID string
	FromState    string
	ToState      string
	StampBefore  uint32
	StampAfter   uint32
	ActorID      string
	ErrorCode    string
	ErrorMessage string
	OccurredAt   time.Time
}

// TraversalHook receives traversal lifecycle reports. Hooks are observers:
// errors and panics are logged and never alter the traversal outcome.
type TraversalHook interface {
	Notify(ctx context.Context, report TraversalReport) error
}

// TraversalHooks fans reports out in registration order.
type TraversalHooks []TraversalHook

// TraversalHookFunc adapts a function into a TraversalHook.
type TraversalHookFunc func(ctx context.Context, report TraversalReport) error

func (fn TraversalHookFunc) Notify(ctx context.Context, report TraversalReport) error {
	return fn(ctx, report)
}

func (hooks TraversalHooks) fanout(ctx context.Context, report TraversalReport, logger Logger) {
	if len(hooks) == 0 {
		return
	}
	logger = withLoggerFields(normalizeLogger(logger).WithContext(ctx), map[string]any{
		"phase":      string(report.Phase),
		"path":       report.Path,
		"subject_id": report.SubjectID,
	})
	for idx, hook := range hooks {
		if hook == nil {
			continue
		}
		err := stateflow.CapturePanic(func() error {
			return hook.Notify(ctx, report)
		})
		if err != nil {
			logger.Warn("traversal hook failed at index=%d: %v", idx, err)
		}
	}
}
