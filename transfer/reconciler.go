package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
	"github.com/goliatone/go-stateflow/graph"
	"github.com/goliatone/go-stateflow/ledger"
)

// Reconciler applies inbound response files: one event per request per line,
// a journal posting for Succeeded lines, and an optional workflow traversal
// per event type. Lines are isolated by default; each runs in its own
// transaction and a captured failure never stops the remaining lines.
type Reconciler struct {
	store        Store
	engine       *engine.Engine
	poster       ledger.Poster
	chart        *graph.Graph
	pathNames    map[EventType]string
	session      *stateflow.Session
	billingCode  string
	allOrNothing bool
	dispatcher   *Dispatcher
	logger       engine.Logger
	clock        func() time.Time
}

type ReconcilerOption func(*Reconciler)

// WithPoster wires the accounting collaborator invoked for Succeeded lines.
func WithPoster(poster ledger.Poster) ReconcilerOption {
	return func(r *Reconciler) { r.poster = poster }
}

// WithBillingCode overrides the billing-item code settlement postings carry.
func WithBillingCode(code string) ReconcilerOption {
	return func(r *Reconciler) {
		if code != "" {
			r.billingCode = code
		}
	}
}

// WithPathMap configures the workflow path traversed per event type; event
// types absent from the map record a tracking event only.
func WithPathMap(chart *graph.Graph, byType map[EventType]string) ReconcilerOption {
	return func(r *Reconciler) {
		r.chart = chart
		r.pathNames = byType
	}
}

// WithSession sets the session reconciliation traversals run under.
func WithSession(sess *stateflow.Session) ReconcilerOption {
	return func(r *Reconciler) { r.session = sess }
}

// WithAllOrNothing makes the whole file share one transaction: the first
// line error rolls everything back.
func WithAllOrNothing() ReconcilerOption {
	return func(r *Reconciler) { r.allOrNothing = true }
}

// WithDispatcher fans recorded events out to subscribers after their
// transaction commits.
func WithDispatcher(d *Dispatcher) ReconcilerOption {
	return func(r *Reconciler) { r.dispatcher = d }
}

func WithReconcilerLogger(logger engine.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

func WithReconcilerClock(clock func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func NewReconciler(store Store, eng *engine.Engine, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:       store,
		engine:      eng,
		billingCode: "FUNDS_TRANSFER",
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.session == nil {
		r.session = stateflow.NewSession("reconciler")
	}
	r.logger = loggerOrDefault(r.logger)
	return r
}

// ResponseResult is the outcome of one response line. Events carries what was
// newly recorded; AlreadyRecorded lists request ids skipped because the
// message was reconciled for them before; Err is the captured failure when
// the line's transaction rolled back.
type ResponseResult struct {
	Line            ResponseLine
	Events          []*Event
	AlreadyRecorded []string
	Err             error
}

// ReconcileReport carries exactly one result per response line.
type ReconcileReport struct {
	MessageID string
	Results   []ResponseResult

	// Checkpoint is the Responded lifecycle message appended when at least
	// one event was newly recorded.
	Checkpoint *BatchMessage
}

// RecordedEvents returns every event the reconciliation newly recorded.
func (r *ReconcileReport) RecordedEvents() []*Event {
	if r == nil {
		return nil
	}
	var out []*Event
	for _, result := range r.Results {
		out = append(out, result.Events...)
	}
	return out
}

// Failed returns the results whose lines rolled back.
func (r *ReconcileReport) Failed() []ResponseResult {
	if r == nil {
		return nil
	}
	var out []ResponseResult
	for _, result := range r.Results {
		if result.Err != nil {
			out = append(out, result)
		}
	}
	return out
}

// ReconcileFile processes a response file. File-level schema errors and
// unrecognized statuses abort before any side effect; after that, each line
// runs in its own transaction and its failure is captured on the result. When
// the report is returned alongside an error, the reported lines were already
// committed and only the lifecycle checkpoint failed.
func (r *Reconciler) ReconcileFile(ctx context.Context, file *ResponseFile) (*ReconcileReport, error) {
	if r == nil || r.store == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic, "reconciler store not configured", nil, nil)
	}
	if file == nil || strings.TrimSpace(file.MessageID) == "" {
		return nil, stateflow.CloneError(stateflow.ErrSchema, "response file carries no batch-message id", nil, nil)
	}

	msg, err := r.store.MessageByID(ctx, file.MessageID)
	if err != nil {
		if stateflow.IsNotFound(err) {
			return nil, stateflow.CloneError(stateflow.ErrSchema,
				fmt.Sprintf("response references unknown batch message %q", file.MessageID), err, map[string]any{
					"message_id": file.MessageID,
				})
		}
		return nil, err
	}
	if msg.Batch == nil {
		return nil, stateflow.CloneError(stateflow.ErrSchema,
			fmt.Sprintf("batch message %q has no batch linkage", msg.ID), nil, map[string]any{
				"message_id": msg.ID,
			})
	}

	// map every status and resolve every traversal path before any side
	// effect; a stale mapping refuses the whole file
	kinds := make([]EventType, len(file.Lines))
	paths := make(map[EventType]*graph.StatePath, len(r.pathNames))
	for i, line := range file.Lines {
		evType, err := EventTypeForStatus(line.Status)
		if err != nil {
			return nil, err
		}
		kinds[i] = evType
		if _, seen := paths[evType]; !seen {
			path, err := r.pathFor(evType)
			if err != nil {
				return nil, err
			}
			paths[evType] = path
		}
	}

	members := lineIndex(msg.Batch.Requests)
	report := &ReconcileReport{
		MessageID: msg.ID,
		Results:   make([]ResponseResult, len(file.Lines)),
	}

	if r.allOrNothing {
		return r.reconcileAtomic(ctx, file, msg, kinds, paths, members, report)
	}

	for i, line := range file.Lines {
		result := &report.Results[i]
		result.Line = line

		reqs := members[strings.TrimSpace(line.ID)]
		if len(reqs) == 0 {
			result.Err = unresolvableLine(line, msg)
			r.lineLog(msg, line).Warn("response line unresolvable: %v", result.Err)
			continue
		}

		snapshots := snapshotSubjects(reqs)
		err := r.store.RunInTransaction(ctx, func(tx Tx) error {
			return stateflow.CapturePanic(func() error {
				return r.applyLine(ctx, tx, msg, line, kinds[i], paths[kinds[i]], reqs, result)
			})
		})
		if err != nil {
			restoreSubjects(reqs, snapshots)
			result.Events = nil
			result.AlreadyRecorded = nil
			result.Err = err
			r.lineLog(msg, line).Warn("response line rolled back: %v", err)
			continue
		}
		r.dispatch(ctx, result.Events)
	}

	if len(report.RecordedEvents()) > 0 {
		err := r.store.RunInTransaction(ctx, func(tx Tx) error {
			return r.appendCheckpoint(ctx, tx, msg, report)
		})
		if err != nil {
			return report, err
		}
	}
	r.lineSummary(msg, report)
	return report, nil
}

func (r *Reconciler) reconcileAtomic(ctx context.Context, file *ResponseFile, msg *BatchMessage,
	kinds []EventType, paths map[EventType]*graph.StatePath, members map[string][]*Request,
	report *ReconcileReport) (*ReconcileReport, error) {

	err := r.store.RunInTransaction(ctx, func(tx Tx) error {
		for i, line := range file.Lines {
			result := &report.Results[i]
			result.Line = line

			reqs := members[strings.TrimSpace(line.ID)]
			if len(reqs) == 0 {
				return unresolvableLine(line, msg)
			}
			if err := stateflow.CapturePanic(func() error {
				return r.applyLine(ctx, tx, msg, line, kinds[i], paths[kinds[i]], reqs, result)
			}); err != nil {
				return err
			}
		}
		return r.appendCheckpoint(ctx, tx, msg, report)
	})
	if err != nil {
		return nil, err
	}
	r.dispatch(ctx, report.RecordedEvents())
	r.lineSummary(msg, report)
	return report, nil
}

// applyLine fans the line out to every member request: an idempotent event
// per request, a journal posting iff the mapped type is Succeeded, and the
// configured traversal when one is mapped.
func (r *Reconciler) applyLine(ctx context.Context, tx Tx, msg *BatchMessage, line ResponseLine,
	evType EventType, path *graph.StatePath, reqs []*Request, result *ResponseResult) error {

	now := r.now()
	for _, req := range reqs {
		recorded, err := tx.HasResponseEvent(ctx, req.ID, msg.ID)
		if err != nil {
			return err
		}
		if recorded {
			result.AlreadyRecorded = append(result.AlreadyRecorded, req.ID)
			continue
		}

		ev := &Event{
			ID:           uuid.NewString(),
			RequestID:    req.ID,
			MessageID:    msg.ID,
			Type:         evType,
			ResponseCode: line.ResponseCode,
			TraceCode:    line.TraceCode,
			Comments:     line.Comments,
			CreatedAt:    now,
		}

		if evType == EventSucceeded && r.poster != nil {
			item := ledger.BillingItem{
				Code:   r.billingCode,
				Amount: req.Amount,
				Memo:   fmt.Sprintf("settlement of %s", req.TransactionID),
			}
			posting, err := r.poster.PostAccounting(ctx, item)
			if err != nil {
				return err
			}
			if posting != nil && posting.Journal != nil {
				ev.JournalID = posting.Journal.ID
			}
		}

		if path != nil {
			rec, err := r.engine.FollowPathTx(ctx, tx, r.session, &req.Subject, path, nil)
			if err != nil {
				return err
			}
			ev.TransitionID = rec.ID
		}

		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		ev.Request = req
		result.Events = append(result.Events, ev)
	}
	return nil
}

// appendCheckpoint records the Responded lifecycle marker once anything new
// was recorded. A fully replayed file records nothing and appends nothing.
func (r *Reconciler) appendCheckpoint(ctx context.Context, tx Tx, source *BatchMessage, report *ReconcileReport) error {
	if len(report.RecordedEvents()) == 0 {
		return nil
	}
	checkpoint := &BatchMessage{
		ID:        uuid.NewString(),
		BatchID:   source.BatchID,
		Type:      MessageResponded,
		CreatedAt: r.now(),
	}
	if err := tx.SaveMessage(ctx, checkpoint); err != nil {
		return err
	}
	report.Checkpoint = checkpoint
	return nil
}

func (r *Reconciler) pathFor(evType EventType) (*graph.StatePath, error) {
	name, ok := r.pathNames[evType]
	if !ok || strings.TrimSpace(name) == "" {
		return nil, nil
	}
	if r.chart == nil || r.engine == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic,
			"traversal paths configured without a chart and engine", nil, nil)
	}
	return r.chart.PathByName(name)
}

func (r *Reconciler) dispatch(ctx context.Context, events []*Event) {
	if r.dispatcher == nil || len(events) == 0 {
		return
	}
	r.dispatcher.Dispatch(ctx, events...)
}

func (r *Reconciler) now() time.Time {
	if r != nil && r.clock != nil {
		return r.clock().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) lineLog(msg *BatchMessage, line ResponseLine) engine.Logger {
	return logWith(r.logger, map[string]any{
		"message_id": msg.ID,
		"line_id":    line.ID,
	})
}

func (r *Reconciler) lineSummary(msg *BatchMessage, report *ReconcileReport) {
	logWith(r.logger, map[string]any{
		"message_id": msg.ID,
	}).Info("response reconciled: %d lines, %d events, %d failed",
		len(report.Results), len(report.RecordedEvents()), len(report.Failed()))
}

func unresolvableLine(line ResponseLine, msg *BatchMessage) error {
	return stateflow.CloneError(stateflow.ErrNotFound,
		fmt.Sprintf("line %q matches no request in batch %q", line.ID, msg.BatchID), nil, map[string]any{
			"line_id":  line.ID,
			"batch_id": msg.BatchID,
		})
}

// lineIndex keys the batch's requests by settlement-line identifier so a
// collated line fans back out to all of its member requests.
func lineIndex(requests []*Request) map[string][]*Request {
	out := make(map[string][]*Request, len(requests))
	for _, req := range requests {
		if req == nil {
			continue
		}
		if id := req.LineID(); id != "" {
			out[id] = append(out[id], req)
		}
	}
	return out
}

func snapshotSubjects(reqs []*Request) []engine.Subject {
	out := make([]engine.Subject, len(reqs))
	for i, req := range reqs {
		out[i] = req.Subject
	}
	return out
}

func restoreSubjects(reqs []*Request, snapshots []engine.Subject) {
	for i, req := range reqs {
		if i < len(snapshots) {
			req.Subject = snapshots[i]
		}
	}
}
