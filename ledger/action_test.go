package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
	"github.com/goliatone/go-stateflow/graph"
)

const settleChartYAML = `
graph: funds_transfer
groups:
  - name: open
    states: [Draft, Submitted]
  - name: terminal
    states: [Succeeded, Failed]
paths:
  - name: settle
    from: Submitted
    to: Succeeded
    post:
      - id: ledger.post
`

type fakePoster struct {
	items    []BillingItem
	elevated []bool
	result   *PostingResult
	err      error
	session  *stateflow.Session
}

func (p *fakePoster) PostAccounting(_ context.Context, item BillingItem) (*PostingResult, error) {
	p.items = append(p.items, item)
	if p.session != nil {
		p.elevated = append(p.elevated, p.session.Elevated())
	}
	return p.result, p.err
}

func settleHarness(t *testing.T, poster Poster) (*engine.Engine, *engine.InMemoryStore, *engine.Subject, *graph.StatePath) {
	t.Helper()
	g := graph.MustCompile([]byte(settleChartYAML))

	reg := engine.NewActionRegistry()
	if err := reg.Register(NewAccountingAction(poster)); err != nil {
		t.Fatalf("register accounting action: %v", err)
	}

	submitted, err := g.StateByName("Submitted")
	if err != nil {
		t.Fatalf("state lookup: %v", err)
	}
	settle, err := g.PathByName("settle")
	if err != nil {
		t.Fatalf("path lookup: %v", err)
	}

	store := engine.NewInMemoryStore()
	subject := &engine.Subject{ID: "req-1", State: submitted}
	return engine.New(store, reg), store, subject, settle
}

func TestAccountingActionBindsPostingResults(t *testing.T) {
	sess := stateflow.NewSession("ops")
	poster := &fakePoster{
		session: sess,
		result: &PostingResult{
			Journal: &Journal{ID: "jr-100"},
			Event:   &TransferEventRef{ID: "ev-7"},
		},
	}
	eng, store, subject, settle := settleHarness(t, poster)

	item := BillingItem{Code: "TRANSFER_FEE", Amount: decimal.RequireFromString("25.50"), Memo: "august sweep"}
	rec, err := eng.FollowPath(context.Background(), sess, subject, settle, stateflow.Args{
		ParamBillingItem: item,
	})
	if err != nil {
		t.Fatalf("follow path: %v", err)
	}

	if len(poster.items) != 1 {
		t.Fatalf("expected one posting, got %d", len(poster.items))
	}
	got := poster.items[0]
	if got.Code != "TRANSFER_FEE" || !got.Amount.Equal(item.Amount) || got.Memo != "august sweep" {
		t.Fatalf("poster saw the wrong item: %+v", got)
	}
	if len(poster.elevated) != 1 || !poster.elevated[0] {
		t.Fatal("session must be elevated while the poster runs")
	}
	if sess.Elevated() {
		t.Fatal("commit must release the transaction-scoped elevation")
	}

	if rec.JournalID != "jr-100" || rec.TransferEventID != "ev-7" {
		t.Fatalf("posting results not bound to the transition: %+v", rec)
	}
	stored := store.Transitions("req-1")
	if len(stored) != 1 || stored[0].JournalID != "jr-100" || stored[0].TransferEventID != "ev-7" {
		t.Fatalf("persisted transition lost the bindings: %+v", stored)
	}
}

func TestAccountingActionToleratesEmptyResult(t *testing.T) {
	sess := stateflow.NewSession("ops")
	poster := &fakePoster{session: sess}
	eng, _, subject, settle := settleHarness(t, poster)

	rec, err := eng.FollowPath(context.Background(), sess, subject, settle, stateflow.Args{
		ParamBillingItem: BillingItem{Code: "NOOP"},
	})
	if err != nil {
		t.Fatalf("follow path: %v", err)
	}
	if rec.JournalID != "" || rec.TransferEventID != "" {
		t.Fatalf("nil posting result must bind nothing: %+v", rec)
	}
}

func TestAccountingActionMissingItem(t *testing.T) {
	poster := &fakePoster{}
	eng, _, subject, settle := settleHarness(t, poster)

	_, err := eng.FollowPath(context.Background(), stateflow.NewSession("ops"), subject, settle, nil)
	if !stateflow.IsMissingParameter(err) {
		t.Fatalf("expected missing-parameter, got %v", err)
	}
	if len(poster.items) != 0 {
		t.Fatal("poster must not run without a billing item")
	}
	if subject.StateName() != "Submitted" {
		t.Fatalf("subject must be untouched: %q", subject.StateName())
	}
}

func TestAccountingActionMistypedItem(t *testing.T) {
	poster := &fakePoster{}
	eng, store, subject, settle := settleHarness(t, poster)

	_, err := eng.FollowPath(context.Background(), stateflow.NewSession("ops"), subject, settle, stateflow.Args{
		ParamBillingItem: "not an item",
	})
	if !stateflow.IsParameterType(err) {
		t.Fatalf("expected parameter-type, got %v", err)
	}
	if len(poster.items) != 0 {
		t.Fatal("poster must not run on a mistyped item")
	}
	if subject.StateName() != "Submitted" {
		t.Fatalf("subject must be restored: %q", subject.StateName())
	}
	if got := len(store.Transitions("")); got != 0 {
		t.Fatalf("nothing may persist, got %d", got)
	}
}

func TestAccountingActionPosterErrorRollsBack(t *testing.T) {
	sess := stateflow.NewSession("ops")
	poster := &fakePoster{session: sess, err: fmt.Errorf("ledger offline")}
	eng, store, subject, settle := settleHarness(t, poster)

	_, err := eng.FollowPath(context.Background(), sess, subject, settle, stateflow.Args{
		ParamBillingItem: BillingItem{Code: "TRANSFER_FEE"},
	})
	if err == nil {
		t.Fatal("expected poster error to propagate")
	}
	if subject.StateName() != "Submitted" {
		t.Fatalf("subject must be restored on rollback: %q", subject.StateName())
	}
	if got := len(store.Transitions("")); got != 0 {
		t.Fatalf("nothing may persist, got %d", got)
	}
	if sess.Elevated() {
		t.Fatal("rollback must release the transaction-scoped elevation")
	}
}

func TestItemFromArgs(t *testing.T) {
	item := BillingItem{Code: "FEE", Amount: decimal.NewFromInt(3)}

	got, err := ItemFromArgs(stateflow.Args{ParamBillingItem: item})
	if err != nil || got.Code != "FEE" {
		t.Fatalf("value form: %+v %v", got, err)
	}

	got, err = ItemFromArgs(stateflow.Args{ParamBillingItem: &item})
	if err != nil || got.Code != "FEE" {
		t.Fatalf("pointer form: %+v %v", got, err)
	}

	if _, err := ItemFromArgs(nil); !stateflow.IsMissingParameter(err) {
		t.Fatalf("expected missing-parameter, got %v", err)
	}
	if _, err := ItemFromArgs(stateflow.Args{ParamBillingItem: (*BillingItem)(nil)}); !stateflow.IsParameterType(err) {
		t.Fatalf("expected parameter-type for nil pointer, got %v", err)
	}
	if _, err := ItemFromArgs(stateflow.Args{ParamBillingItem: 42}); !stateflow.IsParameterType(err) {
		t.Fatalf("expected parameter-type, got %v", err)
	}
}

func TestBillingItemValidate(t *testing.T) {
	if err := (BillingItem{Code: "FEE"}).Validate(); err != nil {
		t.Fatalf("valid item rejected: %v", err)
	}
	if err := (BillingItem{Memo: "no code"}).Validate(); !stateflow.IsSchema(err) {
		t.Fatalf("expected schema error, got %v", err)
	}
}
