package ledger

import (
	"context"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
)

// PipelineID is the id the accounting action registers under.
const PipelineID = "ledger.post"

// AccountingAction posts a billing item through the Poster as part of a
// traversal. It elevates the session for the lifetime of the enclosing
// transaction, delegates the posting, and binds the produced journal and
// transfer event ids onto the transition record. It joins the traversal's
// transaction rather than opening a second one.
type AccountingAction struct {
	poster Poster
}

func NewAccountingAction(poster Poster) *AccountingAction {
	return &AccountingAction{poster: poster}
}

func (a *AccountingAction) PipelineID() string { return PipelineID }

func (a *AccountingAction) ParameterSpecs() []stateflow.ParameterSpec {
	return []stateflow.ParameterSpec{
		{Key: ParamBillingItem, Type: stateflow.ParamAny, Required: true},
	}
}

func (a *AccountingAction) Execute(ctx context.Context, tr *engine.Traversal) error {
	if a == nil || a.poster == nil {
		return stateflow.CloneError(stateflow.ErrLogic, "accounting poster not configured", nil, nil)
	}
	if tr == nil || tr.Tx == nil || tr.Session == nil || tr.Transition == nil {
		return stateflow.CloneError(stateflow.ErrLogic, "accounting action requires an open traversal", nil, nil)
	}

	item, err := ItemFromArgs(tr.Args)
	if err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}

	// deferred ledger writes flush at commit, so the elevation must
	// outlive the action and die with the transaction
	tr.Session.ElevateTransaction(tr.Tx)

	result, err := a.poster.PostAccounting(ctx, item)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if result.Journal != nil {
		tr.Transition.JournalID = result.Journal.ID
	}
	if result.Event != nil {
		tr.Transition.TransferEventID = result.Event.ID
	}
	return nil
}
