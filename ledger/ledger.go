// Package ledger adapts accounting postings into the transition pipeline. The
// concrete ledger lives behind the Poster interface; this package only carries
// the billing item across and binds the posting results to the transition
// record.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	stateflow "github.com/goliatone/go-stateflow"
)

// ParamBillingItem is the traversal argument key the accounting action reads.
const ParamBillingItem = "billing_item"

// BillingItem is one charge to post against the ledger.
type BillingItem struct {
	Code   string
	Amount decimal.Decimal
	Memo   string
}

func (b BillingItem) Validate() error {
	if strings.TrimSpace(b.Code) == "" {
		return stateflow.CloneError(stateflow.ErrSchema, "billing item requires a code", nil, nil)
	}
	return nil
}

// Journal is the posting produced by the ledger, referenced from the
// transition record by id.
type Journal struct {
	ID       string
	Code     string
	Amount   decimal.Decimal
	Memo     string
	PostedAt time.Time
}

// TransferEventRef points at a transfer event the poster recorded alongside
// the journal.
type TransferEventRef struct {
	ID string
}

// PostingResult carries what the poster produced. Either field may be nil.
type PostingResult struct {
	Journal *Journal
	Event   *TransferEventRef
}

// Poster is the accounting collaborator. Implementations post inside the
// caller's transaction scope; the action never opens one of its own.
type Poster interface {
	PostAccounting(ctx context.Context, item BillingItem) (*PostingResult, error)
}

// PosterFunc adapts a function into a Poster.
type PosterFunc func(ctx context.Context, item BillingItem) (*PostingResult, error)

func (f PosterFunc) PostAccounting(ctx context.Context, item BillingItem) (*PostingResult, error) {
	return f(ctx, item)
}

// JournalLog is an in-memory Poster that records every posting. It backs the
// maintenance CLI and tests; a general-ledger integration replaces it in
// production wiring.
type JournalLog struct {
	mu       sync.Mutex
	journals []Journal
}

func NewJournalLog() *JournalLog {
	return &JournalLog{}
}

func (l *JournalLog) PostAccounting(_ context.Context, item BillingItem) (*PostingResult, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	journal := Journal{
		ID:       uuid.NewString(),
		Code:     item.Code,
		Amount:   item.Amount,
		Memo:     item.Memo,
		PostedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	l.journals = append(l.journals, journal)
	l.mu.Unlock()

	return &PostingResult{Journal: &journal}, nil
}

// Journals returns a snapshot of everything posted so far.
func (l *JournalLog) Journals() []Journal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Journal, len(l.journals))
	copy(out, l.journals)
	return out
}

// ItemFromArgs extracts the billing item argument. Missing keys and mistyped
// values surface as the parameter errors the pipeline validation uses.
func ItemFromArgs(args stateflow.Args) (BillingItem, error) {
	v, err := args.Value(ParamBillingItem)
	if err != nil {
		return BillingItem{}, err
	}
	switch item := v.(type) {
	case BillingItem:
		return item, nil
	case *BillingItem:
		if item != nil {
			return *item, nil
		}
	}
	return BillingItem{}, stateflow.CloneError(stateflow.ErrParameterType,
		fmt.Sprintf("parameter %q is not a billing item", ParamBillingItem), nil, map[string]any{
			"key":  ParamBillingItem,
			"want": "ledger.BillingItem",
			"got":  fmt.Sprintf("%T", v),
		})
}
