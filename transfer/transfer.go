// Package transfer implements outbound settlement batching and inbound
// response reconciliation for funds-transfer requests. Requests are workflow
// subjects; reconciliation drives their transitions through the engine while
// recording transfer events and accounting postings in the same transaction.
package transfer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
)

// MessageType is one lifecycle checkpoint of a batch. Checkpoints accumulate
// append-only as the batch progresses; each is its own message row.
type MessageType string

const (
	MessagePending   MessageType = "Pending"
	MessageSubmitted MessageType = "Submitted"
	MessageAccepted  MessageType = "Accepted"
	MessageRejected  MessageType = "Rejected"
	MessageResponded MessageType = "Responded"
)

// EventType is the status a transfer event records for one request.
type EventType string

const (
	EventQueued         EventType = "Queued"
	EventAccepted       EventType = "Accepted"
	EventSucceeded      EventType = "Succeeded"
	EventFailed         EventType = "Failed"
	EventReturned       EventType = "Returned"
	EventNoticeOfChange EventType = "NoticeOfChange"
)

// Failure reports whether the event type is failure-class. Returned and
// NoticeOfChange keep their original status for reporting but count as
// failures.
func (t EventType) Failure() bool {
	switch t {
	case EventFailed, EventReturned, EventNoticeOfChange:
		return true
	}
	return false
}

// ResponseStatus is the wire status carried by one response line.
type ResponseStatus string

const (
	StatusRejected       ResponseStatus = "Rejected"
	StatusAccepted       ResponseStatus = "Accepted"
	StatusSucceeded      ResponseStatus = "Succeeded"
	StatusFailed         ResponseStatus = "Failed"
	StatusReturned       ResponseStatus = "Returned"
	StatusNoticeOfChange ResponseStatus = "NoticeOfChange"
)

var statusEventTypes = map[ResponseStatus]EventType{
	StatusRejected:       EventFailed,
	StatusAccepted:       EventAccepted,
	StatusSucceeded:      EventSucceeded,
	StatusFailed:         EventFailed,
	StatusReturned:       EventReturned,
	StatusNoticeOfChange: EventNoticeOfChange,
}

// EventTypeForStatus maps a wire status to the event type it records. An
// unrecognized status is a logic fault: it means the mapping table is out of
// date, so the caller must refuse the whole file rather than guess.
func EventTypeForStatus(status ResponseStatus) (EventType, error) {
	t, ok := statusEventTypes[status]
	if !ok {
		return "", stateflow.CloneError(stateflow.ErrLogic,
			fmt.Sprintf("response status %q has no event mapping", status), nil, map[string]any{
				"status": string(status),
			})
	}
	return t, nil
}

// BankAccount is a decrypted bank-account descriptor.
type BankAccount struct {
	Holder  string
	Number  string
	Routing string
}

// AccountDecryptor decrypts bank-account descriptors held encrypted at rest.
type AccountDecryptor interface {
	DecryptAccount(ctx context.Context, cipher string) (BankAccount, error)
}

// DecryptorFunc adapts a function into an AccountDecryptor.
type DecryptorFunc func(ctx context.Context, cipher string) (BankAccount, error)

func (f DecryptorFunc) DecryptAccount(ctx context.Context, cipher string) (BankAccount, error) {
	return f(ctx, cipher)
}

// Request is one outbound transfer intent under workflow control. Amount is
// signed: deposits positive, withdrawals negative.
type Request struct {
	engine.Subject

	TransactionID string
	Amount        decimal.Decimal
	AccountCipher string
	CollationID   string
	BatchID       string
}

// LineID returns the settlement-line identifier: the collation id when the
// request is collated, its own transaction id otherwise.
func (r *Request) LineID() string {
	if r == nil {
		return ""
	}
	if id := strings.TrimSpace(r.CollationID); id != "" {
		return id
	}
	return strings.TrimSpace(r.TransactionID)
}

// Batch is a dated collection of requests destined for one credit system.
type Batch struct {
	ID           string
	Description  string
	CreditSystem string
	Date         time.Time

	// hydrated batch membership, not persisted on this struct
	Requests []*Request
}

// Event is one timestamped status record for a request. MessageID names the
// batch-message checkpoint the event belongs to; for response events it is the
// message id the response file referenced and doubles as the idempotency key.
type Event struct {
	ID           string
	RequestID    string
	MessageID    string
	TransitionID string
	JournalID    string
	Type         EventType
	ResponseCode string
	TraceCode    string
	Comments     string
	CreatedAt    time.Time

	// hydrated, not persisted
	Request *Request
}

// BatchMessage is one lifecycle checkpoint of a batch together with the
// events produced at that checkpoint.
type BatchMessage struct {
	ID        string
	BatchID   string
	Type      MessageType
	CreatedAt time.Time

	// hydrated aggregates, not persisted on this struct
	Batch  *Batch
	Events []*Event
}

// Requests returns the distinct hydrated requests behind the message's
// events, ordered by transaction id.
func (m *BatchMessage) Requests() []*Request {
	if m == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(m.Events))
	out := make([]*Request, 0, len(m.Events))
	for _, ev := range m.Events {
		if ev == nil || ev.Request == nil {
			continue
		}
		if _, dup := seen[ev.Request.ID]; dup {
			continue
		}
		seen[ev.Request.ID] = struct{}{}
		out = append(out, ev.Request)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}

// NewPendingMessage stages a Pending checkpoint for the batch: one Queued
// event per request, hydrated and ready for BuildFile.
func NewPendingMessage(batch *Batch, requests ...*Request) *BatchMessage {
	msg := &BatchMessage{
		ID:        uuid.NewString(),
		Type:      MessagePending,
		CreatedAt: time.Now().UTC(),
		Batch:     batch,
	}
	if batch != nil {
		msg.BatchID = batch.ID
	}
	for _, req := range requests {
		if req == nil {
			continue
		}
		req.BatchID = msg.BatchID
		msg.Events = append(msg.Events, &Event{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			MessageID: msg.ID,
			Type:      EventQueued,
			CreatedAt: msg.CreatedAt,
			Request:   req,
		})
	}
	return msg
}
