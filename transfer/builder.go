package transfer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
)

// Builder renders outbound settlement files from Pending batch messages.
type Builder struct {
	decryptor AccountDecryptor
	logger    engine.Logger
}

type BuilderOption func(*Builder)

func WithBuilderLogger(logger engine.Logger) BuilderOption {
	return func(b *Builder) { b.logger = logger }
}

func NewBuilder(decryptor AccountDecryptor, opts ...BuilderOption) *Builder {
	b := &Builder{decryptor: decryptor}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = loggerOrDefault(b.logger)
	return b
}

// BuildFile renders the settlement file for a fully hydrated Pending message.
// Requests sharing a collation aggregate into one line whose amount is the
// decimal sum of the member amounts; an uncollated request forms its own line
// keyed by its transaction id.
func (b *Builder) BuildFile(ctx context.Context, msg *BatchMessage) (*File, error) {
	if b == nil || b.decryptor == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic, "account decryptor not configured", nil, nil)
	}
	if msg == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic, "batch message required", nil, nil)
	}
	if msg.Type != MessagePending {
		return nil, stateflow.CloneError(stateflow.ErrLogic,
			fmt.Sprintf("settlement files are built from Pending messages, message %q is %s", msg.ID, msg.Type),
			nil, map[string]any{
				"message_id":   msg.ID,
				"message_type": string(msg.Type),
			})
	}
	if msg.Batch == nil {
		return nil, stateflow.CloneError(stateflow.ErrSchema,
			fmt.Sprintf("message %q has no batch attached", msg.ID), nil, map[string]any{
				"message_id": msg.ID,
			})
	}
	if strings.TrimSpace(msg.Batch.CreditSystem) == "" {
		return nil, stateflow.CloneError(stateflow.ErrSchema,
			fmt.Sprintf("batch %q carries no credit-system code", msg.Batch.ID), nil, map[string]any{
				"batch_id": msg.Batch.ID,
			})
	}
	for _, ev := range msg.Events {
		if ev != nil && ev.Request == nil {
			return nil, stateflow.CloneError(stateflow.ErrSchema,
				fmt.Sprintf("event %q is not hydrated with its request", ev.ID), nil, map[string]any{
					"event_id": ev.ID,
				})
		}
	}
	requests := msg.Requests()
	if len(requests) == 0 {
		return nil, stateflow.CloneError(stateflow.ErrSchema,
			fmt.Sprintf("message %q has no queued requests", msg.ID), nil, map[string]any{
				"message_id": msg.ID,
			})
	}

	groups := make(map[string][]*Request)
	for _, req := range requests {
		id := req.LineID()
		if id == "" {
			return nil, stateflow.CloneError(stateflow.ErrSchema,
				fmt.Sprintf("request %q has no line identifier", req.ID), nil, map[string]any{
					"request_id": req.ID,
				})
		}
		groups[id] = append(groups[id], req)
	}

	lineIDs := make([]string, 0, len(groups))
	for id := range groups {
		lineIDs = append(lineIDs, id)
	}
	sort.Strings(lineIDs)

	file := &File{
		CreditSystem: msg.Batch.CreditSystem,
		BatchDate:    formatWireDate(msg.Batch.Date),
		MessageID:    msg.ID,
		Lines:        make([]FileLine, 0, len(lineIDs)),
	}
	for _, id := range lineIDs {
		members := groups[id]
		sum := decimal.Zero
		for _, req := range members {
			sum = sum.Add(req.Amount)
		}
		account, err := b.decryptor.DecryptAccount(ctx, members[0].AccountCipher)
		if err != nil {
			return nil, stateflow.CloneError(stateflow.ErrSchema,
				fmt.Sprintf("cannot decrypt account descriptor for line %q", id), err, map[string]any{
					"line_id": id,
				})
		}
		file.Lines = append(file.Lines, FileLine{
			ID:     id,
			Amount: sum.StringFixed(2),
			Account: WireAccount{
				Holder:  account.Holder,
				Number:  account.Number,
				Routing: account.Routing,
			},
		})
	}

	logWith(b.logger, map[string]any{
		"message_id": msg.ID,
		"batch_id":   msg.Batch.ID,
	}).Info("settlement file built: %d lines", len(file.Lines))
	return file, nil
}

func loggerOrDefault(logger engine.Logger) engine.Logger {
	if logger == nil {
		return engine.NewFmtLogger(nil)
	}
	return logger
}

func logWith(logger engine.Logger, fields map[string]any) engine.Logger {
	logger = loggerOrDefault(logger)
	if fl, ok := logger.(engine.FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}
