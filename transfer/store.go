package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
)

// Store opens transactions over transfer persistence and hydrates batch
// aggregates. Read methods must not be called inside an open transaction;
// hydrate first, then transact.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
	MessageByID(ctx context.Context, id string) (*BatchMessage, error)
	EventsForRequest(ctx context.Context, requestID string) ([]Event, error)
}

// Tx extends the engine transaction with transfer records so one commit scope
// covers events, transitions, journal bindings, and subject mutations.
type Tx interface {
	engine.Tx
	SaveBatch(ctx context.Context, batch *Batch) error
	SaveRequest(ctx context.Context, req *Request) error
	SaveMessage(ctx context.Context, msg *BatchMessage) error
	AppendEvent(ctx context.Context, ev *Event) error
	HasResponseEvent(ctx context.Context, requestID, messageID string) (bool, error)
}

// Stage persists a freshly built pending message in one transaction: batch,
// requests with their subjects, the message row, and its queued events.
func Stage(ctx context.Context, store Store, msg *BatchMessage) error {
	if store == nil {
		return stateflow.CloneError(stateflow.ErrLogic, "transfer store required", nil, nil)
	}
	if msg == nil || msg.Type != MessagePending {
		return stateflow.CloneError(stateflow.ErrLogic, "staging requires a pending message", nil, nil)
	}
	if msg.Batch == nil {
		return stateflow.CloneError(stateflow.ErrLogic,
			fmt.Sprintf("pending message %q has no batch linkage", msg.ID), nil, nil)
	}
	return store.RunInTransaction(ctx, func(tx Tx) error {
		if err := tx.SaveBatch(ctx, msg.Batch); err != nil {
			return err
		}
		for _, req := range msg.Requests() {
			if err := tx.SaveRequest(ctx, req); err != nil {
				return err
			}
		}
		if err := tx.SaveMessage(ctx, msg); err != nil {
			return err
		}
		for _, ev := range msg.Events {
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// InMemoryStore keeps transfer records in memory on top of the engine's
// in-memory subject store, sharing its transaction scope.
type InMemoryStore struct {
	subjects *engine.InMemoryStore

	mu       sync.RWMutex
	batches  map[string]Batch
	requests map[string]Request
	messages map[string]BatchMessage
	events   []Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		subjects: engine.NewInMemoryStore(),
		batches:  make(map[string]Batch),
		requests: make(map[string]Request),
		messages: make(map[string]BatchMessage),
	}
}

// Subjects exposes the engine-facing store for wiring an Engine over the same
// data.
func (s *InMemoryStore) Subjects() *engine.InMemoryStore {
	if s == nil {
		return nil
	}
	return s.subjects
}

// RunInTransaction stages transfer writes alongside the engine transaction;
// both commit together or not at all.
func (s *InMemoryStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil {
		return errors.New("in-memory transfer store not configured")
	}
	if fn == nil {
		return nil
	}
	return s.subjects.RunInTransaction(ctx, func(etx engine.Tx) error {
		s.mu.RLock()
		tx := &memoryTx{
			Tx:       etx,
			batches:  cloneMap(s.batches),
			requests: cloneMap(s.requests),
			messages: cloneMap(s.messages),
			events:   append([]Event(nil), s.events...),
		}
		s.mu.RUnlock()

		if err := fn(tx); err != nil {
			return err
		}

		s.mu.Lock()
		s.batches = tx.batches
		s.requests = tx.requests
		s.messages = tx.messages
		s.events = tx.events
		s.mu.Unlock()
		return nil
	})
}

// MessageByID loads a batch message hydrated with its batch, the batch's
// requests (workflow projections attached), and the message's events.
func (s *InMemoryStore) MessageByID(ctx context.Context, id string) (*BatchMessage, error) {
	if s == nil {
		return nil, errors.New("in-memory transfer store not configured")
	}
	id = strings.TrimSpace(id)

	s.mu.RLock()
	stored, ok := s.messages[id]
	if !ok {
		s.mu.RUnlock()
		return nil, stateflow.CloneError(stateflow.ErrNotFound,
			fmt.Sprintf("batch message %q not found", id), nil, map[string]any{"message_id": id})
	}
	msg := stored
	batch, hasBatch := s.batches[msg.BatchID]
	var requestRows []Request
	for _, req := range s.requests {
		if req.BatchID == msg.BatchID {
			requestRows = append(requestRows, req)
		}
	}
	var eventRows []Event
	for _, ev := range s.events {
		if ev.MessageID == id {
			eventRows = append(eventRows, ev)
		}
	}
	s.mu.RUnlock()

	if hasBatch {
		msg.Batch = &batch
	}
	sort.Slice(requestRows, func(i, j int) bool { return requestRows[i].TransactionID < requestRows[j].TransactionID })
	byRequestID := make(map[string]*Request, len(requestRows))
	for i := range requestRows {
		req := &requestRows[i]
		subject, err := s.subjects.LoadSubject(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		req.Subject = *subject
		byRequestID[req.ID] = req
		if msg.Batch != nil {
			msg.Batch.Requests = append(msg.Batch.Requests, req)
		}
	}

	sortEvents(eventRows)
	msg.Events = make([]*Event, 0, len(eventRows))
	for i := range eventRows {
		ev := eventRows[i]
		ev.Request = byRequestID[ev.RequestID]
		msg.Events = append(msg.Events, &ev)
	}
	return &msg, nil
}

// EventsForRequest returns the request's recorded events, oldest first.
func (s *InMemoryStore) EventsForRequest(_ context.Context, requestID string) ([]Event, error) {
	if s == nil {
		return nil, errors.New("in-memory transfer store not configured")
	}
	requestID = strings.TrimSpace(requestID)
	s.mu.RLock()
	var out []Event
	for _, ev := range s.events {
		if ev.RequestID == requestID {
			out = append(out, ev)
		}
	}
	s.mu.RUnlock()
	sortEvents(out)
	return out, nil
}

type memoryTx struct {
	engine.Tx

	batches  map[string]Batch
	requests map[string]Request
	messages map[string]BatchMessage
	events   []Event
}

func (tx *memoryTx) SaveBatch(_ context.Context, batch *Batch) error {
	if batch == nil || strings.TrimSpace(batch.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "batch id required", nil, nil)
	}
	stored := *batch
	stored.Requests = nil
	tx.batches[batch.ID] = stored
	return nil
}

func (tx *memoryTx) SaveRequest(ctx context.Context, req *Request) error {
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "request id required", nil, nil)
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic,
			fmt.Sprintf("request %q requires a transaction id", req.ID), nil, map[string]any{
				"request_id": req.ID,
			})
	}
	if err := tx.SaveSubject(ctx, &req.Subject); err != nil {
		return err
	}
	stored := *req
	stored.Subject = engine.Subject{ID: req.ID}
	tx.requests[req.ID] = stored
	return nil
}

func (tx *memoryTx) SaveMessage(_ context.Context, msg *BatchMessage) error {
	if msg == nil || strings.TrimSpace(msg.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "batch message id required", nil, nil)
	}
	stored := *msg
	stored.Batch = nil
	stored.Events = nil
	tx.messages[msg.ID] = stored
	return nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, ev *Event) error {
	if ev == nil || strings.TrimSpace(ev.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "event id required", nil, nil)
	}
	if strings.TrimSpace(ev.RequestID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic,
			fmt.Sprintf("event %q requires a request id", ev.ID), nil, map[string]any{
				"event_id": ev.ID,
			})
	}
	for _, existing := range tx.events {
		if existing.ID == ev.ID {
			return stateflow.CloneError(stateflow.ErrLogic,
				fmt.Sprintf("event %q already recorded", ev.ID), nil, map[string]any{
					"event_id": ev.ID,
				})
		}
		if ev.Type != EventQueued && existing.Type != EventQueued &&
			existing.RequestID == ev.RequestID && existing.MessageID == ev.MessageID {
			return stateflow.CloneError(stateflow.ErrLogic,
				fmt.Sprintf("request %q already has a response event for message %q", ev.RequestID, ev.MessageID),
				nil, map[string]any{
					"request_id": ev.RequestID,
					"message_id": ev.MessageID,
				})
		}
	}
	stored := *ev
	stored.Request = nil
	tx.events = append(tx.events, stored)
	return nil
}

func (tx *memoryTx) HasResponseEvent(_ context.Context, requestID, messageID string) (bool, error) {
	requestID = strings.TrimSpace(requestID)
	messageID = strings.TrimSpace(messageID)
	for _, ev := range tx.events {
		if ev.Type != EventQueued && ev.RequestID == requestID && ev.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
