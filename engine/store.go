package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	stateflow "github.com/goliatone/go-stateflow"
)

// Store opens transactions over workflow persistence.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional boundary a traversal writes through. Completion
// callbacks registered via OnComplete run once the transaction finishes,
// after commit and after rollback alike.
type Tx interface {
	stateflow.Completer
	SaveSubject(ctx context.Context, subject *Subject) error
	AppendTransition(ctx context.Context, rec *Transition) error
}

// InMemoryStore is a thread-safe in-memory subject and transition store.
type InMemoryStore struct {
	mu          sync.RWMutex
	subjects    map[string]Subject
	transitions []Transition
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{subjects: make(map[string]Subject)}
}

// LoadSubject returns a copy of the persisted projection.
func (s *InMemoryStore) LoadSubject(_ context.Context, id string) (*Subject, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.subjects[id]
	if !ok {
		return nil, stateflow.CloneError(stateflow.ErrNotFound,
			fmt.Sprintf("subject %q not found", id), nil, map[string]any{"subject_id": id})
	}
	return &subject, nil
}

// Transitions returns recorded transitions for the subject, oldest first. An
// empty id returns every transition.
func (s *InMemoryStore) Transitions(subjectID string) []Transition {
	if s == nil {
		return nil
	}
	subjectID = strings.TrimSpace(subjectID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, 0, len(s.transitions))
	for _, rec := range s.transitions {
		if subjectID == "" || rec.SubjectID == subjectID {
			out = append(out, rec)
		}
	}
	return out
}

// RunInTransaction applies mutations atomically with rollback on error.
func (s *InMemoryStore) RunInTransaction(_ context.Context, fn func(Tx) error) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		subjects:    cloneSubjectMap(s.subjects),
		transitions: append([]Transition(nil), s.transitions...),
	}
	defer tx.complete()
	if err := fn(tx); err != nil {
		return err
	}
	s.subjects = tx.subjects
	s.transitions = tx.transitions
	return nil
}

type memoryTx struct {
	subjects    map[string]Subject
	transitions []Transition
	completions []func()
}

func (tx *memoryTx) SaveSubject(_ context.Context, subject *Subject) error {
	if subject == nil || strings.TrimSpace(subject.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "subject id required", nil, nil)
	}
	if existing, ok := tx.subjects[subject.ID]; ok && existing.Version != subject.Version {
		return stateflow.CloneError(stateflow.ErrVersionConflict,
			fmt.Sprintf("subject %q version %d does not match stored %d",
				subject.ID, subject.Version, existing.Version), nil, map[string]any{
				"subject_id": subject.ID,
				"expected":   subject.Version,
				"stored":     existing.Version,
			})
	}
	subject.Version++
	tx.subjects[subject.ID] = *subject
	return nil
}

func (tx *memoryTx) AppendTransition(_ context.Context, rec *Transition) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "transition id required", nil, nil)
	}
	for _, existing := range tx.transitions {
		if existing.ID == rec.ID {
			return stateflow.CloneError(stateflow.ErrLogic,
				fmt.Sprintf("transition %q already recorded", rec.ID), nil, map[string]any{
					"transition_id": rec.ID,
				})
		}
	}
	tx.transitions = append(tx.transitions, *rec)
	return nil
}

func (tx *memoryTx) OnComplete(fn func()) {
	if fn != nil {
		tx.completions = append(tx.completions, fn)
	}
}

func (tx *memoryTx) complete() {
	for _, fn := range tx.completions {
		fn()
	}
	tx.completions = nil
}

func cloneSubjectMap(in map[string]Subject) map[string]Subject {
	out := make(map[string]Subject, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
