package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-stateflow/graph"
)

// Transition is the immutable record of one completed path traversal. Actions
// may bind a journal or transfer-event id to it before it is persisted; after
// that it never changes.
type Transition struct {
	ID          string
	SubjectID   string
	Graph       string
	Path        string
	FromState   string
	ToState     string
	StampBefore uint32
	StampAfter  uint32
	CreatedAt   time.Time

	// set by accounting and transfer actions during the traversal
	JournalID       string
	TransferEventID string
}

func newTransition(subject *Subject, path *graph.StatePath, at time.Time) *Transition {
	rec := &Transition{
		ID:          uuid.NewString(),
		SubjectID:   subject.ID,
		Path:        path.Name,
		StampBefore: subject.ChangeStamp,
		CreatedAt:   at,
	}
	if path.From != nil {
		rec.FromState = path.From.Name
		if path.From.Group != nil && path.From.Group.Graph != nil {
			rec.Graph = path.From.Group.Graph.Name
		}
	}
	if path.To != nil {
		rec.ToState = path.To.Name
	}
	return rec
}
