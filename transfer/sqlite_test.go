package transfer

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
	"github.com/goliatone/go-stateflow/graph"
)

func openTransferDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "transfer.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_journal=WAL")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sqliteHarness(t *testing.T, reqs ...*Request) (*SQLiteStore, *BatchMessage) {
	t.Helper()
	g := graph.MustCompile([]byte(reconcileChartYAML))
	store := NewSQLiteStore(openTransferDB(t), g, "transfer")

	batch := &Batch{
		ID:           "batch-1",
		CreditSystem: "ACME-CREDIT",
		Date:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	msg := NewPendingMessage(batch, reqs...)
	stagePending(t, store, msg)
	return store, msg
}

func TestSQLiteTransferRoundTrip(t *testing.T) {
	t.Parallel()

	store, staged := sqliteHarness(t,
		submittedRequest(t, "T200", "70.00", "COLL-9"),
		submittedRequest(t, "T100", "30.50", "COLL-9"),
	)
	ctx := context.Background()

	msg, err := store.MessageByID(ctx, staged.ID)
	require.NoError(t, err)

	require.Equal(t, MessagePending, msg.Type)
	require.NotNil(t, msg.Batch)
	require.Equal(t, "ACME-CREDIT", msg.Batch.CreditSystem)
	require.True(t, msg.Batch.Date.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	require.Len(t, msg.Batch.Requests, 2)
	require.Equal(t, "T100", msg.Batch.Requests[0].TransactionID)
	require.True(t, msg.Batch.Requests[0].Amount.Equal(decimal.RequireFromString("30.50")))
	require.Equal(t, "COLL-9", msg.Batch.Requests[0].CollationID)

	// workflow projection rehydrates against the chart
	require.Equal(t, "Submitted", msg.Batch.Requests[0].StateName())
	require.Equal(t, 1, msg.Batch.Requests[0].Version)
	require.Equal(t, uint32(0x05), msg.Batch.Requests[0].ChangeStamp)

	require.Len(t, msg.Events, 2)
	for _, ev := range msg.Events {
		require.Equal(t, EventQueued, ev.Type)
		require.NotNil(t, ev.Request)
		require.Equal(t, ev.RequestID, ev.Request.ID)
	}
}

func TestSQLiteTransferMessageMissing(t *testing.T) {
	t.Parallel()

	g := graph.MustCompile([]byte(reconcileChartYAML))
	store := NewSQLiteStore(openTransferDB(t), g, "transfer")

	_, err := store.MessageByID(context.Background(), "ghost")
	require.True(t, stateflow.IsNotFound(err), "got %v", err)
}

func TestSQLiteResponseEventUniqueIndex(t *testing.T) {
	t.Parallel()

	store, msg := sqliteHarness(t, submittedRequest(t, "T100", "10.00", ""))
	ctx := context.Background()

	append1 := store.RunInTransaction(ctx, func(tx Tx) error {
		return tx.AppendEvent(ctx, &Event{
			ID: "resp-1", RequestID: "req-T100", MessageID: msg.ID,
			Type: EventFailed, CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, append1)

	append2 := store.RunInTransaction(ctx, func(tx Tx) error {
		return tx.AppendEvent(ctx, &Event{
			ID: "resp-2", RequestID: "req-T100", MessageID: msg.ID,
			Type: EventSucceeded, CreatedAt: time.Now().UTC(),
		})
	})
	require.Error(t, append2)
	require.True(t, stateflow.IsLogic(append2), "got %v", append2)

	// queued membership rows never collide with the response guard
	appendQueued := store.RunInTransaction(ctx, func(tx Tx) error {
		return tx.AppendEvent(ctx, &Event{
			ID: "queued-2", RequestID: "req-T100", MessageID: msg.ID,
			Type: EventQueued, CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, appendQueued)

	err := store.RunInTransaction(ctx, func(tx Tx) error {
		recorded, err := tx.HasResponseEvent(ctx, "req-T100", msg.ID)
		require.NoError(t, err)
		require.True(t, recorded)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteReconcileEndToEnd(t *testing.T) {
	t.Parallel()

	store, msg := sqliteHarness(t,
		submittedRequest(t, "T100", "30.00", "COLL-9"),
		submittedRequest(t, "T200", "70.00", "COLL-9"),
	)
	ctx := context.Background()
	g := graph.MustCompile([]byte(reconcileChartYAML))
	eng := engine.New(store.Subjects(), nil)
	poster := &recordingPoster{}

	rec := NewReconciler(store, eng,
		WithPoster(poster),
		WithPathMap(g, map[EventType]string{
			EventSucceeded: "succeed",
			EventFailed:    "fail",
		}),
	)

	report, err := rec.ReconcileFile(ctx, &ResponseFile{
		MessageID: msg.ID,
		Lines:     []ResponseLine{{ID: "COLL-9", Status: StatusSucceeded, ResponseCode: "OK"}},
	})
	require.NoError(t, err)
	require.Len(t, report.RecordedEvents(), 2)
	require.NotNil(t, report.Checkpoint)

	for _, requestID := range []string{"req-T100", "req-T200"} {
		subject, err := store.Subjects().LoadSubject(ctx, requestID)
		require.NoError(t, err)
		require.Equal(t, "Succeeded", subject.StateName())
		require.Equal(t, 2, subject.Version)

		transitions, err := store.Subjects().Transitions(ctx, requestID)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		require.Equal(t, "succeed", transitions[0].Path)

		events, err := store.EventsForRequest(ctx, requestID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		var response *Event
		for i := range events {
			if events[i].Type != EventQueued {
				response = &events[i]
			}
		}
		require.NotNil(t, response)
		require.Equal(t, EventSucceeded, response.Type)
		require.Equal(t, transitions[0].ID, response.TransitionID)
		require.NotEmpty(t, response.JournalID)
	}
	require.Len(t, poster.items, 2)

	checkpoint, err := store.MessageByID(ctx, report.Checkpoint.ID)
	require.NoError(t, err)
	require.Equal(t, MessageResponded, checkpoint.Type)
}

func TestSQLiteReconcileLineRollback(t *testing.T) {
	t.Parallel()

	store, msg := sqliteHarness(t,
		submittedRequest(t, "T100", "10.00", ""),
		submittedRequest(t, "T200", "20.00", ""),
	)
	ctx := context.Background()
	g := graph.MustCompile([]byte(reconcileChartYAML))
	eng := engine.New(store.Subjects(), nil)
	poster := &recordingPoster{failOn: "20.00"}

	rec := NewReconciler(store, eng,
		WithPoster(poster),
		WithPathMap(g, map[EventType]string{EventSucceeded: "succeed"}),
	)

	report, err := rec.ReconcileFile(ctx, &ResponseFile{
		MessageID: msg.ID,
		Lines: []ResponseLine{
			{ID: "T100", Status: StatusSucceeded},
			{ID: "T200", Status: StatusSucceeded},
		},
	})
	require.NoError(t, err)
	require.NoError(t, report.Results[0].Err)
	require.Error(t, report.Results[1].Err)

	// the failed line's database transaction rolled back as a unit
	subject, err := store.Subjects().LoadSubject(ctx, "req-T200")
	require.NoError(t, err)
	require.Equal(t, "Submitted", subject.StateName())
	require.Equal(t, 1, subject.Version)

	events, err := store.EventsForRequest(ctx, "req-T200")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventQueued, events[0].Type)

	transitions, err := store.Subjects().Transitions(ctx, "req-T200")
	require.NoError(t, err)
	require.Empty(t, transitions)
}
