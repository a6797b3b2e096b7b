package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	stateflow "github.com/goliatone/go-stateflow"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "stateflow.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_journal=WAL")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStoreSaveAndLoad(t *testing.T) {
	t.Parallel()

	g := testChart(t)
	store := NewSQLiteStore(openTestDB(t), g, "subjects")
	ctx := context.Background()

	draft, err := g.StateByName("Draft")
	require.NoError(t, err)
	subject := &Subject{
		ID:                "req-sql-1",
		State:             draft,
		ChangeStamp:       0x05,
		LastStateChangeAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}

	require.NoError(t, store.RunInTransaction(ctx, func(tx Tx) error {
		return tx.SaveSubject(ctx, subject)
	}))
	require.Equal(t, 1, subject.Version)

	loaded, err := store.LoadSubject(ctx, "req-sql-1")
	require.NoError(t, err)
	require.Equal(t, "Draft", loaded.StateName())
	require.Equal(t, uint32(0x05), loaded.ChangeStamp)
	require.Equal(t, 1, loaded.Version)
	require.True(t, loaded.LastStateChangeAt.Equal(subject.LastStateChangeAt))
	require.NotNil(t, loaded.State.Group, "state must rehydrate with its group")
}

func TestSQLiteStoreLoadMissingSubject(t *testing.T) {
	t.Parallel()

	store := NewSQLiteStore(openTestDB(t), testChart(t), "subjects")
	_, err := store.LoadSubject(context.Background(), "ghost")
	require.True(t, stateflow.IsNotFound(err), "got %v", err)
}

func TestSQLiteStoreStaleVersionConflicts(t *testing.T) {
	t.Parallel()

	g := testChart(t)
	store := NewSQLiteStore(openTestDB(t), g, "subjects")
	ctx := context.Background()

	draft, err := g.StateByName("Draft")
	require.NoError(t, err)
	seed := &Subject{ID: "req-sql-2", State: draft}
	require.NoError(t, store.RunInTransaction(ctx, func(tx Tx) error {
		return tx.SaveSubject(ctx, seed)
	}))

	stale := &Subject{ID: "req-sql-2", State: draft, Version: 9}
	err = store.RunInTransaction(ctx, func(tx Tx) error {
		return tx.SaveSubject(ctx, stale)
	})
	require.True(t, stateflow.IsVersionConflict(err), "got %v", err)
}

func TestSQLiteStoreTransitionRoundTrip(t *testing.T) {
	t.Parallel()

	g := testChart(t)
	store := NewSQLiteStore(openTestDB(t), g, "subjects")
	ctx := context.Background()

	first := &Transition{
		ID:          "t-sql-1",
		SubjectID:   "req-sql-3",
		Graph:       "funds_transfer",
		Path:        "submit",
		FromState:   "Draft",
		ToState:     "Submitted",
		StampBefore: 0x05,
		StampAfter:  0x06,
		JournalID:   "jr-1",
		CreatedAt:   time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	second := &Transition{
		ID:        "t-sql-2",
		SubjectID: "req-sql-3",
		Path:      "succeed",
		CreatedAt: first.CreatedAt.Add(time.Minute),
	}

	require.NoError(t, store.RunInTransaction(ctx, func(tx Tx) error {
		if err := tx.AppendTransition(ctx, first); err != nil {
			return err
		}
		return tx.AppendTransition(ctx, second)
	}))

	recs, err := store.Transitions(ctx, "req-sql-3")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "submit", recs[0].Path)
	require.Equal(t, "jr-1", recs[0].JournalID)
	require.Equal(t, uint32(0x06), recs[0].StampAfter)
	require.Equal(t, "succeed", recs[1].Path)
}

func TestSQLiteStoreDuplicateTransitionID(t *testing.T) {
	t.Parallel()

	store := NewSQLiteStore(openTestDB(t), testChart(t), "subjects")
	ctx := context.Background()

	rec := &Transition{ID: "t-dup", SubjectID: "s", Path: "submit", CreatedAt: time.Now().UTC()}
	err := store.RunInTransaction(ctx, func(tx Tx) error {
		if err := tx.AppendTransition(ctx, rec); err != nil {
			return err
		}
		return tx.AppendTransition(ctx, rec)
	})
	require.True(t, stateflow.IsLogic(err), "got %v", err)
}

func TestEngineTraversalOverSQLite(t *testing.T) {
	t.Parallel()

	g := testChart(t)
	store := NewSQLiteStore(openTestDB(t), g, "subjects")
	eng := New(store, nil)
	ctx := context.Background()

	draft, err := g.StateByName("Draft")
	require.NoError(t, err)
	subject := &Subject{ID: "req-sql-4", State: draft, ChangeStamp: 0x05}

	submit, err := g.PathByName("submit")
	require.NoError(t, err)

	rec, err := eng.FollowPath(ctx, stateflow.NewSession("ops"), subject, submit, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0x06), rec.StampAfter)

	loaded, err := store.LoadSubject(ctx, "req-sql-4")
	require.NoError(t, err)
	require.Equal(t, "Submitted", loaded.StateName())
	require.Equal(t, uint32(0x06), loaded.ChangeStamp)

	recs, err := store.Transitions(ctx, "req-sql-4")
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestEngineRollbackOverSQLite(t *testing.T) {
	t.Parallel()

	g := testChart(t)
	store := NewSQLiteStore(openTestDB(t), g, "subjects")
	reg := NewActionRegistry()
	for _, id := range []string{"note", "charge"} {
		require.NoError(t, reg.Register(ActionFunc(id, nil, func(context.Context, *Traversal) error { return nil })))
	}
	require.NoError(t, reg.Register(ActionFunc("confirm", nil, func(context.Context, *Traversal) error {
		return fmt.Errorf("posting rejected")
	})))
	eng := New(store, reg)
	ctx := context.Background()

	draft, err := g.StateByName("Draft")
	require.NoError(t, err)
	subject := &Subject{ID: "req-sql-5", State: draft, ChangeStamp: 0x05}

	billed, err := g.PathByName("submit_billed")
	require.NoError(t, err)

	_, err = eng.FollowPath(ctx, stateflow.NewSession("ops"), subject, billed, stateflow.Args{"memo": "x"})
	require.Error(t, err)
	require.Equal(t, "Draft", subject.StateName())

	_, err = store.LoadSubject(ctx, "req-sql-5")
	require.True(t, stateflow.IsNotFound(err), "rollback must leave no row, got %v", err)

	recs, err := store.Transitions(ctx, "req-sql-5")
	require.NoError(t, err)
	require.Empty(t, recs)
}
