package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/graph"
)

type sqlExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlRowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore persists subjects and transitions in SQLite. States are stored
// by name and rehydrated against the configured graph on load.
type SQLiteStore struct {
	db               *sql.DB
	chart            *graph.Graph
	subjectsTable    string
	transitionsTable string
}

// NewSQLiteStore builds a store using the given DB and subject table name.
func NewSQLiteStore(db *sql.DB, chart *graph.Graph, table string) *SQLiteStore {
	if table == "" {
		table = "subjects"
	}
	return &SQLiteStore{
		db:               db,
		chart:            chart,
		subjectsTable:    table,
		transitionsTable: table + "_transitions",
	}
}

// LoadSubject reads the persisted projection for id.
func (s *SQLiteStore) LoadSubject(ctx context.Context, id string) (*Subject, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	return s.loadSubject(ctx, s.db, id)
}

// Transitions returns the subject's transition records, oldest first.
func (s *SQLiteStore) Transitions(ctx context.Context, subjectID string) ([]Transition, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, subject_id, graph_name, path, from_state, to_state,
		stamp_before, stamp_after, journal_id, transfer_event_id, created_at
		FROM %s WHERE subject_id = ? ORDER BY created_at ASC, id ASC`, s.transitionsTable)
	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(subjectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var rec Transition
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &rec.Graph, &rec.Path, &rec.FromState, &rec.ToState,
			&rec.StampBefore, &rec.StampAfter, &rec.JournalID, &rec.TransferEventID, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseStoreTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunInTransaction executes fn in a DB transaction; completion callbacks run
// after commit or rollback.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if fn == nil {
		return nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx, dbtx); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	tx := &sqliteTx{store: s, tx: dbtx}
	defer tx.complete()
	if err := fn(tx); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	return dbtx.Commit()
}

func (s *SQLiteStore) loadSubject(ctx context.Context, q sqlRowQuerier, id string) (*Subject, error) {
	id = strings.TrimSpace(id)
	query := fmt.Sprintf(`SELECT subject_id, state, change_stamp, version,
		last_state_change_at, last_group_change_at FROM %s WHERE subject_id = ?`, s.subjectsTable)

	var subject Subject
	var stateName, stateChangedAt, groupChangedAt string
	err := q.QueryRowContext(ctx, query, id).Scan(&subject.ID, &stateName, &subject.ChangeStamp,
		&subject.Version, &stateChangedAt, &groupChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateflow.CloneError(stateflow.ErrNotFound,
			fmt.Sprintf("subject %q not found", id), nil, map[string]any{"subject_id": id})
	}
	if err != nil {
		return nil, err
	}
	if s.chart != nil && stateName != "" {
		st, err := s.chart.StateByName(stateName)
		if err != nil {
			return nil, err
		}
		subject.State = st
	}
	subject.LastStateChangeAt = parseStoreTime(stateChangedAt)
	subject.LastGroupChangeAt = parseStoreTime(groupChangedAt)
	return &subject, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context, exec sqlExecContext) error {
	if exec == nil {
		return errors.New("sqlite exec not configured")
	}
	subjectDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		subject_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		change_stamp INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		last_state_change_at TEXT,
		last_group_change_at TEXT,
		updated_at TEXT NOT NULL
	)`, s.subjectsTable)
	if _, err := exec.ExecContext(ctx, subjectDDL); err != nil {
		return err
	}
	transitionDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		graph_name TEXT,
		path TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT,
		stamp_before INTEGER NOT NULL DEFAULT 0,
		stamp_after INTEGER NOT NULL DEFAULT 0,
		journal_id TEXT,
		transfer_event_id TEXT,
		created_at TEXT NOT NULL
	)`, s.transitionsTable)
	_, err := exec.ExecContext(ctx, transitionDDL)
	return err
}

type sqliteTx struct {
	store       *SQLiteStore
	tx          *sql.Tx
	completions []func()
}

func (t *sqliteTx) SaveSubject(ctx context.Context, subject *Subject) error {
	if t == nil || t.tx == nil {
		return errors.New("sqlite tx not configured")
	}
	if subject == nil || strings.TrimSpace(subject.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "subject id required", nil, nil)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if subject.Version <= 0 {
		query := fmt.Sprintf(`INSERT INTO %s (subject_id, state, change_stamp, version,
			last_state_change_at, last_group_change_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?, ?)`, t.store.subjectsTable)
		_, err := t.tx.ExecContext(ctx, query, subject.ID, subject.StateName(), subject.ChangeStamp,
			formatStoreTime(subject.LastStateChangeAt), formatStoreTime(subject.LastGroupChangeAt), now)
		if err != nil {
			if isSQLiteUniqueConstraintError(err) {
				return stateflow.CloneError(stateflow.ErrVersionConflict,
					fmt.Sprintf("subject %q already exists", subject.ID), err, map[string]any{
						"subject_id": subject.ID,
					})
			}
			return err
		}
		subject.Version = 1
		return nil
	}

	query := fmt.Sprintf(`UPDATE %s SET state = ?, change_stamp = ?, version = ?,
		last_state_change_at = ?, last_group_change_at = ?, updated_at = ?
		WHERE subject_id = ? AND version = ?`, t.store.subjectsTable)
	res, err := t.tx.ExecContext(ctx, query, subject.StateName(), subject.ChangeStamp, subject.Version+1,
		formatStoreTime(subject.LastStateChangeAt), formatStoreTime(subject.LastGroupChangeAt), now,
		subject.ID, subject.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return stateflow.CloneError(stateflow.ErrVersionConflict,
			fmt.Sprintf("subject %q version %d is stale", subject.ID, subject.Version), nil, map[string]any{
				"subject_id": subject.ID,
				"expected":   subject.Version,
			})
	}
	subject.Version++
	return nil
}

func (t *sqliteTx) AppendTransition(ctx context.Context, rec *Transition) error {
	if t == nil || t.tx == nil {
		return errors.New("sqlite tx not configured")
	}
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "transition id required", nil, nil)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, subject_id, graph_name, path, from_state, to_state,
		stamp_before, stamp_after, journal_id, transfer_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.store.transitionsTable)
	_, err := t.tx.ExecContext(ctx, query, rec.ID, rec.SubjectID, rec.Graph, rec.Path, rec.FromState,
		rec.ToState, rec.StampBefore, rec.StampAfter, rec.JournalID, rec.TransferEventID,
		formatStoreTime(rec.CreatedAt))
	if err != nil && isSQLiteUniqueConstraintError(err) {
		return stateflow.CloneError(stateflow.ErrLogic,
			fmt.Sprintf("transition %q already recorded", rec.ID), err, map[string]any{
				"transition_id": rec.ID,
			})
	}
	return err
}

// DBTx exposes the underlying database transaction so callers can persist
// their own records inside the same commit scope.
func (t *sqliteTx) DBTx() *sql.Tx {
	if t == nil {
		return nil
	}
	return t.tx
}

func (t *sqliteTx) OnComplete(fn func()) {
	if fn != nil {
		t.completions = append(t.completions, fn)
	}
}

func (t *sqliteTx) complete() {
	for _, fn := range t.completions {
		fn()
	}
	t.completions = nil
}

func formatStoreTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseStoreTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

func isSQLiteUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
