package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
	"github.com/goliatone/go-stateflow/graph"
)

// SQLiteStore persists transfer records in SQLite on top of the engine's
// subject store. Both write through one database transaction per
// RunInTransaction call, so a response line's event, transition, and journal
// binding commit or roll back together.
type SQLiteStore struct {
	db       *sql.DB
	chart    *graph.Graph
	subjects *engine.SQLiteStore
	prefix   string
}

// NewSQLiteStore builds a store over db with the given table prefix
// ("transfer" when empty). Subject states are rehydrated against chart.
func NewSQLiteStore(db *sql.DB, chart *graph.Graph, prefix string) *SQLiteStore {
	if prefix == "" {
		prefix = "transfer"
	}
	return &SQLiteStore{
		db:       db,
		chart:    chart,
		subjects: engine.NewSQLiteStore(db, chart, prefix+"_subjects"),
		prefix:   prefix,
	}
}

// Subjects exposes the engine-facing store for wiring an Engine over the same
// database.
func (s *SQLiteStore) Subjects() *engine.SQLiteStore {
	if s == nil {
		return nil
	}
	return s.subjects
}

// RunInTransaction joins the engine's database transaction for transfer
// writes; both commit together or not at all.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transfer store not configured")
	}
	if fn == nil {
		return nil
	}
	return s.subjects.RunInTransaction(ctx, func(etx engine.Tx) error {
		shared, ok := etx.(interface{ DBTx() *sql.Tx })
		if !ok || shared.DBTx() == nil {
			return stateflow.CloneError(stateflow.ErrLogic,
				"engine transaction does not expose a database handle", nil, nil)
		}
		dbtx := shared.DBTx()
		if err := s.ensureSchema(ctx, dbtx); err != nil {
			return err
		}
		return fn(&sqliteTx{store: s, Tx: etx, tx: dbtx})
	})
}

// MessageByID loads a batch message hydrated with its batch, the batch's
// requests (workflow projections attached), and the message's events.
func (s *SQLiteStore) MessageByID(ctx context.Context, id string) (*BatchMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transfer store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)

	var msg BatchMessage
	var createdAt string
	query := fmt.Sprintf(`SELECT id, batch_id, type, created_at FROM %s_messages WHERE id = ?`, s.prefix)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&msg.ID, &msg.BatchID, &msg.Type, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateflow.CloneError(stateflow.ErrNotFound,
			fmt.Sprintf("batch message %q not found", id), nil, map[string]any{"message_id": id})
	}
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = parseStoreTime(createdAt)

	batch, err := s.loadBatch(ctx, msg.BatchID)
	if err != nil && !stateflow.IsNotFound(err) {
		return nil, err
	}
	msg.Batch = batch

	requests, err := s.loadBatchRequests(ctx, msg.BatchID)
	if err != nil {
		return nil, err
	}
	byRequestID := make(map[string]*Request, len(requests))
	for _, req := range requests {
		byRequestID[req.ID] = req
	}
	if msg.Batch != nil {
		msg.Batch.Requests = requests
	}

	events, err := s.loadMessageEvents(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		ev.Request = byRequestID[ev.RequestID]
	}
	msg.Events = events
	return &msg, nil
}

// EventsForRequest returns the request's recorded events, oldest first.
func (s *SQLiteStore) EventsForRequest(ctx context.Context, requestID string) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transfer store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, request_id, message_id, transition_id, journal_id, type,
		response_code, trace_code, comments, created_at
		FROM %s_events WHERE request_id = ? ORDER BY created_at ASC, id ASC`, s.prefix)
	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadBatch(ctx context.Context, id string) (*Batch, error) {
	var batch Batch
	var batchDate string
	query := fmt.Sprintf(`SELECT id, description, credit_system, batch_date FROM %s_batches WHERE id = ?`, s.prefix)
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(id)).Scan(
		&batch.ID, &batch.Description, &batch.CreditSystem, &batchDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateflow.CloneError(stateflow.ErrNotFound,
			fmt.Sprintf("batch %q not found", id), nil, map[string]any{"batch_id": id})
	}
	if err != nil {
		return nil, err
	}
	batch.Date = parseStoreTime(batchDate)
	return &batch, nil
}

func (s *SQLiteStore) loadBatchRequests(ctx context.Context, batchID string) ([]*Request, error) {
	query := fmt.Sprintf(`SELECT id, transaction_id, amount, account_cipher, collation_id, batch_id
		FROM %s_requests WHERE batch_id = ? ORDER BY transaction_id ASC`, s.prefix)
	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(batchID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		var req Request
		var amount string
		if err := rows.Scan(&req.Subject.ID, &req.TransactionID, &amount,
			&req.AccountCipher, &req.CollationID, &req.BatchID); err != nil {
			return nil, err
		}
		req.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, stateflow.CloneError(stateflow.ErrSchema,
				fmt.Sprintf("request %q carries a malformed amount %q", req.ID, amount), err, map[string]any{
					"request_id": req.ID,
				})
		}
		out = append(out, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, req := range out {
		subject, err := s.subjects.LoadSubject(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		req.Subject = *subject
	}
	return out, nil
}

func (s *SQLiteStore) loadMessageEvents(ctx context.Context, messageID string) ([]*Event, error) {
	query := fmt.Sprintf(`SELECT id, request_id, message_id, transition_id, journal_id, type,
		response_code, trace_code, comments, created_at
		FROM %s_events WHERE message_id = ? ORDER BY created_at ASC, id ASC`, s.prefix)
	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(messageID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var ev Event
	var createdAt string
	if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.MessageID, &ev.TransitionID, &ev.JournalID,
		&ev.Type, &ev.ResponseCode, &ev.TraceCode, &ev.Comments, &createdAt); err != nil {
		return nil, err
	}
	ev.CreatedAt = parseStoreTime(createdAt)
	return &ev, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context, exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}) error {
	if exec == nil {
		return errors.New("sqlite exec not configured")
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_batches (
			id TEXT PRIMARY KEY,
			description TEXT,
			credit_system TEXT,
			batch_date TEXT
		)`, s.prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_requests (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			amount TEXT NOT NULL,
			account_cipher TEXT,
			collation_id TEXT,
			batch_id TEXT
		)`, s.prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_messages (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`, s.prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_events (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			message_id TEXT,
			transition_id TEXT,
			journal_id TEXT,
			type TEXT NOT NULL,
			response_code TEXT,
			trace_code TEXT,
			comments TEXT,
			created_at TEXT NOT NULL
		)`, s.prefix),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_events_response_idx
			ON %s_events (request_id, message_id) WHERE type <> 'Queued'`, s.prefix, s.prefix),
	}
	for _, stmt := range ddl {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type sqliteTx struct {
	engine.Tx

	store *SQLiteStore
	tx    *sql.Tx
}

func (t *sqliteTx) SaveBatch(ctx context.Context, batch *Batch) error {
	if batch == nil || strings.TrimSpace(batch.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "batch id required", nil, nil)
	}
	query := fmt.Sprintf(`INSERT INTO %s_batches (id, description, credit_system, batch_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET description = excluded.description,
			credit_system = excluded.credit_system, batch_date = excluded.batch_date`, t.store.prefix)
	_, err := t.tx.ExecContext(ctx, query, batch.ID, batch.Description, batch.CreditSystem,
		formatStoreTime(batch.Date))
	return err
}

func (t *sqliteTx) SaveRequest(ctx context.Context, req *Request) error {
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "request id required", nil, nil)
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic,
			fmt.Sprintf("request %q requires a transaction id", req.ID), nil, map[string]any{
				"request_id": req.ID,
			})
	}
	if err := t.SaveSubject(ctx, &req.Subject); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s_requests (id, transaction_id, amount, account_cipher, collation_id, batch_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET transaction_id = excluded.transaction_id,
			amount = excluded.amount, account_cipher = excluded.account_cipher,
			collation_id = excluded.collation_id, batch_id = excluded.batch_id`, t.store.prefix)
	_, err := t.tx.ExecContext(ctx, query, req.ID, req.TransactionID, req.Amount.String(),
		req.AccountCipher, req.CollationID, req.BatchID)
	return err
}

func (t *sqliteTx) SaveMessage(ctx context.Context, msg *BatchMessage) error {
	if msg == nil || strings.TrimSpace(msg.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "batch message id required", nil, nil)
	}
	query := fmt.Sprintf(`INSERT INTO %s_messages (id, batch_id, type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET batch_id = excluded.batch_id,
			type = excluded.type, created_at = excluded.created_at`, t.store.prefix)
	_, err := t.tx.ExecContext(ctx, query, msg.ID, msg.BatchID, string(msg.Type),
		formatStoreTime(msg.CreatedAt))
	return err
}

func (t *sqliteTx) AppendEvent(ctx context.Context, ev *Event) error {
	if ev == nil || strings.TrimSpace(ev.ID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic, "event id required", nil, nil)
	}
	if strings.TrimSpace(ev.RequestID) == "" {
		return stateflow.CloneError(stateflow.ErrLogic,
			fmt.Sprintf("event %q requires a request id", ev.ID), nil, map[string]any{
				"event_id": ev.ID,
			})
	}
	query := fmt.Sprintf(`INSERT INTO %s_events (id, request_id, message_id, transition_id, journal_id,
		type, response_code, trace_code, comments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.store.prefix)
	_, err := t.tx.ExecContext(ctx, query, ev.ID, ev.RequestID, ev.MessageID, ev.TransitionID,
		ev.JournalID, string(ev.Type), ev.ResponseCode, ev.TraceCode, ev.Comments,
		formatStoreTime(ev.CreatedAt))
	if err != nil && isUniqueConstraintError(err) {
		return stateflow.CloneError(stateflow.ErrLogic,
			fmt.Sprintf("request %q already has a response event for message %q", ev.RequestID, ev.MessageID),
			err, map[string]any{
				"request_id": ev.RequestID,
				"message_id": ev.MessageID,
			})
	}
	return err
}

func (t *sqliteTx) HasResponseEvent(ctx context.Context, requestID, messageID string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s_events
		WHERE request_id = ? AND message_id = ? AND type <> 'Queued' LIMIT 1`, t.store.prefix)
	var one int
	err := t.tx.QueryRowContext(ctx, query, strings.TrimSpace(requestID), strings.TrimSpace(messageID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
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

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
