package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteActionTableName  = "fieldsync_actions"
	sqliteOperationTimeout = 5 * time.Second
	// enqueued_at holds unix nanoseconds so that ordering stays numeric;
	// text timestamps with variable-width fractions do not sort chronologically.
	sqliteActionTableSchema = `
		CREATE TABLE IF NOT EXISTS ` + sqliteActionTableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			enqueued_at INTEGER NOT NULL
		)`
)

// SQLiteActionQueue is the durable queue used on field devices: a single
// local database file, written synchronously on every enqueue.
type SQLiteActionQueue struct {
	path     string
	capacity int
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

func NewSQLiteActionQueue(path string, capacity int) (ActionQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &SQLiteActionQueue{
		path:     path,
		capacity: capacity,
		openDB:   sql.Open,
	}, nil
}

func (q *SQLiteActionQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		if dir := filepath.Dir(q.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				q.initErr = err
				return
			}
		}
		db, err := q.openDB("sqlite3", q.path)
		if err != nil {
			q.initErr = err
			return
		}
		// A single writer; serialized access avoids SQLITE_BUSY races.
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, sqliteActionTableSchema); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *SQLiteActionQueue) Enqueue(kind ActionKind, payload ActionPayload) (int64, error) {
	if err := ValidateAction(kind, payload); err != nil {
		return 0, err
	}
	if err := q.ensureReady(); err != nil {
		return 0, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var depth int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+sqliteActionTableName+" WHERE status = 'pending'",
	).Scan(&depth); err != nil {
		return 0, err
	}
	if depth >= q.capacity {
		return 0, ErrQueueFull
	}
	result, err := tx.ExecContext(ctx,
		"INSERT INTO "+sqliteActionTableName+" (kind, payload, status, enqueued_at) VALUES (?, ?, 'pending', ?)",
		string(kind), string(encoded), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return id, nil
}

func (q *SQLiteActionQueue) ListPending() ([]QueuedAction, error) {
	return q.listByStatus(ActionStatusPending)
}

func (q *SQLiteActionQueue) ListFailed() ([]QueuedAction, error) {
	return q.listByStatus(ActionStatusFailed)
}

func (q *SQLiteActionQueue) listByStatus(status ActionStatus) ([]QueuedAction, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	rows, err := q.db.QueryContext(ctx,
		"SELECT id, kind, payload, status, retry_count, last_error, enqueued_at FROM "+
			sqliteActionTableName+" WHERE status = ? ORDER BY enqueued_at ASC, id ASC",
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]QueuedAction, 0)
	for rows.Next() {
		action, err := scanQueuedAction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, action)
	}
	return items, rows.Err()
}

func (q *SQLiteActionQueue) Remove(id int64) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	result, err := q.db.ExecContext(ctx, "DELETE FROM "+sqliteActionTableName+" WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (q *SQLiteActionQueue) RecordFailure(id int64, errMsg string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var retryCount int
	err = tx.QueryRowContext(ctx,
		"SELECT retry_count FROM "+sqliteActionTableName+" WHERE id = ?", id,
	).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	retryCount++
	status := ActionStatusPending
	if retryCount >= actionRetryCeiling {
		status = ActionStatusFailed
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE "+sqliteActionTableName+" SET retry_count = ?, last_error = ?, status = ? WHERE id = ?",
		retryCount, errMsg, string(status), id,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *SQLiteActionQueue) Retry(id int64) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	result, err := q.db.ExecContext(ctx,
		"UPDATE "+sqliteActionTableName+" SET status = 'pending', retry_count = 0, last_error = '' WHERE id = ? AND status = 'failed'",
		id,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (q *SQLiteActionQueue) PendingCount() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var count int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+sqliteActionTableName+" WHERE status = 'pending'",
	).Scan(&count); err != nil {
		return 0
	}
	return count
}

func (q *SQLiteActionQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

type actionRowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedAction(row actionRowScanner) (QueuedAction, error) {
	var (
		action     QueuedAction
		kind       string
		payload    string
		status     string
		enqueuedAt int64
	)
	if err := row.Scan(&action.ID, &kind, &payload, &status, &action.RetryCount, &action.LastError, &enqueuedAt); err != nil {
		return QueuedAction{}, err
	}
	action.Kind = ActionKind(kind)
	action.Status = ActionStatus(status)
	if err := json.Unmarshal([]byte(payload), &action.Payload); err != nil {
		return QueuedAction{}, err
	}
	action.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	return action, nil
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
