package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresActionTableName  = "fieldsync_actions"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresActionQueue backs the action queue with a shared Postgres
// database, for deployments where the agent runs next to the coordinator
// rather than on a disconnected device.
type PostgresActionQueue struct {
	dsn       string
	tableName string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresActionQueue(dsn string, capacity int) (ActionQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresActionQueue{
		dsn:       dsn,
		tableName: postgresActionTableName,
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

func (q *PostgresActionQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				kind TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				retry_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_status_enqueued_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (status, enqueued_at, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresActionQueue) Enqueue(kind ActionKind, payload ActionPayload) (int64, error) {
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
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
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

	lockKey := postgresActionLockKey(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return 0, err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = 'pending'", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery).Scan(&depth); err != nil {
		return 0, err
	}
	if depth >= q.capacity {
		return 0, ErrQueueFull
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (kind, payload, status, enqueued_at) VALUES ($1, $2, 'pending', NOW()) RETURNING id",
		postgresQuoteIdentifier(q.tableName),
	)
	var id int64
	if err := tx.QueryRowContext(ctx, insertQuery, string(kind), string(encoded)).Scan(&id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return id, nil
}

func (q *PostgresActionQueue) ListPending() ([]QueuedAction, error) {
	return q.listByStatus(ActionStatusPending)
}

func (q *PostgresActionQueue) ListFailed() ([]QueuedAction, error) {
	return q.listByStatus(ActionStatusFailed)
}

func (q *PostgresActionQueue) listByStatus(status ActionStatus) ([]QueuedAction, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, kind, payload, status, retry_count, last_error, enqueued_at FROM %s WHERE status = $1 ORDER BY enqueued_at ASC, id ASC",
		postgresQuoteIdentifier(q.tableName),
	)
	rows, err := q.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]QueuedAction, 0)
	for rows.Next() {
		var (
			action  QueuedAction
			kind    string
			payload string
			state   string
		)
		if err := rows.Scan(&action.ID, &kind, &payload, &state, &action.RetryCount, &action.LastError, &action.EnqueuedAt); err != nil {
			return nil, err
		}
		action.Kind = ActionKind(kind)
		action.Status = ActionStatus(state)
		if err := json.Unmarshal([]byte(payload), &action.Payload); err != nil {
			return nil, err
		}
		items = append(items, action)
	}
	return items, rows.Err()
}

func (q *PostgresActionQueue) Remove(id int64) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (q *PostgresActionQueue) RecordFailure(id int64, errMsg string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
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

	selectQuery := fmt.Sprintf("SELECT retry_count FROM %s WHERE id = $1 FOR UPDATE", postgresQuoteIdentifier(q.tableName))
	var retryCount int
	err = tx.QueryRowContext(ctx, selectQuery, id).Scan(&retryCount)
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
	updateQuery := fmt.Sprintf(
		"UPDATE %s SET retry_count = $1, last_error = $2, status = $3 WHERE id = $4",
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := tx.ExecContext(ctx, updateQuery, retryCount, errMsg, string(status), id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *PostgresActionQueue) Retry(id int64) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET status = 'pending', retry_count = 0, last_error = '' WHERE id = $1 AND status = 'failed'",
		postgresQuoteIdentifier(q.tableName),
	)
	result, err := q.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (q *PostgresActionQueue) PendingCount() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = 'pending'", postgresQuoteIdentifier(q.tableName))
	var count int
	if err := q.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0
	}
	return count
}

func (q *PostgresActionQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresActionLockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
