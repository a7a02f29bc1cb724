// Copyright 2025 The trigger-dev Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite store implementation using the
// pure-Go modernc driver. Suitable for single-node deployments and
// integration tests; the schema mirrors what a PostgreSQL deployment
// would use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BunsDev/trigger-dev/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.Store    = (*Store)(nil)
	_ store.RunStore = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	friendly_id TEXT NOT NULL DEFAULT '',
	task_identifier TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	payload_type TEXT NOT NULL DEFAULT 'application/json',
	organization_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	environment_id TEXT NOT NULL,
	environment_type TEXT NOT NULL,
	queue_name TEXT NOT NULL,
	master_queue TEXT NOT NULL,
	concurrency_key TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	consumer_id TEXT NOT NULL DEFAULT '',
	max_attempts INTEGER NOT NULL DEFAULT 1,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	ttl_ns INTEGER NOT NULL DEFAULT 0,
	delay_until TIMESTAMP,
	tags TEXT NOT NULL DEFAULT '[]',
	parent_run_id TEXT NOT NULL DEFAULT '',
	parent_attempt_id TEXT NOT NULL DEFAULT '',
	root_run_id TEXT NOT NULL DEFAULT '',
	batch_id TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0,
	resume_parent_on_completion INTEGER NOT NULL DEFAULT 0,
	associated_waitpoint_id TEXT NOT NULL DEFAULT '',
	trace_context TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	output_type TEXT NOT NULL DEFAULT '',
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	queued_at TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	expired_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_friendly ON runs(friendly_id);
CREATE INDEX IF NOT EXISTS idx_runs_idempotency ON runs(environment_id, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_runs_status_updated ON runs(status, updated_at);

CREATE TABLE IF NOT EXISTS snapshots (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	run_id TEXT NOT NULL,
	execution_status TEXT NOT NULL,
	run_status TEXT NOT NULL,
	attempt_number INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	completed_waitpoint_ids TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_run ON snapshots(run_id, seq);

CREATE TABLE IF NOT EXISTS waitpoints (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	completed_after TIMESTAMP,
	completed_by_run_id TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	output_is_error INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_waitpoints (
	run_id TEXT NOT NULL,
	waitpoint_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, waitpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_run_waitpoints_wp ON run_waitpoints(waitpoint_id);

CREATE TABLE IF NOT EXISTS task_queues (
	environment_id TEXT NOT NULL,
	name TEXT NOT NULL,
	concurrency_limit INTEGER,
	type TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (environment_id, name)
);

CREATE TABLE IF NOT EXISTS attempts (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	status TEXT NOT NULL,
	worker_id TEXT NOT NULL DEFAULT '',
	error TEXT,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id, number);
`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite-backed store.
type Store struct {
	db *sql.DB
	conn
}

// conn carries the querier shared by direct and transactional views.
type conn struct {
	q querier
}

// txStore is the transactional view handed to WithTx callbacks.
type txStore struct {
	conn
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	// Already inside a transaction; compose.
	return fn(t)
}

func (t *txStore) Close() error { return nil }

// Open opens (and migrates) a SQLite store at the given path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	// The modernc driver serialises writes; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return &Store{db: db, conn: conn{q: db}}, nil
}

// WithTx runs fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	view := &txStore{conn: conn{q: tx}}
	if err := fn(view); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rolling back after %w: %v", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// --- RunStore ---

const runColumns = `id, friendly_id, task_identifier, payload, payload_type,
	organization_id, project_id, environment_id, environment_type,
	queue_name, master_queue, concurrency_key, idempotency_key, consumer_id,
	max_attempts, attempt_count, ttl_ns, delay_until, tags,
	parent_run_id, parent_attempt_id, root_run_id, batch_id, depth,
	resume_parent_on_completion, associated_waitpoint_id, trace_context,
	status, output, output_type, error,
	created_at, updated_at, queued_at, started_at, completed_at, expired_at`

func (c *conn) CreateRun(ctx context.Context, run *store.Run) error {
	tags, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	errJSON, err := marshalError(run.Error)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`) VALUES
		(?,?,?,?,?, ?,?,?,?, ?,?,?,?,?, ?,?,?,?,?, ?,?,?,?,?, ?,?,?, ?,?,?,?, ?,?,?,?,?,?)`,
		run.ID, run.FriendlyID, run.TaskIdentifier, run.Payload, run.PayloadType,
		run.OrganizationID, run.ProjectID, run.EnvironmentID, run.EnvironmentType,
		run.QueueName, run.MasterQueue, run.ConcurrencyKey, run.IdempotencyKey, run.ConsumerID,
		run.MaxAttempts, run.AttemptCount, int64(run.TTL), run.DelayUntil, string(tags),
		run.ParentRunID, run.ParentAttemptID, run.RootRunID, run.BatchID, run.Depth,
		boolToInt(run.ResumeParentOnCompletion), run.AssociatedWaitpointID, run.TraceContext,
		string(run.Status), run.Output, run.OutputType, errJSON,
		run.CreatedAt, run.UpdatedAt, run.QueuedAt, run.StartedAt, run.CompletedAt, run.ExpiredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (c *conn) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? OR friendly_id = ? LIMIT 1`, id, id)
	return scanRun(row)
}

func (c *conn) GetRunByIdempotencyKey(ctx context.Context, environmentID, key string) (*store.Run, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE environment_id = ? AND idempotency_key = ?
		 ORDER BY created_at DESC LIMIT 1`,
		environmentID, key)
	return scanRun(row)
}

func (c *conn) UpdateRun(ctx context.Context, run *store.Run) error {
	errJSON, err := marshalError(run.Error)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `UPDATE runs SET
		status = ?, attempt_count = ?, output = ?, output_type = ?, error = ?,
		consumer_id = ?, associated_waitpoint_id = ?, updated_at = ?,
		queued_at = ?, started_at = ?, completed_at = ?, expired_at = ?
		WHERE id = ?`,
		string(run.Status), run.AttemptCount, run.Output, run.OutputType, errJSON,
		run.ConsumerID, run.AssociatedWaitpointID, time.Now().UTC(),
		run.QueuedAt, run.StartedAt, run.CompletedAt, run.ExpiredAt,
		run.ID)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *conn) ListWaitingToResumeOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*store.Run, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC LIMIT ?`,
		string(store.RunStatusWaitingToResume), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stalled runs: %w", err)
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- SnapshotStore ---

func (c *conn) AppendSnapshot(ctx context.Context, snap *store.ExecutionSnapshot) error {
	wpIDs, err := json.Marshal(snap.CompletedWaitpointIDs)
	if err != nil {
		return fmt.Errorf("encoding waitpoint ids: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `INSERT INTO snapshots
		(id, run_id, execution_status, run_status, attempt_number, worker_id, description, completed_waitpoint_ids, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		snap.ID, snap.RunID, string(snap.ExecutionStatus), string(snap.RunStatus),
		snap.AttemptNumber, snap.WorkerID, snap.Description, string(wpIDs), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending snapshot: %w", err)
	}
	return nil
}

func (c *conn) LatestSnapshot(ctx context.Context, runID string) (*store.ExecutionSnapshot, error) {
	row := c.q.QueryRowContext(ctx, `SELECT id, run_id, execution_status, run_status, attempt_number,
		worker_id, description, completed_waitpoint_ids, created_at
		FROM snapshots WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	return scanSnapshot(row)
}

func (c *conn) ListSnapshots(ctx context.Context, runID string) ([]*store.ExecutionSnapshot, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT id, run_id, execution_status, run_status, attempt_number,
		worker_id, description, completed_waitpoint_ids, created_at
		FROM snapshots WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []*store.ExecutionSnapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// --- WaitpointStore ---

func (c *conn) CreateWaitpoint(ctx context.Context, wp *store.Waitpoint) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO waitpoints
		(id, project_id, type, status, completed_after, completed_by_run_id, idempotency_key, output, output_is_error, created_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		wp.ID, wp.ProjectID, string(wp.Type), string(wp.Status), wp.CompletedAfter,
		wp.CompletedByRunID, wp.IdempotencyKey, wp.Output, boolToInt(wp.OutputIsError),
		wp.CreatedAt, wp.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting waitpoint: %w", err)
	}
	return nil
}

func (c *conn) GetWaitpoint(ctx context.Context, id string) (*store.Waitpoint, error) {
	row := c.q.QueryRowContext(ctx, `SELECT id, project_id, type, status, completed_after,
		completed_by_run_id, idempotency_key, output, output_is_error, created_at, completed_at
		FROM waitpoints WHERE id = ?`, id)
	return scanWaitpoint(row)
}

func (c *conn) MarkWaitpointCompleted(ctx context.Context, id, output string, outputIsError bool, at time.Time) (*store.Waitpoint, error) {
	// A completed waitpoint is never reopened.
	_, err := c.q.ExecContext(ctx, `UPDATE waitpoints
		SET status = ?, output = ?, output_is_error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(store.WaitpointStatusCompleted), output, boolToInt(outputIsError), at,
		id, string(store.WaitpointStatusPending))
	if err != nil {
		return nil, fmt.Errorf("completing waitpoint: %w", err)
	}
	return c.GetWaitpoint(ctx, id)
}

func (c *conn) CreateRunWaitpoint(ctx context.Context, rw *store.RunWaitpoint) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO run_waitpoints (run_id, waitpoint_id, project_id, created_at)
		VALUES (?,?,?,?)`,
		rw.RunID, rw.WaitpointID, rw.ProjectID, rw.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting run waitpoint: %w", err)
	}
	return nil
}

func (c *conn) DeleteRunWaitpointsByWaitpoint(ctx context.Context, waitpointID string) ([]string, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT run_id FROM run_waitpoints WHERE waitpoint_id = ?`, waitpointID)
	if err != nil {
		return nil, fmt.Errorf("loading run waitpoints: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := c.q.ExecContext(ctx, `DELETE FROM run_waitpoints WHERE waitpoint_id = ?`, waitpointID); err != nil {
		return nil, fmt.Errorf("deleting run waitpoints: %w", err)
	}
	return runIDs, nil
}

func (c *conn) ListBlockersForRun(ctx context.Context, runID string) ([]*store.Waitpoint, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT w.id, w.project_id, w.type, w.status, w.completed_after,
		w.completed_by_run_id, w.idempotency_key, w.output, w.output_is_error, w.created_at, w.completed_at
		FROM waitpoints w JOIN run_waitpoints rw ON rw.waitpoint_id = w.id
		WHERE rw.run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing blockers: %w", err)
	}
	defer rows.Close()

	var out []*store.Waitpoint
	for rows.Next() {
		wp, err := scanWaitpointRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wp)
	}
	return out, rows.Err()
}

func (c *conn) CountBlockersForRun(ctx context.Context, runID string) (int, error) {
	var count int
	err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_waitpoints WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting blockers: %w", err)
	}
	return count, nil
}

// --- QueueStore ---

func (c *conn) UpsertTaskQueue(ctx context.Context, q *store.TaskQueue) error {
	now := time.Now().UTC()
	_, err := c.q.ExecContext(ctx, `INSERT INTO task_queues (environment_id, name, concurrency_limit, type, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(environment_id, name) DO UPDATE SET concurrency_limit = excluded.concurrency_limit,
			type = excluded.type, updated_at = excluded.updated_at`,
		q.EnvironmentID, q.Name, q.ConcurrencyLimit, string(q.Type), now, now)
	if err != nil {
		return fmt.Errorf("upserting task queue: %w", err)
	}
	return nil
}

func (c *conn) GetTaskQueue(ctx context.Context, environmentID, name string) (*store.TaskQueue, error) {
	var q store.TaskQueue
	var limit sql.NullInt64
	var qtype string
	err := c.q.QueryRowContext(ctx, `SELECT environment_id, name, concurrency_limit, type, created_at, updated_at
		FROM task_queues WHERE environment_id = ? AND name = ?`, environmentID, name).
		Scan(&q.EnvironmentID, &q.Name, &limit, &qtype, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task queue: %w", err)
	}
	if limit.Valid {
		v := int(limit.Int64)
		q.ConcurrencyLimit = &v
	}
	q.Type = store.QueueType(qtype)
	return &q, nil
}

// --- AttemptStore ---

func (c *conn) CreateAttempt(ctx context.Context, a *store.Attempt) error {
	errJSON, err := marshalError(a.Error)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `INSERT INTO attempts (id, run_id, number, status, worker_id, error, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.Number, string(a.Status), a.WorkerID, errJSON, a.StartedAt, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	return nil
}

func (c *conn) LatestAttempt(ctx context.Context, runID string) (*store.Attempt, error) {
	row := c.q.QueryRowContext(ctx, `SELECT id, run_id, number, status, worker_id, error, started_at, completed_at
		FROM attempts WHERE run_id = ? ORDER BY number DESC LIMIT 1`, runID)
	var a store.Attempt
	var status string
	var errJSON sql.NullString
	err := row.Scan(&a.ID, &a.RunID, &a.Number, &status, &a.WorkerID, &errJSON, &a.StartedAt, &a.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading attempt: %w", err)
	}
	a.Status = store.AttemptStatus(status)
	if a.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *conn) UpdateAttempt(ctx context.Context, a *store.Attempt) error {
	errJSON, err := marshalError(a.Error)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `UPDATE attempts SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(a.Status), errJSON, a.CompletedAt, a.ID)
	if err != nil {
		return fmt.Errorf("updating attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- scanning helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRunFrom(s scanner) (*store.Run, error) {
	var run store.Run
	var status, tags string
	var ttl int64
	var resumeParent int
	var errJSON sql.NullString
	err := s.Scan(
		&run.ID, &run.FriendlyID, &run.TaskIdentifier, &run.Payload, &run.PayloadType,
		&run.OrganizationID, &run.ProjectID, &run.EnvironmentID, &run.EnvironmentType,
		&run.QueueName, &run.MasterQueue, &run.ConcurrencyKey, &run.IdempotencyKey, &run.ConsumerID,
		&run.MaxAttempts, &run.AttemptCount, &ttl, &run.DelayUntil, &tags,
		&run.ParentRunID, &run.ParentAttemptID, &run.RootRunID, &run.BatchID, &run.Depth,
		&resumeParent, &run.AssociatedWaitpointID, &run.TraceContext,
		&status, &run.Output, &run.OutputType, &errJSON,
		&run.CreatedAt, &run.UpdatedAt, &run.QueuedAt, &run.StartedAt, &run.CompletedAt, &run.ExpiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	run.Status = store.RunStatus(status)
	run.TTL = time.Duration(ttl)
	run.ResumeParentOnCompletion = resumeParent != 0
	if err := json.Unmarshal([]byte(tags), &run.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if run.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanRun(row *sql.Row) (*store.Run, error)      { return scanRunFrom(row) }
func scanRunRows(rows *sql.Rows) (*store.Run, error) { return scanRunFrom(rows) }

func scanSnapshotFrom(s scanner) (*store.ExecutionSnapshot, error) {
	var snap store.ExecutionSnapshot
	var execStatus, runStatus, wpIDs string
	err := s.Scan(&snap.ID, &snap.RunID, &execStatus, &runStatus, &snap.AttemptNumber,
		&snap.WorkerID, &snap.Description, &wpIDs, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}
	snap.ExecutionStatus = store.ExecutionStatus(execStatus)
	snap.RunStatus = store.RunStatus(runStatus)
	if err := json.Unmarshal([]byte(wpIDs), &snap.CompletedWaitpointIDs); err != nil {
		return nil, fmt.Errorf("decoding waitpoint ids: %w", err)
	}
	return &snap, nil
}

func scanSnapshot(row *sql.Row) (*store.ExecutionSnapshot, error)      { return scanSnapshotFrom(row) }
func scanSnapshotRows(rows *sql.Rows) (*store.ExecutionSnapshot, error) { return scanSnapshotFrom(rows) }

func scanWaitpointFrom(s scanner) (*store.Waitpoint, error) {
	var wp store.Waitpoint
	var wtype, status string
	var outputIsError int
	err := s.Scan(&wp.ID, &wp.ProjectID, &wtype, &status, &wp.CompletedAfter,
		&wp.CompletedByRunID, &wp.IdempotencyKey, &wp.Output, &outputIsError,
		&wp.CreatedAt, &wp.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning waitpoint: %w", err)
	}
	wp.Type = store.WaitpointType(wtype)
	wp.Status = store.WaitpointStatus(status)
	wp.OutputIsError = outputIsError != 0
	return &wp, nil
}

func scanWaitpoint(row *sql.Row) (*store.Waitpoint, error)      { return scanWaitpointFrom(row) }
func scanWaitpointRows(rows *sql.Rows) (*store.Waitpoint, error) { return scanWaitpointFrom(rows) }

func marshalError(e *store.RunError) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding error: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalError(s sql.NullString) (*store.RunError, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var e store.RunError
	if err := json.Unmarshal([]byte(s.String), &e); err != nil {
		return nil, fmt.Errorf("decoding error: %w", err)
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint failures in the message.
	return strings.Contains(err.Error(), "constraint failed")
}
