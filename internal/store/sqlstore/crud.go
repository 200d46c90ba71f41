package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
)

func now() int64 { return time.Now().Unix() }

// EnsureWorkerID implements store.Store.
func (s *Store) EnsureWorkerID(ctx context.Context) (string, error) {
	var id string
	row := s.db.QueryRowContext(ctx, "SELECT id FROM worker_infos LIMIT 1")
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", apperr.Store("query worker id", err)
	}

	newID := uuid.New().String()
	_, err = s.db.ExecContext(ctx, "INSERT INTO worker_infos (id) VALUES ("+s.ph(1)+")", newID)
	if err != nil {
		// Lost the race against a concurrent first caller; re-read the
		// winner's row instead of propagating the unique-constraint error.
		row := s.db.QueryRowContext(ctx, "SELECT id FROM worker_infos LIMIT 1")
		if scanErr := row.Scan(&id); scanErr == nil {
			return id, nil
		}
		return "", apperr.Store("insert worker id", err)
	}
	return newID, nil
}

// HasTask implements store.Store.
func (s *Store) HasTask(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "tasks", id)
}

// HasResource implements store.Store.
func (s *Store) HasResource(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "resource_infos", id)
}

func (s *Store) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	q := fmt.Sprintf("SELECT count(1) FROM %s WHERE id = %s", table, s.ph(1))
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&n); err != nil {
		return false, apperr.Store("check existence in "+table, err)
	}
	return n > 0, nil
}

// AddTask implements store.Store.
func (s *Store) AddTask(ctx context.Context, id, miner string, kind store.TaskKind, resourceID, comment string) (string, error) {
	q := fmt.Sprintf(`INSERT INTO tasks (id, miner, resource_id, task_kind, state, create_at, comment)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err := s.db.ExecContext(ctx, q, id, miner, resourceID, int32(kind), int32(store.TaskStateInit), now(), comment)
	if err != nil {
		return "", apperr.Store("insert task", err)
	}
	return id, nil
}

// FetchTask implements store.Store.
func (s *Store) FetchTask(ctx context.Context, id string) (*store.Task, error) {
	q := "SELECT " + taskColumns + " FROM tasks WHERE id = " + s.ph(1)
	row := s.db.QueryRowContext(ctx, q, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("task " + id)
	}
	if err != nil {
		return nil, apperr.Store("fetch task", err)
	}
	return t, nil
}

const taskColumns = "id, miner, resource_id, task_kind, state, worker_id, proof, error_msg, comment, create_at, start_at, complete_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	var kind, state int32
	var proof []byte
	if err := row.Scan(&t.ID, &t.Miner, &t.ResourceID, &kind, &state, &t.WorkerID,
		&proof, &t.ErrorMsg, &t.Comment, &t.CreateAt, &t.StartAt, &t.CompleteAt); err != nil {
		return nil, err
	}
	t.TaskKind = store.TaskKind(kind)
	t.State = store.TaskState(state)
	t.Proof = proof
	return &t, nil
}

// ClaimOneTodo implements store.Store. It runs the select-then-update as one
// transaction so two workers never observe and claim the same row (spec
// §4.1). SQLite serializes writers on its own; on Postgres the SELECT runs
// with FOR UPDATE SKIP LOCKED inside the repeatable-read transaction
// requested by beginClaimTx, so a concurrent claimer skips a row another
// transaction has locked instead of claiming it too.
func (s *Store) ClaimOneTodo(ctx context.Context, workerID string, kinds []store.TaskKind) (*store.Task, error) {
	tx, err := s.beginClaimTx(ctx)
	if err != nil {
		return nil, apperr.Store("begin claim transaction", err)
	}
	defer tx.Rollback()

	var where strings.Builder
	where.WriteString("state = " + s.ph(1))
	args := []any{int32(store.TaskStateInit)}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			args = append(args, int32(k))
			placeholders[i] = s.ph(len(args))
		}
		where.WriteString(" AND task_kind IN (" + strings.Join(placeholders, ",") + ")")
	}

	q := "SELECT " + taskColumns + " FROM tasks WHERE " + where.String() + " ORDER BY create_at ASC LIMIT 1"
	if s.dialect == DialectPostgres {
		q += " FOR UPDATE SKIP LOCKED"
	}
	row := tx.QueryRowContext(ctx, q, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no claimable task")
	}
	if err != nil {
		return nil, apperr.Store("select claimable task", err)
	}

	upd := fmt.Sprintf("UPDATE tasks SET state = %s, worker_id = %s, start_at = %s WHERE id = %s AND state = %s",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	startAt := now()
	res, err := tx.ExecContext(ctx, upd, int32(store.TaskStateRunning), workerID, startAt, t.ID, int32(store.TaskStateInit))
	if err != nil {
		return nil, apperr.Store("claim task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race between the SELECT and UPDATE (no-FOR-UPDATE dialect).
		return nil, apperr.NotFound("no claimable task")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Store("commit claim", err)
	}

	t.State = store.TaskStateRunning
	t.WorkerID = workerID
	t.StartAt = startAt
	return t, nil
}

// FetchUncompleted implements store.Store.
func (s *Store) FetchUncompleted(ctx context.Context, workerID string) ([]*store.Task, error) {
	q := fmt.Sprintf("SELECT %s FROM tasks WHERE worker_id = %s AND state = %s ORDER BY create_at ASC",
		taskColumns, s.ph(1), s.ph(2))
	return s.queryTasks(ctx, q, workerID, int32(store.TaskStateRunning))
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Store("query tasks", err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Store("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("iterate tasks", err)
	}
	return out, nil
}

// RecordError implements store.Store. Matched by task id alone: a stale or
// mismatched worker_id does not turn this into a not-found (spec §4.3's
// state machine treats a report from a worker that no longer owns the task
// as still authoritative, mirroring the original db_ops.rs, which filters
// only on id).
func (s *Store) RecordError(ctx context.Context, workerID, id, msg string) error {
	q := fmt.Sprintf("UPDATE tasks SET state = %s, worker_id = %s, error_msg = %s, complete_at = %s WHERE id = %s",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := s.db.ExecContext(ctx, q, int32(store.TaskStateError), workerID, msg, now(), id)
	if err != nil {
		return apperr.Store("record error", err)
	}
	return requireRowsAffected(res, id)
}

// RecordProof implements store.Store. Matched by task id alone, same as
// RecordError, so a proof from a worker other than the claiming one still
// completes the task rather than returning not-found. The task's current
// state is not checked here; the coordinator skips this call for a task
// that is not Running (spec §4.3). error_msg is
// cleared so invariant 5 ("state=Completed implies error_msg is empty")
// holds even for a task that errored once before being reset and retried.
func (s *Store) RecordProof(ctx context.Context, workerID, id string, proof []byte) error {
	q := fmt.Sprintf("UPDATE tasks SET state = %s, worker_id = %s, proof = %s, error_msg = %s, complete_at = %s WHERE id = %s",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	res, err := s.db.ExecContext(ctx, q, int32(store.TaskStateCompleted), workerID, proof, "", now(), id)
	if err != nil {
		return apperr.Store("record proof", err)
	}
	return requireRowsAffected(res, id)
}

func requireRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Store("rows affected", err)
	}
	if n == 0 {
		return apperr.NotFound("task " + id)
	}
	return nil
}

// UpdateStatusByIDs implements store.Store. No ownership check: this is the
// operator escape hatch (spec §4.3), and worker_id/error_msg/proof are left
// untouched by design (spec §9, decided).
func (s *Store) UpdateStatusByIDs(ctx context.Context, ids []string, state store.TaskState) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, int32(state))
	for i, id := range ids {
		args = append(args, id)
		placeholders[i] = s.ph(i + 2)
	}
	q := "UPDATE tasks SET state = " + s.ph(1) + " WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	_, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return apperr.Store("update status by ids", err)
	}
	return nil
}

// ListTasks implements store.Store.
func (s *Store) ListTasks(ctx context.Context, workerID string, states []store.TaskState) ([]*store.Task, error) {
	var where []string
	var args []any
	if workerID != "" {
		args = append(args, workerID)
		where = append(where, "worker_id = "+s.ph(len(args)))
	}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			args = append(args, int32(st))
			placeholders[i] = s.ph(len(args))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ",")+")")
	}
	q := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY create_at DESC"
	return s.queryTasks(ctx, q, args...)
}

// ReportWorker implements store.Store: an upsert keyed on worker_id.
func (s *Store) ReportWorker(ctx context.Context, workerID, ips, supportTypes string) error {
	existing, err := s.GetWorkerByWorkerID(ctx, workerID)
	if err != nil && !apperr.Is(err, apperr.CategoryNotFound) {
		return err
	}
	ts := now()
	if existing == nil {
		q := fmt.Sprintf("INSERT INTO workers_states (id, worker_id, ips, support_types, create_at, update_at) VALUES (%s, %s, %s, %s, %s, %s)",
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
		_, err := s.db.ExecContext(ctx, q, uuid.New().String(), workerID, ips, supportTypes, ts, ts)
		if err != nil {
			return apperr.Store("insert worker state", err)
		}
		return nil
	}
	q := fmt.Sprintf("UPDATE workers_states SET ips = %s, support_types = %s, update_at = %s WHERE worker_id = %s",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err = s.db.ExecContext(ctx, q, ips, supportTypes, ts, workerID)
	if err != nil {
		return apperr.Store("update worker state", err)
	}
	return nil
}

const workerColumns = "id, worker_id, ips, support_types, create_at, update_at"

func scanWorker(row rowScanner) (*store.WorkerState, error) {
	var w store.WorkerState
	if err := row.Scan(&w.ID, &w.WorkerID, &w.IPs, &w.SupportTypes, &w.CreateAt, &w.UpdateAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkers implements store.Store.
func (s *Store) ListWorkers(ctx context.Context) ([]*store.WorkerState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+workerColumns+" FROM workers_states ORDER BY create_at ASC")
	if err != nil {
		return nil, apperr.Store("list workers", err)
	}
	defer rows.Close()

	var out []*store.WorkerState
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, apperr.Store("scan worker", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetWorkerByID implements store.Store.
func (s *Store) GetWorkerByID(ctx context.Context, id string) (*store.WorkerState, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+workerColumns+" FROM workers_states WHERE id = "+s.ph(1), id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("worker " + id)
	}
	if err != nil {
		return nil, apperr.Store("get worker by id", err)
	}
	return w, nil
}

// GetWorkerByWorkerID implements store.Store.
func (s *Store) GetWorkerByWorkerID(ctx context.Context, workerID string) (*store.WorkerState, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+workerColumns+" FROM workers_states WHERE worker_id = "+s.ph(1), workerID)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("worker " + workerID)
	}
	if err != nil {
		return nil, apperr.Store("get worker by worker id", err)
	}
	return w, nil
}

// DeleteWorkerByID implements store.Store.
func (s *Store) DeleteWorkerByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workers_states WHERE id = "+s.ph(1), id)
	if err != nil {
		return apperr.Store("delete worker by id", err)
	}
	return requireRowsAffectedWorker(res, id)
}

// DeleteWorkerByWorkerID implements store.Store.
func (s *Store) DeleteWorkerByWorkerID(ctx context.Context, workerID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workers_states WHERE worker_id = "+s.ph(1), workerID)
	if err != nil {
		return apperr.Store("delete worker by worker id", err)
	}
	return requireRowsAffectedWorker(res, workerID)
}

func requireRowsAffectedWorker(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Store("rows affected", err)
	}
	if n == 0 {
		return apperr.NotFound("worker " + id)
	}
	return nil
}

// GetOfflineWorkers implements store.Store: workers whose last report is
// older than durSec (spec §4.2).
func (s *Store) GetOfflineWorkers(ctx context.Context, durSec int64) ([]*store.WorkerState, error) {
	cutoff := now() - durSec
	rows, err := s.db.QueryContext(ctx, "SELECT "+workerColumns+" FROM workers_states WHERE update_at < "+s.ph(1)+" ORDER BY update_at ASC", cutoff)
	if err != nil {
		return nil, apperr.Store("list offline workers", err)
	}
	defer rows.Close()

	var out []*store.WorkerState
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, apperr.Store("scan worker", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
