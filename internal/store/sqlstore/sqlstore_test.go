package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
)

// openTestStore opens a fresh in-memory SQLite store. The Postgres path
// shares every line of crud.go and differs only in ph()/migratePostgres,
// so these tests exercise both dialects' shared logic; a live Postgres
// instance would additionally be needed to exercise SKIP LOCKED itself.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureWorkerIDIsStableAcrossCalls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.EnsureWorkerID(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := s.EnsureWorkerID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestAddTaskAndFetchTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, "task-1", "f01000", store.TaskKindC2, "resource-1", "a comment")
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	has, err := s.HasTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, has)

	task, err := s.FetchTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "f01000", task.Miner)
	assert.Equal(t, store.TaskStateInit, task.State)
	assert.Equal(t, "a comment", task.Comment)

	_, err = s.FetchTask(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.CategoryNotFound))
}

func TestClaimOneTodoClaimsOldestInitTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, "task-1", "f01000", store.TaskKindC2, "resource-1", "")
	require.NoError(t, err)
	_, err = s.AddTask(ctx, "task-2", "f01000", store.TaskKindC2, "resource-2", "")
	require.NoError(t, err)

	claimed, err := s.ClaimOneTodo(ctx, "worker-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "task-1", claimed.ID)
	assert.Equal(t, store.TaskStateRunning, claimed.State)
	assert.Equal(t, "worker-1", claimed.WorkerID)
	assert.NotZero(t, claimed.StartAt)

	again, err := s.ClaimOneTodo(ctx, "worker-2", nil)
	require.NoError(t, err)
	assert.Equal(t, "task-2", again.ID)
}

func TestClaimOneTodoReturnsNotFoundWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.ClaimOneTodo(ctx, "worker-1", nil)
	assert.True(t, apperr.Is(err, apperr.CategoryNotFound))
}

func TestClaimOneTodoFiltersByKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, "task-1", "f01000", store.TaskKindC2, "resource-1", "")
	require.NoError(t, err)

	_, err = s.ClaimOneTodo(ctx, "worker-1", []store.TaskKind{99})
	assert.True(t, apperr.Is(err, apperr.CategoryNotFound))

	claimed, err := s.ClaimOneTodo(ctx, "worker-1", []store.TaskKind{store.TaskKindC2})
	require.NoError(t, err)
	assert.Equal(t, "task-1", claimed.ID)
}

func TestRecordProofAndRecordError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, "task-1", "f01000", store.TaskKindC2, "resource-1", "")
	require.NoError(t, err)
	_, err = s.ClaimOneTodo(ctx, "worker-1", nil)
	require.NoError(t, err)

	require.NoError(t, s.RecordProof(ctx, "worker-1", "task-1", []byte("proof-bytes")))
	task, err := s.FetchTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStateCompleted, task.State)
	assert.Equal(t, []byte("proof-bytes"), task.Proof)
	assert.NotZero(t, task.CompleteAt)

	_, err = s.AddTask(ctx, "task-2", "f01000", store.TaskKindC2, "resource-2", "")
	require.NoError(t, err)
	_, err = s.ClaimOneTodo(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordError(ctx, "worker-1", "task-2", "boom"))
	task2, err := s.FetchTask(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStateError, task2.State)
	assert.Equal(t, "boom", task2.ErrorMsg)
}

func TestRecordProofFromMismatchedWorkerStillSucceeds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, "task-1", "f01000", store.TaskKindC2, "resource-1", "")
	require.NoError(t, err)
	_, err = s.ClaimOneTodo(ctx, "worker-1", nil)
	require.NoError(t, err)

	// A proof reported by a worker that no longer (or never) owned the task
	// is still applied and returns ok, not a not-found: only a genuinely
	// unknown task id is an error.
	require.NoError(t, s.RecordProof(ctx, "some-other-worker", "task-1", []byte("x")))

	task, err := s.FetchTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStateCompleted, task.State)
	assert.Equal(t, "some-other-worker", task.WorkerID)

	err = s.RecordProof(ctx, "worker-1", "does-not-exist", []byte("x"))
	assert.True(t, apperr.Is(err, apperr.CategoryNotFound))
}

func TestRecordProofClearsPriorErrorMsg(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, "task-1", "f01000", store.TaskKindC2, "resource-1", "")
	require.NoError(t, err)
	_, err = s.ClaimOneTodo(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordError(ctx, "worker-1", "task-1", "boom"))

	require.NoError(t, s.UpdateStatusByIDs(ctx, []string{"task-1"}, store.TaskStateInit))
	_, err = s.ClaimOneTodo(ctx, "worker-2", nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordProof(ctx, "worker-2", "task-1", []byte("proof")))

	task, err := s.FetchTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStateCompleted, task.State)
	assert.Empty(t, task.ErrorMsg, "invariant 5: a completed task must not carry a stale error_msg")
}

func TestUpdateStatusByIDsPreservesWorkerAndProof(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, "task-1", "f01000", store.TaskKindC2, "resource-1", "")
	require.NoError(t, err)
	_, err = s.ClaimOneTodo(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordProof(ctx, "worker-1", "task-1", []byte("proof")))

	require.NoError(t, s.UpdateStatusByIDs(ctx, []string{"task-1"}, store.TaskStateInit))

	task, err := s.FetchTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStateInit, task.State)
	assert.Equal(t, "worker-1", task.WorkerID)
	assert.Equal(t, []byte("proof"), task.Proof)
}

func TestListTasksFiltersByWorkerAndState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, "task-1", "f01000", store.TaskKindC2, "resource-1", "")
	require.NoError(t, err)
	_, err = s.AddTask(ctx, "task-2", "f01000", store.TaskKindC2, "resource-2", "")
	require.NoError(t, err)
	_, err = s.ClaimOneTodo(ctx, "worker-1", nil)
	require.NoError(t, err)

	running, err := s.ListTasks(ctx, "worker-1", []store.TaskState{store.TaskStateRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "task-1", running[0].ID)

	all, err := s.ListTasks(ctx, "", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListTasksOrdersByCreateAtDescending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// AddTask stamps create_at with the current second, which would make
	// three back-to-back inserts tie; set distinct timestamps directly so
	// the ordering assertion below is deterministic regardless of how fast
	// the test runs.
	for i, id := range []string{"task-1", "task-2", "task-3"} {
		_, err := s.AddTask(ctx, id, "f01000", store.TaskKindC2, "resource-"+id, "")
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, "UPDATE tasks SET create_at = "+s.ph(1)+" WHERE id = "+s.ph(2), int64(1000+i), id)
		require.NoError(t, err)
	}

	all, err := s.ListTasks(ctx, "", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"task-3", "task-2", "task-1"}, []string{all[0].ID, all[1].ID, all[2].ID},
		"ListTasks must return results newest-first (spec §4.1/§8)")
}

func TestFetchUncompletedReturnsRunningTasksForWorker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, "task-1", "f01000", store.TaskKindC2, "resource-1", "")
	require.NoError(t, err)
	_, err = s.ClaimOneTodo(ctx, "worker-1", nil)
	require.NoError(t, err)

	uncompleted, err := s.FetchUncompleted(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, uncompleted, 1)
	assert.Equal(t, "task-1", uncompleted[0].ID)

	none, err := s.FetchUncompleted(ctx, "worker-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReportWorkerUpsertsAndListWorkers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReportWorker(ctx, "w-1", "10.0.0.1", "c2"))
	w, err := s.GetWorkerByWorkerID(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", w.IPs)

	require.NoError(t, s.ReportWorker(ctx, "w-1", "10.0.0.2", "c2"))
	w2, err := s.GetWorkerByWorkerID(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", w2.IPs)
	assert.Equal(t, w.ID, w2.ID, "upsert must keep the same row id")

	list, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	byID, err := s.GetWorkerByID(ctx, w2.ID)
	require.NoError(t, err)
	assert.Equal(t, "w-1", byID.WorkerID)
}

func TestDeleteWorker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReportWorker(ctx, "w-1", "10.0.0.1", "c2"))
	require.NoError(t, s.DeleteWorkerByWorkerID(ctx, "w-1"))

	_, err := s.GetWorkerByWorkerID(ctx, "w-1")
	assert.True(t, apperr.Is(err, apperr.CategoryNotFound))

	err = s.DeleteWorkerByID(ctx, "does-not-exist")
	assert.True(t, apperr.Is(err, apperr.CategoryNotFound))
}

func TestGetOfflineWorkers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReportWorker(ctx, "w-1", "10.0.0.1", "c2"))

	// A zero-second cutoff treats every worker as online (update_at is
	// never strictly less than now() measured a moment later... unless a
	// second boundary is crossed); use a negative window to force "all
	// offline" deterministically instead of depending on timing.
	offline, err := s.GetOfflineWorkers(ctx, -1000)
	require.NoError(t, err)
	assert.Len(t, offline, 1)

	stillOnline, err := s.GetOfflineWorkers(ctx, 1000)
	require.NoError(t, err)
	assert.Empty(t, stillOnline)
}
