package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/gpuproxy/internal/store"
)

// fakeSource is an in-memory TaskSource double driven directly by tests
// instead of polling on the real 10s cadence.
type fakeSource struct {
	mu           sync.Mutex
	uncompleted  []*store.Task
	todo         []*store.Task
	resources    map[string][]byte
	proofs       map[string][]byte
	errors       map[string]string
	fetchTodoErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		resources: map[string][]byte{},
		proofs:    map[string][]byte{},
		errors:    map[string]string{},
	}
}

func (f *fakeSource) FetchTodo(ctx context.Context, workerID string, kinds []store.TaskKind) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchTodoErr != nil {
		return nil, f.fetchTodoErr
	}
	if len(f.todo) == 0 {
		return nil, errors.New("no work")
	}
	t := f.todo[0]
	f.todo = f.todo[1:]
	return t, nil
}

func (f *fakeSource) FetchUncompleted(ctx context.Context, workerID string) ([]*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uncompleted, nil
}

func (f *fakeSource) RecordProof(ctx context.Context, workerID, id string, proof []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proofs[id] = proof
	return nil
}

func (f *fakeSource) RecordError(ctx context.Context, workerID, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[id] = msg
	return nil
}

func (f *fakeSource) GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.resources[resourceID]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

type fakePrimitive struct {
	fn func(ctx context.Context, kind store.TaskKind, resourceBytes []byte) ([]byte, error)
}

func (p *fakePrimitive) Run(ctx context.Context, kind store.TaskKind, resourceBytes []byte) ([]byte, error) {
	return p.fn(ctx, kind, resourceBytes)
}

func TestExecuteOneRecordsProofOnSuccess(t *testing.T) {
	src := newFakeSource()
	src.resources["res-1"] = []byte("resource-bytes")

	w := New(Config{
		WorkerID:  "w-1",
		MaxTasks:  1,
		Source:    src,
		Primitive: &fakePrimitive{fn: func(ctx context.Context, kind store.TaskKind, data []byte) ([]byte, error) { return []byte("a-proof"), nil }},
	})

	w.executeOne(context.Background(), &store.Task{ID: "task-1", ResourceID: "res-1"})

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, []byte("a-proof"), src.proofs["task-1"])
	assert.Empty(t, src.errors)
}

func TestExecuteOneRecordsErrorOnFailure(t *testing.T) {
	src := newFakeSource()
	src.resources["res-1"] = []byte("resource-bytes")

	w := New(Config{
		WorkerID:  "w-1",
		MaxTasks:  1,
		Source:    src,
		Primitive: &fakePrimitive{fn: func(ctx context.Context, kind store.TaskKind, data []byte) ([]byte, error) { return nil, errors.New("gpu fault") }},
	})

	w.executeOne(context.Background(), &store.Task{ID: "task-1", ResourceID: "res-1"})

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, "gpu fault", src.errors["task-1"])
}

func TestExecuteOneRecoversPrimitivePanic(t *testing.T) {
	src := newFakeSource()
	src.resources["res-1"] = []byte("resource-bytes")

	w := New(Config{
		WorkerID: "w-1",
		MaxTasks: 1,
		Source:   src,
		Primitive: &fakePrimitive{fn: func(ctx context.Context, kind store.TaskKind, data []byte) ([]byte, error) {
			panic("gpu driver crashed")
		}},
	})

	assert.NotPanics(t, func() {
		w.executeOne(context.Background(), &store.Task{ID: "task-1", ResourceID: "res-1"})
	})

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Contains(t, src.errors["task-1"], "gpu driver crashed")
}

func TestExecuteOneLeavesTaskRunningWhenResourceFetchFails(t *testing.T) {
	src := newFakeSource()

	w := New(Config{
		WorkerID:  "w-1",
		MaxTasks:  1,
		Source:    src,
		Primitive: &fakePrimitive{fn: func(ctx context.Context, kind store.TaskKind, data []byte) ([]byte, error) { return []byte("x"), nil }},
	})

	w.executeOne(context.Background(), &store.Task{ID: "task-1", ResourceID: "missing-resource"})

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Empty(t, src.proofs)
	assert.Empty(t, src.errors)
}

func TestRecoverUncompletedPopulatesBufferAheadOfFetchTodo(t *testing.T) {
	src := newFakeSource()
	src.uncompleted = []*store.Task{{ID: "task-1", ResourceID: "res-1"}}
	src.todo = []*store.Task{{ID: "task-2", ResourceID: "res-2"}}
	src.resources["res-1"] = []byte("resource-bytes")
	src.resources["res-2"] = []byte("resource-bytes")

	w := New(Config{
		WorkerID:  "w-1",
		MaxTasks:  1,
		Source:    src,
		Primitive: &fakePrimitive{fn: func(ctx context.Context, kind store.TaskKind, data []byte) ([]byte, error) { return []byte("proof"), nil }},
	})

	ctx := context.Background()
	w.recoverUncompleted(ctx)
	require.Len(t, w.buffer, 1)

	w.fetchOnce(ctx)
	task := <-w.todo
	assert.Equal(t, "task-1", task.ID, "buffered recovered tasks are drained before FetchTodo is called")
}

func TestFetchOnceSkipsWhenAtCapacity(t *testing.T) {
	src := newFakeSource()
	src.todo = []*store.Task{{ID: "task-1", ResourceID: "res-1"}}

	w := New(Config{WorkerID: "w-1", MaxTasks: 1, Source: src, Primitive: &fakePrimitive{}})
	w.inFlight.Store(1)

	w.fetchOnce(context.Background())
	select {
	case <-w.todo:
		t.Fatal("fetchOnce should not have sent a task while at capacity")
	case <-time.After(50 * time.Millisecond):
	}
}
