// Package worker implements the LocalWorker fetcher/executor pair (spec
// §4.4): a bounded channel ties a single fetch loop to a single execute
// loop, with restart recovery via FetchUncompleted and panic-isolated
// primitive invocation, generalizing the teacher's "isolate failure per
// item, don't crash the whole pool" pattern in
// pkg/infrastructure/workers/simple_pool.go (there: per-index error capture
// across goroutines; here: per-task recovered panic across two long-lived
// goroutines instead of a fan-out/fan-in batch).
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
	"github.com/ipfs-force-community/gpuproxy/internal/applog"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
)

// TaskSource is the subset of coordinator behavior a LocalWorker depends
// on, satisfied either directly by *coordinator.Coordinator (embedded
// worker) or by *rpcclient.Client (standalone worker process) — spec §9's
// "dynamic dispatch" design note.
type TaskSource interface {
	FetchTodo(ctx context.Context, workerID string, kinds []store.TaskKind) (*store.Task, error)
	FetchUncompleted(ctx context.Context, workerID string) ([]*store.Task, error)
	RecordProof(ctx context.Context, workerID, id string, proof []byte) error
	RecordError(ctx context.Context, workerID, id, msg string) error
	GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error)
}

// Primitive runs the kind-specific proof computation. The real GPU-bound C2
// primitive is out of scope (spec §1); production wiring and tests instead
// supply a deterministic implementation satisfying this interface.
type Primitive interface {
	Run(ctx context.Context, kind store.TaskKind, resourceBytes []byte) ([]byte, error)
}

const (
	fetchInterval   = 10 * time.Second
	fetchBufferSize = 64
)

// LocalWorker is one worker process's fetch/execute pair (spec §4.4).
type LocalWorker struct {
	workerID  string
	maxTasks  int64
	kinds     []store.TaskKind
	source    TaskSource
	primitive Primitive
	log       *applog.Logger

	inFlight atomic.Int64
	todo     chan *store.Task
	buffer   []*store.Task
	inflightWG sync.WaitGroup
}

// Config configures a LocalWorker.
type Config struct {
	WorkerID  string
	MaxTasks  int64
	Kinds     []store.TaskKind
	Source    TaskSource
	Primitive Primitive
	Logger    *applog.Logger
}

// New builds a LocalWorker. The todo channel's capacity is MaxTasks, so the
// fetcher can never buffer more work than the executor is allowed to run
// concurrently (spec §5).
func New(cfg Config) *LocalWorker {
	log := cfg.Logger
	if log == nil {
		l, _ := applog.InitFromConfig("info", "text", "stderr", "")
		log = l
	}
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}
	return &LocalWorker{
		workerID:  cfg.WorkerID,
		maxTasks:  maxTasks,
		kinds:     cfg.Kinds,
		source:    cfg.Source,
		primitive: cfg.Primitive,
		log:       log.WithComponent("worker"),
		todo:      make(chan *store.Task, maxTasks),
	}
}

// Run starts the fetcher and executor and blocks until ctx is canceled. The
// fetcher stops polling on cancellation; in-flight primitives are allowed
// to finish (spec §4.4's cancellation contract) before Run returns.
func (w *LocalWorker) Run(ctx context.Context) {
	w.recoverUncompleted(ctx)

	done := make(chan struct{})
	go func() {
		w.executeLoop(ctx)
		close(done)
	}()
	w.fetchLoop(ctx)
	<-done
}

// recoverUncompleted drains this worker's previously-claimed Running tasks
// into the local buffer before the fetch loop starts (spec §4.4: "restart
// recovery — tasks previously claimed by this worker resume without a
// re-claim").
func (w *LocalWorker) recoverUncompleted(ctx context.Context) {
	uncompleted, err := w.source.FetchUncompleted(ctx, w.workerID)
	if err != nil {
		w.log.Warn("fetch uncompleted failed on startup", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(uncompleted) > 0 {
		w.log.Info("recovered uncompleted tasks", map[string]interface{}{"count": len(uncompleted)})
	}
	w.buffer = append(w.buffer, uncompleted...)
}

func (w *LocalWorker) fetchLoop(ctx context.Context) {
	ticker := time.NewTicker(fetchInterval)
	defer ticker.Stop()
	defer close(w.todo)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.fetchOnce(ctx)
		}
	}
}

func (w *LocalWorker) fetchOnce(ctx context.Context) {
	if w.inFlight.Load() >= w.maxTasks {
		return
	}

	var task *store.Task
	if len(w.buffer) > 0 {
		task, w.buffer = w.buffer[0], w.buffer[1:]
	} else {
		fetched, err := w.source.FetchTodo(ctx, w.workerID, w.kinds)
		if err != nil {
			// NotFound ("no work") and transient errors both just wait for
			// the next tick (spec §4.4).
			return
		}
		task = fetched
	}

	w.inFlight.Add(1)
	select {
	case w.todo <- task:
	case <-ctx.Done():
		w.inFlight.Add(-1)
	}
}

// executeLoop reads the channel and launches one goroutine per task so up
// to maxTasks primitives run concurrently (the in_flight counter, not this
// loop, is what bounds concurrency — spec §5 requires the primitive run on
// a dedicated blocking-work goroutine that doesn't stall the fetch loop
// behind it).
func (w *LocalWorker) executeLoop(ctx context.Context) {
	for task := range w.todo {
		w.inflightWG.Add(1)
		go func(t *store.Task) {
			defer w.inflightWG.Done()
			w.executeOne(ctx, t)
		}(task)
	}
	w.inflightWG.Wait()
}

func (w *LocalWorker) executeOne(ctx context.Context, task *store.Task) {
	defer w.inFlight.Add(-1)

	resourceBytes, err := w.source.GetResourceInfo(ctx, task.ResourceID)
	if err != nil {
		w.log.Warn("get resource info failed, task remains running", map[string]interface{}{
			"task_id": task.ID, "error": err.Error(),
		})
		return
	}

	proof, err := w.runPrimitive(ctx, task.TaskKind, resourceBytes)
	if err != nil {
		if recErr := w.source.RecordError(ctx, w.workerID, task.ID, err.Error()); recErr != nil {
			w.log.Warn("record error failed", map[string]interface{}{"task_id": task.ID, "error": recErr.Error()})
		}
		return
	}

	if err := w.source.RecordProof(ctx, w.workerID, task.ID, proof); err != nil {
		w.log.Warn("record proof failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}
}

// runPrimitive invokes Primitive.Run with panic recovery: the C2 primitive
// may crash (e.g. on GPU failure), and a single crashed task must not take
// down the worker process (spec §4.4/§7).
func (w *LocalWorker) runPrimitive(ctx context.Context, kind store.TaskKind, resourceBytes []byte) (proof []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Primitive("primitive panicked", fmt.Errorf("%v", r))
		}
	}()
	return w.primitive.Run(ctx, kind, resourceBytes)
}
