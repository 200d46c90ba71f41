package store

import "context"

// Store is the durable persistence interface described in spec §4.1. Every
// mutation that depends on prior state runs inside one transaction internal
// to the implementation, so this interface exposes only whole operations,
// never partial transaction handles — no caller may hold a transaction
// across a suspension point such as an RPC call (spec §5).
//
// This reifies the original Rust trait composition (WorkerApi + WorkerFetch
// + Common + ResourceRepo + WorkerStateRepo combined by a marker supertrait,
// spec §9) as a single flat interface rather than an inheritance chain.
type Store interface {
	// EnsureWorkerID returns the singleton row's id, inserting a fresh
	// UUIDv4 on first call. First-caller-wins under concurrent init.
	EnsureWorkerID(ctx context.Context) (string, error)

	HasTask(ctx context.Context, id string) (bool, error)
	HasResource(ctx context.Context, id string) (bool, error)

	// AddTask inserts one Init-state row. Returns an AlreadyExists-flavored
	// error (apperr.Store wrapping) if id collides; callers pair this with
	// HasTask for idempotent submission.
	AddTask(ctx context.Context, id, miner string, kind TaskKind, resourceID, comment string) (string, error)

	FetchTask(ctx context.Context, id string) (*Task, error)

	// ClaimOneTodo atomically claims the oldest Init task (optionally
	// restricted to kinds), transitioning it to Running. Returns
	// apperr.NotFound when no task is available.
	ClaimOneTodo(ctx context.Context, workerID string, kinds []TaskKind) (*Task, error)

	// FetchUncompleted returns all Running tasks claimed by workerID, used
	// for restart recovery (spec §4.4).
	FetchUncompleted(ctx context.Context, workerID string) ([]*Task, error)

	RecordError(ctx context.Context, workerID, id, msg string) error
	RecordProof(ctx context.Context, workerID, id string, proof []byte) error

	// UpdateStatusByIDs is the operator escape hatch: no invariants are
	// enforced, and worker_id/error_msg/proof are left untouched (spec §9
	// open question, decided: preserved verbatim).
	UpdateStatusByIDs(ctx context.Context, ids []string, state TaskState) error

	ListTasks(ctx context.Context, workerID string, states []TaskState) ([]*Task, error)

	ReportWorker(ctx context.Context, workerID, ips, supportTypes string) error
	ListWorkers(ctx context.Context) ([]*WorkerState, error)
	GetWorkerByID(ctx context.Context, id string) (*WorkerState, error)
	GetWorkerByWorkerID(ctx context.Context, workerID string) (*WorkerState, error)
	DeleteWorkerByID(ctx context.Context, id string) error
	DeleteWorkerByWorkerID(ctx context.Context, workerID string) error
	GetOfflineWorkers(ctx context.Context, durSec int64) ([]*WorkerState, error)

	// Close releases underlying connections.
	Close() error
}
