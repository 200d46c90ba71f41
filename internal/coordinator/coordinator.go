// Package coordinator implements the dispatcher's RPC-facing business logic
// (spec §4.3): task intake, lookup, worker dispatch, and the worker
// registry. internal/rpcserver exposes this over JSON-RPC 2.0; the embedded
// (disable-worker=false) LocalWorker talks to it directly in-process, per
// spec §9's "dynamic dispatch" note, so Coordinator itself never touches
// the network.
package coordinator

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
	"github.com/ipfs-force-community/gpuproxy/internal/applog"
	"github.com/ipfs-force-community/gpuproxy/internal/resourcestore"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
	"github.com/ipfs-force-community/gpuproxy/internal/taskid"
)

// minerAddressPattern is a minimal shape check for a Filecoin address
// string (spec §4.3 step 2: "parse miner as an address", mirroring the
// original's forest_address::Address::from_str): a network prefix (f or t)
// followed by a protocol digit (0-4) and a non-empty payload. This is a
// format gate, not a full address-checksum decoder — see DESIGN.md for why
// task-id derivation itself still hashes the raw string rather than the
// decoded payload bytes.
var minerAddressPattern = regexp.MustCompile(`^[ft][0-4][a-zA-Z0-9]+$`)

func validateMinerAddress(miner string) error {
	if !minerAddressPattern.MatchString(miner) {
		return apperr.InvalidParams(fmt.Sprintf("miner %q is not a valid address", miner), nil)
	}
	return nil
}

// Coordinator holds the two durable collaborators and implements every
// operation in spec §4.3.
type Coordinator struct {
	Store         store.Store
	ResourceStore resourcestore.Store
	log           *applog.Logger
}

// New builds a Coordinator. log may be nil, in which case a default
// component logger is created.
func New(st store.Store, rs resourcestore.Store, log *applog.Logger) *Coordinator {
	if log == nil {
		l, _ := applog.InitFromConfig("info", "text", "stderr", "")
		log = l
	}
	return &Coordinator{Store: st, ResourceStore: rs, log: log.WithComponent("coordinator")}
}

// submitResourceAndTask is the idempotent intake sequence shared by
// SubmitC2Task and AddTask (spec §4.3 steps 3-8): compute ids, store the
// resource if new, store the task if new, return the task id either way.
func (c *Coordinator) submitResourceAndTask(ctx context.Context, minerPayload []byte, kind store.TaskKind, resourceBytes []byte, miner, comment string) (string, error) {
	resourceID := taskid.Resource(resourceBytes)
	taskID := taskid.Task(minerPayload, taskid.TaskKind(kind), resourceID)

	hasResource, err := c.Store.HasResource(ctx, resourceID.String())
	if err != nil {
		return "", err
	}
	if !hasResource {
		if err := c.ResourceStore.Put(ctx, resourceID.String(), resourceBytes); err != nil {
			return "", err
		}
	}

	hasTask, err := c.Store.HasTask(ctx, taskID.String())
	if err != nil {
		return "", err
	}
	if !hasTask {
		if _, err := c.Store.AddTask(ctx, taskID.String(), miner, kind, resourceID.String(), comment); err != nil {
			return "", err
		}
	}
	return taskID.String(), nil
}

// SubmitC2Task implements spec §4.3's intake entry point for miners: the
// phase-1 output, prover id, and sector id are packed into resource_bytes,
// hashed, and stored idempotently alongside a fresh or pre-existing task.
func (c *Coordinator) SubmitC2Task(ctx context.Context, phase1Output []byte, miner string, comment string, proverID []byte, sectorID uint64) (string, error) {
	if err := validateMinerAddress(miner); err != nil {
		return "", err
	}
	if len(proverID) != 32 {
		return "", apperr.InvalidParams(fmt.Sprintf("prover_id must be 32 bytes, got %d", len(proverID)), nil)
	}
	resourceBytes := taskid.PackC2ResourceBytes(proverID, sectorID, phase1Output)
	return c.submitResourceAndTask(ctx, []byte(miner), store.TaskKindC2, resourceBytes, miner, comment)
}

// AddTask implements spec §4.3's plugin-facing intake entry point: param is
// already the resource payload (e.g. built by the plugin broker from a
// C2Input it received directly), so it is hashed and stored as-is.
func (c *Coordinator) AddTask(ctx context.Context, miner, comment string, kind store.TaskKind, param []byte) (string, error) {
	if err := validateMinerAddress(miner); err != nil {
		return "", err
	}
	if len(param) == 0 {
		return "", apperr.InvalidParams("param must not be empty", nil)
	}
	return c.submitResourceAndTask(ctx, []byte(miner), kind, param, miner, comment)
}

// GetTask implements spec §4.3.
func (c *Coordinator) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return c.Store.FetchTask(ctx, id)
}

// GetResourceInfo implements spec §4.3.
func (c *Coordinator) GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error) {
	return c.ResourceStore.Get(ctx, resourceID)
}

// ListTask implements spec §4.3.
func (c *Coordinator) ListTask(ctx context.Context, workerID string, states []store.TaskState) ([]*store.Task, error) {
	return c.Store.ListTasks(ctx, workerID, states)
}

// FetchTodo implements spec §4.3, wrapping Store.ClaimOneTodo.
func (c *Coordinator) FetchTodo(ctx context.Context, workerID string, kinds []store.TaskKind) (*store.Task, error) {
	return c.Store.ClaimOneTodo(ctx, workerID, kinds)
}

// FetchUncompleted implements spec §4.3.
func (c *Coordinator) FetchUncompleted(ctx context.Context, workerID string) ([]*store.Task, error) {
	return c.Store.FetchUncompleted(ctx, workerID)
}

// RecordProof implements spec §4.3: on success, the resource is deleted
// best-effort (a delete failure is logged, not propagated, since the task
// has already durably succeeded). A proof for a task that is not Running
// is a no-op that still returns ok: the task and its resource are left as
// they are.
func (c *Coordinator) RecordProof(ctx context.Context, workerID, id string, proof []byte) error {
	task, err := c.Store.FetchTask(ctx, id)
	if err != nil {
		return err
	}
	if task.State != store.TaskStateRunning {
		return nil
	}
	if err := c.Store.RecordProof(ctx, workerID, id, proof); err != nil {
		return err
	}
	if err := c.ResourceStore.Delete(ctx, task.ResourceID); err != nil {
		c.log.Warn("best-effort resource delete failed", map[string]interface{}{
			"task_id":     id,
			"resource_id": task.ResourceID,
			"error":       err.Error(),
		})
	}
	return nil
}

// RecordError implements spec §4.3.
func (c *Coordinator) RecordError(ctx context.Context, workerID, id, msg string) error {
	return c.Store.RecordError(ctx, workerID, id, msg)
}

// UpdateStatusByID implements spec §4.3's operator override.
func (c *Coordinator) UpdateStatusByID(ctx context.Context, ids []string, state store.TaskState) error {
	return c.Store.UpdateStatusByIDs(ctx, ids, state)
}

// ReportWorkerInfo implements spec §4.3.
func (c *Coordinator) ReportWorkerInfo(ctx context.Context, workerID, ips, supportTypes string) error {
	return c.Store.ReportWorker(ctx, workerID, ips, supportTypes)
}

// ListWorker implements spec §4.3.
func (c *Coordinator) ListWorker(ctx context.Context) ([]*store.WorkerState, error) {
	return c.Store.ListWorkers(ctx)
}

// GetWorkerByID implements spec §4.3.
func (c *Coordinator) GetWorkerByID(ctx context.Context, id string) (*store.WorkerState, error) {
	return c.Store.GetWorkerByID(ctx, id)
}

// GetWorkerByWorkerID implements spec §4.3.
func (c *Coordinator) GetWorkerByWorkerID(ctx context.Context, workerID string) (*store.WorkerState, error) {
	return c.Store.GetWorkerByWorkerID(ctx, workerID)
}

// DeleteWorkerByID implements spec §4.3.
func (c *Coordinator) DeleteWorkerByID(ctx context.Context, id string) error {
	return c.Store.DeleteWorkerByID(ctx, id)
}

// DeleteWorkerByWorkerID implements spec §4.3.
func (c *Coordinator) DeleteWorkerByWorkerID(ctx context.Context, workerID string) error {
	return c.Store.DeleteWorkerByWorkerID(ctx, workerID)
}

// GetOfflineWorker implements spec §4.3.
func (c *Coordinator) GetOfflineWorker(ctx context.Context, durSec int64) ([]*store.WorkerState, error) {
	return c.Store.GetOfflineWorkers(ctx, durSec)
}
