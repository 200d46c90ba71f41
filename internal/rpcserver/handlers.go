package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
	"github.com/ipfs-force-community/gpuproxy/internal/coordinator"
	"github.com/ipfs-force-community/gpuproxy/internal/rpcproto"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
)

var methods = map[string]handlerFunc{
	"Proof.SubmitC2Task":         handleSubmitC2Task,
	"Proof.AddTask":              handleAddTask,
	"Proof.GetTask":              handleGetTask,
	"Proof.GetResourceInfo":      handleGetResourceInfo,
	"Proof.ListTask":             handleListTask,
	"Proof.FetchTodo":            handleFetchTodo,
	"Proof.FetchUncompleted":     handleFetchUncompleted,
	"Proof.RecordProof":          handleRecordProof,
	"Proof.RecordError":          handleRecordError,
	"Proof.UpdateStatusByID":     handleUpdateStatusByID,
	"Proof.ReportWorkerInfo":     handleReportWorkerInfo,
	"Proof.ListWorker":           handleListWorker,
	"Proof.GetWorkerByID":        handleGetWorkerByID,
	"Proof.GetWorkerByWorkerID":  handleGetWorkerByWorkerID,
	"Proof.DeleteWorkerByID":     handleDeleteWorkerByID,
	"Proof.DeleteWorkerByWorkerID": handleDeleteWorkerByWorkerID,
	"Proof.GetOfflineWorker":     handleGetOfflineWorker,
}

// handleRPC decodes one JSON-RPC 2.0 request, dispatches it to the matching
// Proof.* method, and writes back a Response. The body is wrapped in
// http.MaxBytesReader so an oversized request fails fast with a 413-style
// read error instead of exhausting memory (spec §6.4's body-size cap,
// defaulting to 1 GiB and configurable via the max-body-bytes config key).
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req rpcproto.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, rpcproto.NewError(nil, rpcproto.CodeInvalidParams, "decode request: "+err.Error()))
		return
	}

	handler, ok := methods[req.Method]
	if !ok {
		writeResponse(w, rpcproto.NewError(req.ID, rpcproto.CodeInvalidParams, "unknown method: "+req.Method))
		return
	}

	result, err := handler(r.Context(), s.coordinator, req.Params)
	if err != nil {
		writeResponse(w, rpcproto.NewError(req.ID, codeFor(err), err.Error()))
		return
	}
	writeResponse(w, rpcproto.NewResult(req.ID, result))
}

func writeResponse(w http.ResponseWriter, resp rpcproto.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// codeFor maps the apperr taxonomy onto the two JSON-RPC codes spec §6.1
// defines: a client-caused InvalidParams/NotFound is reported as
// InvalidParams, everything else (store/resource/transport/primitive
// failures) is an InternalError.
func codeFor(err error) int {
	if apperr.Is(err, apperr.CategoryInvalidParams) || apperr.Is(err, apperr.CategoryNotFound) {
		return rpcproto.CodeInvalidParams
	}
	return rpcproto.CodeInternalError
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, apperr.InvalidParams("missing params", nil)
	}
	if err := json.Unmarshal(params, &v); err != nil {
		var zero T
		return zero, apperr.InvalidParams("invalid params: "+err.Error(), err)
	}
	return v, nil
}

type submitC2TaskParams struct {
	Phase1Output rpcproto.Bytes `json:"phase1_output"`
	Miner        string         `json:"miner"`
	Comment      string         `json:"comment"`
	ProverID     rpcproto.Bytes `json:"prover_id"`
	SectorID     uint64         `json:"sector_id"`
}

func handleSubmitC2Task(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[submitC2TaskParams](raw)
	if err != nil {
		return nil, err
	}
	return c.SubmitC2Task(ctx, p.Phase1Output, p.Miner, p.Comment, p.ProverID, p.SectorID)
}

type addTaskParams struct {
	Miner   string         `json:"miner"`
	Comment string         `json:"comment"`
	Kind    int32          `json:"kind"`
	Param   rpcproto.Bytes `json:"param"`
}

func handleAddTask(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[addTaskParams](raw)
	if err != nil {
		return nil, err
	}
	return c.AddTask(ctx, p.Miner, p.Comment, store.TaskKind(p.Kind), p.Param)
}

type idParams struct {
	ID string `json:"id"`
}

func handleGetTask(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[idParams](raw)
	if err != nil {
		return nil, err
	}
	t, err := c.GetTask(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return rpcproto.TaskFromStore(t), nil
}

func handleGetResourceInfo(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[idParams](raw)
	if err != nil {
		return nil, err
	}
	data, err := c.GetResourceInfo(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return rpcproto.Bytes(data), nil
}

type listTaskParams struct {
	WorkerID string  `json:"worker_id"`
	States   []int32 `json:"states"`
}

func handleListTask(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[listTaskParams](raw)
	if err != nil {
		return nil, err
	}
	tasks, err := c.ListTask(ctx, p.WorkerID, toTaskStates(p.States))
	if err != nil {
		return nil, err
	}
	return rpcproto.TasksFromStore(tasks), nil
}

type fetchTodoParams struct {
	WorkerID string  `json:"worker_id"`
	Kinds    []int32 `json:"kinds"`
}

func handleFetchTodo(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[fetchTodoParams](raw)
	if err != nil {
		return nil, err
	}
	kinds := make([]store.TaskKind, 0, len(p.Kinds))
	for _, k := range p.Kinds {
		kinds = append(kinds, store.TaskKind(k))
	}
	t, err := c.FetchTodo(ctx, p.WorkerID, kinds)
	if err != nil {
		return nil, err
	}
	return rpcproto.TaskFromStore(t), nil
}

type workerIDParams struct {
	WorkerID string `json:"worker_id"`
}

func handleFetchUncompleted(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[workerIDParams](raw)
	if err != nil {
		return nil, err
	}
	tasks, err := c.FetchUncompleted(ctx, p.WorkerID)
	if err != nil {
		return nil, err
	}
	return rpcproto.TasksFromStore(tasks), nil
}

type recordProofParams struct {
	WorkerID string         `json:"worker_id"`
	ID       string         `json:"id"`
	Proof    rpcproto.Bytes `json:"proof"`
}

func handleRecordProof(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[recordProofParams](raw)
	if err != nil {
		return nil, err
	}
	if err := c.RecordProof(ctx, p.WorkerID, p.ID, p.Proof); err != nil {
		return nil, err
	}
	return true, nil
}

type recordErrorParams struct {
	WorkerID string `json:"worker_id"`
	ID       string `json:"id"`
	Msg      string `json:"msg"`
}

func handleRecordError(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[recordErrorParams](raw)
	if err != nil {
		return nil, err
	}
	if err := c.RecordError(ctx, p.WorkerID, p.ID, p.Msg); err != nil {
		return nil, err
	}
	return true, nil
}

type updateStatusByIDParams struct {
	IDs   []string `json:"ids"`
	State int32    `json:"state"`
}

func handleUpdateStatusByID(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[updateStatusByIDParams](raw)
	if err != nil {
		return nil, err
	}
	if err := c.UpdateStatusByID(ctx, p.IDs, store.TaskState(p.State)); err != nil {
		return nil, err
	}
	return true, nil
}

type reportWorkerInfoParams struct {
	WorkerID     string `json:"worker_id"`
	IPs          string `json:"ips"`
	SupportTypes string `json:"support_types"`
}

func handleReportWorkerInfo(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[reportWorkerInfoParams](raw)
	if err != nil {
		return nil, err
	}
	if err := c.ReportWorkerInfo(ctx, p.WorkerID, p.IPs, p.SupportTypes); err != nil {
		return nil, err
	}
	return true, nil
}

func handleListWorker(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	workers, err := c.ListWorker(ctx)
	if err != nil {
		return nil, err
	}
	return rpcproto.WorkerStatesFromStore(workers), nil
}

func handleGetWorkerByID(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[idParams](raw)
	if err != nil {
		return nil, err
	}
	w, err := c.GetWorkerByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return rpcproto.WorkerStateFromStore(w), nil
}

func handleGetWorkerByWorkerID(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[workerIDParams](raw)
	if err != nil {
		return nil, err
	}
	w, err := c.GetWorkerByWorkerID(ctx, p.WorkerID)
	if err != nil {
		return nil, err
	}
	return rpcproto.WorkerStateFromStore(w), nil
}

func handleDeleteWorkerByID(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[idParams](raw)
	if err != nil {
		return nil, err
	}
	if err := c.DeleteWorkerByID(ctx, p.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func handleDeleteWorkerByWorkerID(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[workerIDParams](raw)
	if err != nil {
		return nil, err
	}
	if err := c.DeleteWorkerByWorkerID(ctx, p.WorkerID); err != nil {
		return nil, err
	}
	return true, nil
}

type offlineParams struct {
	DurSec int64 `json:"dur_sec"`
}

func handleGetOfflineWorker(ctx context.Context, c *coordinator.Coordinator, raw json.RawMessage) (any, error) {
	p, err := decodeParams[offlineParams](raw)
	if err != nil {
		return nil, err
	}
	workers, err := c.GetOfflineWorker(ctx, p.DurSec)
	if err != nil {
		return nil, err
	}
	return rpcproto.WorkerStatesFromStore(workers), nil
}

func toTaskStates(in []int32) []store.TaskState {
	out := make([]store.TaskState, 0, len(in))
	for _, v := range in {
		out = append(out, store.TaskState(v))
	}
	return out
}
