// Package rpcclient is the JSON-RPC 2.0 HTTP client used by a standalone
// LocalWorker process and the PluginBroker to talk to a Coordinator over
// the wire (spec §4.3/§4.4/§4.6), as opposed to the in-process path an
// embedded worker uses directly against internal/coordinator.Coordinator.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
	"github.com/ipfs-force-community/gpuproxy/internal/rpcproto"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
)

// Client posts JSON-RPC 2.0 requests to a Coordinator's /rpc/v0 endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	nextID     int64
}

// New builds a Client. timeout defaults to 60s (HTTP_TIMEOUT, spec §5) when
// zero.
func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	c.nextID++
	id, err := json.Marshal(c.nextID)
	if err != nil {
		return apperr.Transport("marshal request id", err)
	}
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return apperr.Transport("marshal params", err)
	}
	reqBody, err := json.Marshal(rpcproto.Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsRaw})
	if err != nil {
		return apperr.Transport("marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return apperr.Transport("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperr.Transport(fmt.Sprintf("call %s", method), err)
	}
	defer resp.Body.Close()

	var rpcResp rpcproto.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return apperr.Transport(fmt.Sprintf("decode response for %s", method), err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcproto.CodeInvalidParams {
			return apperr.NotFound(rpcResp.Error.Message)
		}
		return apperr.Transport(fmt.Sprintf("%s: %s", method, rpcResp.Error.Message), nil)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return apperr.Transport(fmt.Sprintf("unmarshal result for %s", method), err)
	}
	return nil
}

// FetchTodo implements the worker.TaskSource interface over RPC.
func (c *Client) FetchTodo(ctx context.Context, workerID string, kinds []store.TaskKind) (*store.Task, error) {
	var wire rpcproto.Task
	err := c.call(ctx, "Proof.FetchTodo", map[string]any{"worker_id": workerID, "kinds": kindsToInt32(kinds)}, &wire)
	if err != nil {
		return nil, err
	}
	return wireTaskToStore(&wire), nil
}

// FetchUncompleted implements the worker.TaskSource interface over RPC.
func (c *Client) FetchUncompleted(ctx context.Context, workerID string) ([]*store.Task, error) {
	var wire []*rpcproto.Task
	if err := c.call(ctx, "Proof.FetchUncompleted", map[string]any{"worker_id": workerID}, &wire); err != nil {
		return nil, err
	}
	out := make([]*store.Task, 0, len(wire))
	for _, t := range wire {
		out = append(out, wireTaskToStore(t))
	}
	return out, nil
}

// RecordProof implements the worker.TaskSource interface over RPC.
func (c *Client) RecordProof(ctx context.Context, workerID, id string, proof []byte) error {
	return c.call(ctx, "Proof.RecordProof", map[string]any{"worker_id": workerID, "id": id, "proof": rpcproto.Bytes(proof)}, nil)
}

// RecordError implements the worker.TaskSource interface over RPC.
func (c *Client) RecordError(ctx context.Context, workerID, id, msg string) error {
	return c.call(ctx, "Proof.RecordError", map[string]any{"worker_id": workerID, "id": id, "msg": msg}, nil)
}

// GetResourceInfo implements the worker.TaskSource interface over RPC.
func (c *Client) GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error) {
	var data rpcproto.Bytes
	if err := c.call(ctx, "Proof.GetResourceInfo", map[string]any{"id": resourceID}, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// ReportWorkerInfo is used by WorkerReporter when talking to a remote
// coordinator.
func (c *Client) ReportWorkerInfo(ctx context.Context, workerID, ips, supportTypes string) error {
	return c.call(ctx, "Proof.ReportWorkerInfo", map[string]any{"worker_id": workerID, "ips": ips, "support_types": supportTypes}, nil)
}

// GetTask is used by the plugin broker.
func (c *Client) GetTask(ctx context.Context, id string) (*store.Task, error) {
	var wire rpcproto.Task
	if err := c.call(ctx, "Proof.GetTask", map[string]any{"id": id}, &wire); err != nil {
		return nil, err
	}
	return wireTaskToStore(&wire), nil
}

// AddTask is used by the plugin broker.
func (c *Client) AddTask(ctx context.Context, miner, comment string, kind store.TaskKind, param []byte) (string, error) {
	var taskID string
	err := c.call(ctx, "Proof.AddTask", map[string]any{
		"miner": miner, "comment": comment, "kind": int32(kind), "param": rpcproto.Bytes(param),
	}, &taskID)
	return taskID, err
}

// UpdateStatusByID is used by the plugin broker to reset an Error task.
func (c *Client) UpdateStatusByID(ctx context.Context, ids []string, state store.TaskState) error {
	return c.call(ctx, "Proof.UpdateStatusByID", map[string]any{"ids": ids, "state": int32(state)}, nil)
}

// ListTask is used by the CLI's `task list` subcommand.
func (c *Client) ListTask(ctx context.Context, workerID string, states []store.TaskState) ([]*store.Task, error) {
	statesInt := make([]int32, 0, len(states))
	for _, st := range states {
		statesInt = append(statesInt, int32(st))
	}
	var wire []*rpcproto.Task
	if err := c.call(ctx, "Proof.ListTask", map[string]any{"worker_id": workerID, "states": statesInt}, &wire); err != nil {
		return nil, err
	}
	out := make([]*store.Task, 0, len(wire))
	for _, t := range wire {
		out = append(out, wireTaskToStore(t))
	}
	return out, nil
}

// ListWorker is used by the CLI's `worker list` subcommand.
func (c *Client) ListWorker(ctx context.Context) ([]*store.WorkerState, error) {
	var wire []*rpcproto.WorkerState
	if err := c.call(ctx, "Proof.ListWorker", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]*store.WorkerState, 0, len(wire))
	for _, w := range wire {
		out = append(out, wireWorkerToStore(w))
	}
	return out, nil
}

// GetWorkerByID is used by the CLI's `worker get` subcommand.
func (c *Client) GetWorkerByID(ctx context.Context, id string) (*store.WorkerState, error) {
	var wire rpcproto.WorkerState
	if err := c.call(ctx, "Proof.GetWorkerByID", map[string]any{"id": id}, &wire); err != nil {
		return nil, err
	}
	return wireWorkerToStore(&wire), nil
}

// GetWorkerByWorkerID is used by the CLI's `worker get` subcommand.
func (c *Client) GetWorkerByWorkerID(ctx context.Context, workerID string) (*store.WorkerState, error) {
	var wire rpcproto.WorkerState
	if err := c.call(ctx, "Proof.GetWorkerByWorkerID", map[string]any{"worker_id": workerID}, &wire); err != nil {
		return nil, err
	}
	return wireWorkerToStore(&wire), nil
}

// DeleteWorkerByID is used by the CLI's `worker delete` subcommand.
func (c *Client) DeleteWorkerByID(ctx context.Context, id string) error {
	return c.call(ctx, "Proof.DeleteWorkerByID", map[string]any{"id": id}, nil)
}

// DeleteWorkerByWorkerID is used by the CLI's `worker delete` subcommand.
func (c *Client) DeleteWorkerByWorkerID(ctx context.Context, workerID string) error {
	return c.call(ctx, "Proof.DeleteWorkerByWorkerID", map[string]any{"worker_id": workerID}, nil)
}

// GetOfflineWorker is used by the CLI's `worker offline` subcommand.
func (c *Client) GetOfflineWorker(ctx context.Context, durSec int64) ([]*store.WorkerState, error) {
	var wire []*rpcproto.WorkerState
	if err := c.call(ctx, "Proof.GetOfflineWorker", map[string]any{"dur_sec": durSec}, &wire); err != nil {
		return nil, err
	}
	out := make([]*store.WorkerState, 0, len(wire))
	for _, w := range wire {
		out = append(out, wireWorkerToStore(w))
	}
	return out, nil
}

func kindsToInt32(kinds []store.TaskKind) []int32 {
	out := make([]int32, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, int32(k))
	}
	return out
}

func wireWorkerToStore(w *rpcproto.WorkerState) *store.WorkerState {
	if w == nil {
		return nil
	}
	return &store.WorkerState{
		ID:           w.ID,
		WorkerID:     w.WorkerID,
		IPs:          w.IPs,
		SupportTypes: w.SupportTypes,
		CreateAt:     w.CreateAt,
		UpdateAt:     w.UpdateAt,
	}
}

func wireTaskToStore(t *rpcproto.Task) *store.Task {
	if t == nil {
		return nil
	}
	return &store.Task{
		ID:         t.ID,
		Miner:      t.Miner,
		ResourceID: t.ResourceID,
		TaskKind:   store.TaskKind(t.TaskKind),
		State:      store.TaskState(t.State),
		WorkerID:   t.WorkerID,
		Proof:      t.Proof,
		ErrorMsg:   t.ErrorMsg,
		Comment:    t.Comment,
		CreateAt:   t.CreateAt,
		StartAt:    t.StartAt,
		CompleteAt: t.CompleteAt,
	}
}
