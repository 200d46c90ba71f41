package rpcproto

import "github.com/ipfs-force-community/gpuproxy/internal/store"

// Task is the wire representation of store.Task (spec §6.1: byte fields
// base64, enums numeric).
type Task struct {
	ID         string        `json:"id"`
	Miner      string        `json:"miner"`
	ResourceID string        `json:"resource_id"`
	TaskKind   int32         `json:"task_kind"`
	State      int32         `json:"state"`
	WorkerID   string        `json:"worker_id"`
	Proof      Bytes         `json:"proof,omitempty"`
	ErrorMsg   string        `json:"error_msg,omitempty"`
	Comment    string        `json:"comment,omitempty"`
	CreateAt   int64         `json:"create_at"`
	StartAt    int64         `json:"start_at"`
	CompleteAt int64         `json:"complete_at"`
}

// TaskFromStore converts the internal domain type to its wire shape.
func TaskFromStore(t *store.Task) *Task {
	if t == nil {
		return nil
	}
	return &Task{
		ID:         t.ID,
		Miner:      t.Miner,
		ResourceID: t.ResourceID,
		TaskKind:   int32(t.TaskKind),
		State:      int32(t.State),
		WorkerID:   t.WorkerID,
		Proof:      t.Proof,
		ErrorMsg:   t.ErrorMsg,
		Comment:    t.Comment,
		CreateAt:   t.CreateAt,
		StartAt:    t.StartAt,
		CompleteAt: t.CompleteAt,
	}
}

// TasksFromStore converts a slice in bulk.
func TasksFromStore(ts []*store.Task) []*Task {
	out := make([]*Task, 0, len(ts))
	for _, t := range ts {
		out = append(out, TaskFromStore(t))
	}
	return out
}

// WorkerState is the wire representation of store.WorkerState.
type WorkerState struct {
	ID           string `json:"id"`
	WorkerID     string `json:"worker_id"`
	IPs          string `json:"ips"`
	SupportTypes string `json:"support_types"`
	CreateAt     int64  `json:"create_at"`
	UpdateAt     int64  `json:"update_at"`
}

// WorkerStateFromStore converts the internal domain type to its wire shape.
func WorkerStateFromStore(w *store.WorkerState) *WorkerState {
	if w == nil {
		return nil
	}
	return &WorkerState{
		ID:           w.ID,
		WorkerID:     w.WorkerID,
		IPs:          w.IPs,
		SupportTypes: w.SupportTypes,
		CreateAt:     w.CreateAt,
		UpdateAt:     w.UpdateAt,
	}
}

// WorkerStatesFromStore converts a slice in bulk.
func WorkerStatesFromStore(ws []*store.WorkerState) []*WorkerState {
	out := make([]*WorkerState, 0, len(ws))
	for _, w := range ws {
		out = append(out, WorkerStateFromStore(w))
	}
	return out
}

// C2Input is the opaque phase-2 input submitted by a miner (spec §4.3/§4.6):
// prover_id/sector_id/c1out are packed into the canonical resource_bytes the
// dispatcher hashes and stores; the C2 primitive itself is out of scope.
type C2Input struct {
	C1Out    Bytes  `json:"c1out"`
	ProverID Bytes  `json:"prover_id"`
	SectorID uint64 `json:"sector_id"`
	MinerID  string `json:"miner_id"`
}

// PluginRequest is one line of the plugin stdio protocol (spec §4.6/§6.2).
type PluginRequest struct {
	ID   uint64   `json:"id"`
	Task C2Input  `json:"task"`
}

// PluginOutput carries the proof on plugin success.
type PluginOutput struct {
	Proof Bytes `json:"proof"`
}

// PluginResponse is one line of the plugin stdio protocol's reply
// direction. Exactly one of ErrMsg/Output is non-nil.
type PluginResponse struct {
	ID      uint64        `json:"id"`
	ErrMsg  *string       `json:"err_msg"`
	Output  *PluginOutput `json:"output"`
}
