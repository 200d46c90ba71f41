package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
	"github.com/ipfs-force-community/gpuproxy/internal/rpcproto"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
	"github.com/ipfs-force-community/gpuproxy/internal/taskid"
)

// fakeCoordinator is an in-memory Coordinator double.
type fakeCoordinator struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{tasks: map[string]*store.Task{}}
}

func (f *fakeCoordinator) GetTask(ctx context.Context, id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, apperr.NotFound("task " + id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeCoordinator) AddTask(ctx context.Context, miner, comment string, kind store.TaskKind, param []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := taskid.Task([]byte(miner), taskid.TaskKind(kind), taskid.Resource(param)).String()
	if _, ok := f.tasks[id]; !ok {
		f.tasks[id] = &store.Task{ID: id, Miner: miner, State: store.TaskStateInit}
	}
	return id, nil
}

func (f *fakeCoordinator) UpdateStatusByID(ctx context.Context, ids []string, state store.TaskState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if t, ok := f.tasks[id]; ok {
			t.State = state
		}
	}
	return nil
}

func (f *fakeCoordinator) completeTask(id string, proof []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].State = store.TaskStateCompleted
	f.tasks[id].Proof = proof
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := strings.TrimRight(s.buf.String(), "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

func TestBrokerWritesReadyLineFirst(t *testing.T) {
	out := &syncBuffer{}
	b := New(Config{Stage: "seal", Coordinator: newFakeCoordinator(), PollInterval: 10 * time.Millisecond, Out: out})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, strings.NewReader(""))

	require.Eventually(t, func() bool { return len(out.Lines()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "seal processor ready", out.Lines()[0])
}

func TestBrokerTracksNewTaskToCompletion(t *testing.T) {
	out := &syncBuffer{}
	coord := newFakeCoordinator()
	b := New(Config{Stage: "seal", Coordinator: coord, PollInterval: 10 * time.Millisecond, Out: out})

	reqLine, err := json.Marshal(rpcproto.PluginRequest{
		ID: 1,
		Task: rpcproto.C2Input{
			C1Out:    []byte("c1"),
			ProverID: make([]byte, 32),
			SectorID: 1,
			MinerID:  "f01000",
		},
	})
	require.NoError(t, err)

	r, w := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx, r)
	go func() {
		w.Write(append(reqLine, '\n'))
	}()

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return len(coord.tasks) == 1
	}, time.Second, 5*time.Millisecond)

	var taskID string
	coord.mu.Lock()
	for id := range coord.tasks {
		taskID = id
	}
	coord.mu.Unlock()
	coord.completeTask(taskID, []byte("the-proof"))

	require.Eventually(t, func() bool { return len(out.Lines()) >= 2 }, time.Second, 5*time.Millisecond)

	var resp rpcproto.PluginResponse
	require.NoError(t, json.Unmarshal([]byte(out.Lines()[len(out.Lines())-1]), &resp))
	assert.Equal(t, uint64(1), resp.ID)
	require.NotNil(t, resp.Output)
	assert.Equal(t, []byte("the-proof"), []byte(resp.Output.Proof))
	assert.Nil(t, resp.ErrMsg)
}

func TestBrokerResetsErroredTaskBeforeTracking(t *testing.T) {
	out := &syncBuffer{}
	coord := newFakeCoordinator()

	req := rpcproto.PluginRequest{ID: 2, Task: rpcproto.C2Input{MinerID: "f01000", ProverID: make([]byte, 32), SectorID: 9, C1Out: []byte("c1")}}
	resourceBytes := taskid.PackC2ResourceBytes(req.Task.ProverID, req.Task.SectorID, req.Task.C1Out)
	resourceID := taskid.Resource(resourceBytes)
	hashedID := taskid.Task([]byte(req.Task.MinerID), taskid.TaskKind(store.TaskKindC2), resourceID).String()
	coord.tasks[hashedID] = &store.Task{ID: hashedID, Miner: "f01000", State: store.TaskStateError, ErrorMsg: "previous failure"}

	b := New(Config{Stage: "seal", Coordinator: coord, PollInterval: 10 * time.Millisecond, Out: out})

	ctx := context.Background()
	go b.handleRequest(ctx, req)

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return coord.tasks[hashedID].State != store.TaskStateError
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedRequestLineIsSkippedNotFatal(t *testing.T) {
	out := &syncBuffer{}
	coord := newFakeCoordinator()
	b := New(Config{Stage: "seal", Coordinator: coord, PollInterval: 10 * time.Millisecond, Out: out})

	err := b.Run(context.Background(), strings.NewReader("not json\n"))
	assert.ErrorIs(t, err, io.EOF, "EOF after only malformed input is still the terminal condition, not a crash")
}
