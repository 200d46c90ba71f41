// Package plugin implements the PluginBroker stdio protocol (spec §4.6/§6.2):
// a subprocess hosted by a miner that reads one JSON request per line on
// stdin, derives a deterministic task id shared with the coordinator
// (internal/taskid), tracks the task to completion, and writes one JSON
// response per line on stdout.
package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ipfs-force-community/gpuproxy/internal/apperr"
	"github.com/ipfs-force-community/gpuproxy/internal/applog"
	"github.com/ipfs-force-community/gpuproxy/internal/rpcproto"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
	"github.com/ipfs-force-community/gpuproxy/internal/taskid"
)

// Coordinator is the subset of coordinator behavior the broker needs,
// satisfied by *rpcclient.Client when the broker runs as a separate
// process (the only real deployment, since it is a subprocess hosted by a
// miner binary) but kept as an interface so tests can supply a fake.
type Coordinator interface {
	GetTask(ctx context.Context, id string) (*store.Task, error)
	AddTask(ctx context.Context, miner, comment string, kind store.TaskKind, param []byte) (string, error)
	UpdateStatusByID(ctx context.Context, ids []string, state store.TaskState) error
}

// Broker is the PluginBroker (spec §4.6).
type Broker struct {
	stage        string
	coordinator  Coordinator
	pollInterval time.Duration
	log          *applog.Logger

	out      io.Writer
	outMutex sync.Mutex
}

// Config configures a Broker.
type Config struct {
	Stage        string
	Coordinator  Coordinator
	PollInterval time.Duration
	Logger       *applog.Logger
	Out          io.Writer
}

// New builds a Broker. Out defaults to nothing useful without being set by
// the caller explicitly (cmd/c2-plugin passes os.Stdout); tests pass an
// in-memory buffer.
func New(cfg Config) *Broker {
	log := cfg.Logger
	if log == nil {
		l, _ := applog.InitFromConfig("info", "text", "stderr", "")
		log = l
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Broker{
		stage:        cfg.Stage,
		coordinator:  cfg.Coordinator,
		pollInterval: interval,
		log:          log.WithComponent("plugin-broker"),
		out:          cfg.Out,
	}
}

// Run reads requests from in line-by-line, spawning a tracking goroutine
// per request, until in is exhausted (spec §4.6 step 5: EOF is fatal) or a
// read fails. Canceling ctx stops the per-request trackers but does not
// interrupt a pending read. It returns the error that ended the loop.
func (b *Broker) Run(ctx context.Context, in io.Reader) error {
	b.writeReadyLine()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcproto.PluginRequest
		if err := json.Unmarshal(line, &req); err != nil {
			b.log.Warn("malformed request line, skipping", map[string]interface{}{"error": err.Error()})
			continue
		}

		wg.Add(1)
		go func(r rpcproto.PluginRequest) {
			defer wg.Done()
			b.handleRequest(ctx, r)
		}(req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	// A clean EOF (zero-length scan termination with no error) is itself
	// the fatal condition spec §4.6 step 5 describes: the parent process
	// closed the pipe, so the broker must exit.
	return io.EOF
}

func (b *Broker) writeReadyLine() {
	b.writeLine([]byte(b.stage + " processor ready"))
}

// handleRequest implements spec §4.6 step 3: derive the task id, ensure a
// tracked row exists, poll until terminal, respond.
func (b *Broker) handleRequest(ctx context.Context, req rpcproto.PluginRequest) {
	resourceBytes := taskid.PackC2ResourceBytes(req.Task.ProverID, req.Task.SectorID, req.Task.C1Out)
	resourceID := taskid.Resource(resourceBytes)
	taskID := taskid.Task([]byte(req.Task.MinerID), taskid.TaskKind(store.TaskKindC2), resourceID)

	existing, err := b.coordinator.GetTask(ctx, taskID.String())
	switch {
	case err == nil && existing.State == store.TaskStateError:
		if resetErr := b.coordinator.UpdateStatusByID(ctx, []string{taskID.String()}, store.TaskStateInit); resetErr != nil {
			b.respondError(req.ID, "reset errored task: "+resetErr.Error())
			return
		}
	case err == nil:
		// any other state: proceed straight to tracking.
	case apperr.Is(err, apperr.CategoryNotFound):
		if _, addErr := b.coordinator.AddTask(ctx, req.Task.MinerID, "", store.TaskKindC2, resourceBytes); addErr != nil {
			b.respondError(req.ID, "add task: "+addErr.Error())
			return
		}
	default:
		b.respondError(req.ID, "get task: "+err.Error())
		return
	}

	b.trackToCompletion(ctx, req.ID, taskID.String())
}

// trackToCompletion polls GetTask until the task leaves Running/Init
// (spec §4.6 step 3c), then writes exactly one response line.
func (b *Broker) trackToCompletion(ctx context.Context, reqID uint64, taskID string) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		task, err := b.coordinator.GetTask(ctx, taskID)
		if err != nil {
			b.respondError(reqID, "poll task: "+err.Error())
			return
		}
		switch task.State {
		case store.TaskStateCompleted:
			b.respondSuccess(reqID, task.Proof)
			return
		case store.TaskStateError:
			b.respondError(reqID, task.ErrorMsg)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Broker) respondSuccess(id uint64, proof []byte) {
	b.writeResponse(rpcproto.PluginResponse{ID: id, Output: &rpcproto.PluginOutput{Proof: proof}})
}

func (b *Broker) respondError(id uint64, msg string) {
	b.writeResponse(rpcproto.PluginResponse{ID: id, ErrMsg: &msg})
}

func (b *Broker) writeResponse(resp rpcproto.PluginResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		b.log.Error("marshal response failed", map[string]interface{}{"error": err.Error()})
		return
	}
	b.writeLine(data)
}

// writeLine serializes concurrent writers (spec §4.6 step 4: "stdout
// writes MUST be serialized by a mutex") and flushes after every line.
func (b *Broker) writeLine(data []byte) {
	b.outMutex.Lock()
	defer b.outMutex.Unlock()

	b.out.Write(data)
	b.out.Write([]byte("\n"))
	if f, ok := b.out.(interface{ Flush() error }); ok {
		f.Flush()
	} else if f, ok := b.out.(interface{ Sync() error }); ok {
		f.Sync()
	}
}
