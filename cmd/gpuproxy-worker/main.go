// Command gpuproxy-worker runs a standalone LocalWorker (spec §4.4) and its
// WorkerReporter (spec §4.5) against a remote coordinator over JSON-RPC,
// for operators who want worker capacity on a separate machine from the
// coordinator rather than the embedded worker cmd/gpuproxy can also run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ipfs-force-community/gpuproxy/internal/appconfig"
	"github.com/ipfs-force-community/gpuproxy/internal/applog"
	"github.com/ipfs-force-community/gpuproxy/internal/rpcclient"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
	"github.com/ipfs-force-community/gpuproxy/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	workerID := flag.String("worker-id", "", "stable identifier for this worker (required; no id is generated when empty)")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := applog.InitFromConfig(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	if *workerID == "" {
		fmt.Fprintln(os.Stderr, "-worker-id is required for a standalone worker (the embedded worker instead derives one from its own local store)")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := rpcclient.New(cfg.URL, cfg.HTTPTimeout)

	lw := worker.New(worker.Config{
		WorkerID:  *workerID,
		MaxTasks:  int64(cfg.MaxTasks),
		Kinds:     toTaskKinds(cfg.AllowType),
		Source:    client,
		Primitive: unconfiguredPrimitive{},
		Logger:    log,
	})

	reporter := worker.NewWorkerReporter(*workerID, cfg.ManualIP, supportTypeNames(cfg.AllowType), client, log)

	log.Info("worker starting", map[string]interface{}{"worker_id": *workerID, "coordinator": cfg.URL})

	go reporter.Run(ctx)
	lw.Run(ctx)
}

// unconfiguredPrimitive stands in for the GPU proof primitive, which is out
// of scope: every task it receives is recorded as a failure rather than
// silently hanging forever.
type unconfiguredPrimitive struct{}

func (unconfiguredPrimitive) Run(ctx context.Context, kind store.TaskKind, resourceBytes []byte) ([]byte, error) {
	return nil, fmt.Errorf("no proof primitive configured for task kind %d", kind)
}

func toTaskKinds(allow []int) []store.TaskKind {
	out := make([]store.TaskKind, 0, len(allow))
	for _, a := range allow {
		out = append(out, store.TaskKind(a))
	}
	return out
}

func supportTypeNames(allow []int) []string {
	if len(allow) == 0 {
		return []string{"C2"}
	}
	out := make([]string, 0, len(allow))
	for _, a := range allow {
		out = append(out, strings.TrimSpace(fmt.Sprintf("%d", a)))
	}
	return out
}
