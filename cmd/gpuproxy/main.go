// Command gpuproxy is the coordinator binary (spec §6.5): it serves the
// JSON-RPC surface and, unless disable-worker is set in its configuration
// (config file key disable_worker or env GPUPROXY_DISABLE_WORKER), runs an embedded
// LocalWorker in the same process. A handful of operator subcommands
// (task/worker inspection, paramfetch) share the binary, dispatched the
// way the teacher's cmd/noisefs switches on os.Args[1] before flag.Parse.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ipfs-force-community/gpuproxy/internal/appconfig"
	"github.com/ipfs-force-community/gpuproxy/internal/applog"
	"github.com/ipfs-force-community/gpuproxy/internal/coordinator"
	"github.com/ipfs-force-community/gpuproxy/internal/resourcestore"
	"github.com/ipfs-force-community/gpuproxy/internal/resourcestore/dbstore"
	"github.com/ipfs-force-community/gpuproxy/internal/resourcestore/fsstore"
	"github.com/ipfs-force-community/gpuproxy/internal/rpcclient"
	"github.com/ipfs-force-community/gpuproxy/internal/rpcserver"
	"github.com/ipfs-force-community/gpuproxy/internal/store"
	"github.com/ipfs-force-community/gpuproxy/internal/store/sqlstore"
	"github.com/ipfs-force-community/gpuproxy/internal/worker"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCoordinator(os.Args[2:])
			return
		case "task":
			runTaskSubcommand(os.Args[2:])
			return
		case "worker":
			runWorkerSubcommand(os.Args[2:])
			return
		case "paramfetch":
			runParamfetch(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: gpuproxy <run|task|worker|paramfetch> [flags]")
	os.Exit(1)
}

func loadConfigOrExit(configPath string) *appconfig.Config {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runCoordinator(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	fs.Parse(args)

	cfg := loadConfigOrExit(*configPath)

	log, err := applog.InitFromConfig(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := sqlstore.Open(ctx, cfg.DBDSN)
	if err != nil {
		log.Error("open store failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer st.Close()

	rs, err := buildResourceStore(cfg, st)
	if err != nil {
		log.Error("open resource store failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	coord := coordinator.New(st, rs, log)
	srv := rpcserver.New(coord, rpcserver.Config{Addr: cfg.URL, MaxBodyBytes: cfg.MaxBodyBytes, Logger: log})

	if !cfg.DisableWorker {
		workerID, err := st.EnsureWorkerID(ctx)
		if err != nil {
			log.Error("ensure worker id failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		log.Warn("no proof primitive configured; embedded worker will record every task as failed", nil)
		lw := worker.New(worker.Config{
			WorkerID:  workerID,
			MaxTasks:  int64(cfg.MaxTasks),
			Kinds:     toTaskKinds(cfg.AllowType),
			Source:    coord,
			Primitive: unconfiguredPrimitive{},
			Logger:    log,
		})
		go lw.Run(ctx)

		reporter := worker.NewWorkerReporter(workerID, cfg.ManualIP, supportTypeNames(cfg.AllowType), coord, log)
		go reporter.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown error", map[string]interface{}{"error": err.Error()})
		}
	case err := <-errCh:
		if err != nil {
			log.Error("rpc server exited", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}
}

// unconfiguredPrimitive stands in for the GPU proof primitive, which is out
// of scope (spec §1): every task it receives is recorded as a failure rather
// than silently hanging forever. Operators wire a real Primitive by building
// their own binary against internal/worker instead of cmd/gpuproxy.
type unconfiguredPrimitive struct{}

func (unconfiguredPrimitive) Run(ctx context.Context, kind store.TaskKind, resourceBytes []byte) ([]byte, error) {
	return nil, fmt.Errorf("no proof primitive configured for task kind %d", kind)
}

func buildResourceStore(cfg *appconfig.Config, st *sqlstore.Store) (resourcestore.Store, error) {
	switch cfg.ResourceType {
	case "fs":
		return fsstore.New(cfg.FSResourcePath)
	default:
		return dbstore.New(st.DB(), st.Placeholder), nil
	}
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
		out = append(out, strconv.Itoa(a))
	}
	return out
}

func newRPCClient(configPath string) (*rpcclient.Client, *appconfig.Config) {
	cfg := loadConfigOrExit(configPath)
	return rpcclient.New(cfg.URL, cfg.HTTPTimeout), cfg
}

func runTaskSubcommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gpuproxy task <list|get|update-state> [flags]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")

	switch args[0] {
	case "list":
		workerID := fs.String("worker-id", "", "filter by worker id (empty lists all workers' tasks)")
		statesFlag := fs.String("states", "", "comma-separated task states to filter by (e.g. 1,2); empty lists all states")
		fs.Parse(args[1:])
		client, _ := newRPCClient(*configPath)
		tasks, err := client.ListTask(context.Background(), *workerID, parseStates(*statesFlag))
		exitOnErr(err)
		for _, t := range tasks {
			fmt.Printf("%+v\n", t)
		}
	case "get":
		fs.Parse(args[1:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: gpuproxy task get <id>")
			os.Exit(1)
		}
		client, _ := newRPCClient(*configPath)
		task, err := client.GetTask(context.Background(), fs.Arg(0))
		exitOnErr(err)
		fmt.Printf("%+v\n", task)
	case "update-state":
		state := fs.Int("state", 0, "target state (0=Undefined,1=Init,2=Running,3=Error,4=Completed)")
		fs.Parse(args[1:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: gpuproxy task update-state -state N <id...>")
			os.Exit(1)
		}
		client, _ := newRPCClient(*configPath)
		err := client.UpdateStatusByID(context.Background(), fs.Args(), store.TaskState(*state))
		exitOnErr(err)
		fmt.Println("ok")
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runWorkerSubcommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gpuproxy worker <list|get|delete|offline> [flags]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")

	switch args[0] {
	case "list":
		fs.Parse(args[1:])
		client, _ := newRPCClient(*configPath)
		workers, err := client.ListWorker(context.Background())
		exitOnErr(err)
		for _, w := range workers {
			fmt.Printf("%+v\n", w)
		}
	case "get":
		byWorkerID := fs.Bool("by-worker-id", false, "look up by worker_id instead of row id")
		fs.Parse(args[1:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: gpuproxy worker get [-by-worker-id] <id>")
			os.Exit(1)
		}
		client, _ := newRPCClient(*configPath)
		var w *store.WorkerState
		var err error
		if *byWorkerID {
			w, err = client.GetWorkerByWorkerID(context.Background(), fs.Arg(0))
		} else {
			w, err = client.GetWorkerByID(context.Background(), fs.Arg(0))
		}
		exitOnErr(err)
		fmt.Printf("%+v\n", w)
	case "delete":
		byWorkerID := fs.Bool("by-worker-id", false, "delete by worker_id instead of row id")
		fs.Parse(args[1:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: gpuproxy worker delete [-by-worker-id] <id>")
			os.Exit(1)
		}
		client, _ := newRPCClient(*configPath)
		var err error
		if *byWorkerID {
			err = client.DeleteWorkerByWorkerID(context.Background(), fs.Arg(0))
		} else {
			err = client.DeleteWorkerByID(context.Background(), fs.Arg(0))
		}
		exitOnErr(err)
		fmt.Println("ok")
	case "offline":
		fs.Parse(args[1:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: gpuproxy worker offline <duration, e.g. 20m>")
			os.Exit(1)
		}
		dur, err := time.ParseDuration(fs.Arg(0))
		exitOnErr(err)
		client, _ := newRPCClient(*configPath)
		workers, err := client.GetOfflineWorker(context.Background(), int64(dur.Seconds()))
		exitOnErr(err)
		for _, w := range workers {
			fmt.Printf("%+v\n", w)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown worker subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func parseStates(raw string) []store.TaskState {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]store.TaskState, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, store.TaskState(n))
	}
	return out
}

// runParamfetch is a documented no-op: the C2 primitive and its sector
// parameters are out of scope (spec §1), but the subcommand surface itself
// is part of §6.5, so it exists and explains what it does not do.
func runParamfetch(args []string) {
	fs := flag.NewFlagSet("paramfetch", flag.ExitOnError)
	sectorSize := fs.String("sector-size", "", "sector size to fetch parameters for")
	fs.Parse(args)
	fmt.Printf("paramfetch is a no-op in this build: fetching GPU proof parameters for sector size %q is out of scope.\n", *sectorSize)
	fmt.Println("Install and configure the proof primitive out-of-band, then point -config at a worker config that can run it.")
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
