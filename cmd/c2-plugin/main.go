// Command c2-plugin is the PluginBroker process (spec §4.6): a miner
// binary spawns this as a subprocess, speaking the line-delimited JSON
// stdio protocol described in spec §6.2, while the broker forwards task
// intake and polling to a coordinator over JSON-RPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipfs-force-community/gpuproxy/internal/appconfig"
	"github.com/ipfs-force-community/gpuproxy/internal/applog"
	"github.com/ipfs-force-community/gpuproxy/internal/plugin"
	"github.com/ipfs-force-community/gpuproxy/internal/rpcclient"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	stage := flag.String("stage", "c2", "proof stage name reported in the ready line")
	pollInterval := flag.Duration("poll-interval", 60*time.Second, "how often to poll the coordinator for task completion")
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

	client := rpcclient.New(cfg.URL, cfg.HTTPTimeout)

	broker := plugin.New(plugin.Config{
		Stage:        *stage,
		Coordinator:  client,
		PollInterval: *pollInterval,
		Logger:       log,
		Out:          os.Stdout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := broker.Run(ctx, os.Stdin); err != nil {
		log.Info("plugin broker exiting", map[string]interface{}{"reason": err.Error()})
		os.Exit(1)
	}
}
