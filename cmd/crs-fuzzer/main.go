// Command crs-fuzzer is a fuzz worker: it drains weighted harness
// assignments, runs the fuzz engine against the staged build for each
// assignment's timeslice, hashes new corpus files, and routes crashing
// inputs through dedup intake.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/trailofbits/buttercup-crs-core/internal/config"
	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/fuzzrun"
	"github.com/trailofbits/buttercup-crs-core/internal/harness"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/logging"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logger := logging.New(cfg.NodeLocal.DataDir, "fuzzer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGPIPE)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received interrupt signal; shutting down gracefully")
		cancel()
	}()

	client := kv.New(kv.Config{
		Host:        cfg.Redis.Host,
		Port:        cfg.Redis.Port,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		logger.Error("kv store unreachable", "error", err)
		return 1
	}

	root, err := nodelocal.NewRoot(cfg.NodeLocal.DataDir)
	if err != nil {
		logger.Error("node-local root unusable", "error", err)
		return 1
	}

	assignQ := queue.New[harness.Assignment](client, queue.FuzzAssignmentsQueue,
		[]string{queue.GroupFuzzWorker}, queue.JSONCodec[harness.Assignment]())
	crashQ := queue.New[crashes.Crash](client, queue.CrashesQueue,
		[]string{queue.GroupTracer}, queue.JSONCodec[crashes.Crash]())

	worker := fuzzrun.NewWorker(logger,
		fuzzrun.NewEngine(logger, fuzzrun.ExecInvoker{}),
		root, registry.New(client), crashes.NewSet(client), cfg.Fuzzer.CrashDir,
		crashQ, assignQ, queue.GroupFuzzWorker)

	logger.Info("fuzz workers starting", "count", cfg.Fuzzer.NumWorkers)
	if err := worker.RunWorkers(ctx, cfg.Fuzzer.NumWorkers); err != nil {
		logger.Error("fuzz workers failed", "error", err)
		return 1
	}

	logger.Info("fuzzer exited")
	return 0
}
