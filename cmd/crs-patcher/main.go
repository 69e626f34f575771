// Command crs-patcher is a patcher worker: it drains confirmed
// vulnerabilities and runs the patch workflow for each, publishing
// successful patches for the submission driver.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/codequery"
	"github.com/trailofbits/buttercup-crs-core/internal/config"
	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/fuzzrun"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/langid"
	"github.com/trailofbits/buttercup-crs-core/internal/logging"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/patcher"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// defaultModel is the completion model requested from the LLM proxy.
const defaultModel = "gpt-4o"

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

	logger := logging.New(cfg.NodeLocal.DataDir, "patcher")

	if cfg.Patcher.TasksStorage == "" {
		logger.Error("--tasks-storage must be configured")
		return 1
	}

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

	langIdentifier := langid.NewCLI(cfg.Patcher.LangIDBinary)
	if err := langIdentifier.Check(); err != nil {
		logger.Error("language identifier missing", "error", err)
		return 1
	}

	var query codequery.Query = codequery.PathHeuristic{}
	if cfg.Patcher.CodeQueryURL != "" {
		query = codequery.NewClient(cfg.Patcher.CodeQueryURL)
	}

	if cfg.LLM.Hostname == "" || cfg.LLM.Key == "" {
		logger.Error("llm proxy hostname and key must be configured")
		return 1
	}
	agent := patcher.NewLLMAgent(cfg.LLM.Hostname, cfg.LLM.Key, defaultModel)

	runner, err := build.NewDockerRunner(logger)
	if err != nil {
		logger.Error("docker client unavailable", "error", err)
		return 1
	}

	reg := registry.New(client)
	engine := fuzzrun.NewEngine(logger, fuzzrun.ExecInvoker{})
	builder := patcher.NewLocalBuilder(logger, root, runner, build.NewCache(client),
		cfg.Patcher.TasksStorage, "libfuzzer")

	p := patcher.New(logger, patcher.Config{
		MaxPatchRetries:       cfg.Patcher.MaxPatchRetries,
		MaxRootCauseRetries:   cfg.Patcher.MaxRootCauseRetries,
		MaxLastFailureRetries: cfg.Patcher.MaxLastFailureRetries,
		MaxConcurrency:        cfg.Patcher.MaxConcurrency,
		MaxMinutesRunPOVs:     cfg.Patcher.MaxMinutesRunPOVs,
		Sanitizers:            cfg.Patcher.Sanitizers,
		ProjectLanguage:       cfg.Patcher.ProjectLanguage,
		SourceDir:             cfg.Patcher.TasksStorage,
	}, reg, agent, query, langIdentifier, builder,
		fuzzrun.VerdictRunner{Engine: engine},
		patcher.ScriptTestsRunner{ScriptPath: cfg.Patcher.TestsScript})

	inQ := queue.New[crashes.ConfirmedVulnerability](client, queue.ConfirmedVulnsQueue,
		[]string{queue.GroupPatcher, queue.GroupSubmitter}, queue.JSONCodec[crashes.ConfirmedVulnerability]())
	outQ := queue.New[patcher.SuccessfulPatch](client, queue.SuccessfulPatchesQueue,
		[]string{queue.GroupSubmitter}, queue.JSONCodec[patcher.SuccessfulPatch]())

	worker := patcher.NewWorker(logger, p, reg, inQ, queue.GroupPatcher, outQ)

	logger.Info("patcher started")
	worker.Run(ctx)
	logger.Info("patcher exited")
	return 0
}
