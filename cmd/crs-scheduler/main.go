// Command crs-scheduler is the orchestrator process: it accepts tasks
// from the inbound webhook, runs the harness-weight foreground loop,
// and supervises the background maintenance tasks (scratch GC, corpus
// merge sweeps, POV-against-patch reproduction, corpus backup).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/config"
	"github.com/trailofbits/buttercup-crs-core/internal/corpus"
	"github.com/trailofbits/buttercup-crs-core/internal/coverage"
	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/fuzzrun"
	"github.com/trailofbits/buttercup-crs-core/internal/harness"
	"github.com/trailofbits/buttercup-crs-core/internal/ingest"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/logging"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
	"github.com/trailofbits/buttercup-crs-core/internal/scheduler"
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

	logger := logging.New(cfg.NodeLocal.DataDir, "scheduler")

	if cfg.Scheduler.TasksStorageDir == "" {
		logger.Error("--tasks-storage-dir must be configured")
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

	reg := registry.New(client)
	harnesses := harness.New(client)
	coverageMap := coverage.New(client)
	buildCache := build.NewCache(client)
	povStatus := crashes.NewPOVReproduceStatus(client)
	engine := fuzzrun.NewEngine(logger, fuzzrun.ExecInvoker{})

	intakeQ := queue.New[ingest.Message](client, queue.TaskIntakeQueue,
		[]string{queue.GroupIngester}, queue.JSONCodec[ingest.Message]())
	crashQ := queue.New[crashes.Crash](client, queue.CrashesQueue,
		[]string{queue.GroupTracer}, queue.JSONCodec[crashes.Crash]())
	vulnQ := queue.New[crashes.ConfirmedVulnerability](client, queue.ConfirmedVulnsQueue,
		[]string{queue.GroupPatcher, queue.GroupSubmitter}, queue.JSONCodec[crashes.ConfirmedVulnerability]())
	buildReqQ := queue.New[build.Request](client, queue.BuildRequestsQueue,
		[]string{queue.GroupBuilder}, queue.JSONCodec[build.Request]())
	buildOutQ := queue.New[build.Output](client, queue.BuildOutputsQueue,
		[]string{queue.GroupScheduler, queue.GroupArchiver}, queue.JSONCodec[build.Output]())
	assignQ := queue.New[harness.Assignment](client, queue.FuzzAssignmentsQueue,
		[]string{queue.GroupFuzzWorker}, queue.JSONCodec[harness.Assignment]())

	manager := scheduler.NewManager(logger)
	manager.Register(scheduler.NewScratchCleanup(logger, reg, cfg.NodeLocal.ScratchDir,
		cfg.Scheduler.ScratchCleanupInterval, cfg.Scheduler.DeleteOldTasksDeltaSeconds))
	manager.Register(scheduler.NewCorpusMergeDriver(logger, client, root, reg, harnesses,
		buildCache, engine, cfg.Scheduler.MergeSanitizer, cfg.Scheduler.CorpusMergeInterval))
	manager.Register(scheduler.NewPOVReproducer(logger, root, reg, buildCache, povStatus,
		fuzzrun.VerdictRunner{Engine: engine}, cfg.Scheduler.POVReproduceInterval))

	if cfg.Scheduler.S3BackupBucket != "" {
		backup, err := corpus.NewS3Backup(ctx, logger, cfg.Scheduler.S3BackupBucket,
			cfg.Scheduler.S3BackupKey, cfg.NodeLocal.DataDir+"/corpus", cfg.Scheduler.S3BackupInterval)
		if err != nil {
			logger.Error("s3 backup unavailable", "error", err)
			return 1
		}
		if err := backup.Restore(ctx); err != nil {
			logger.Error("corpus restore failed", "error", err)
			return 1
		}
		manager.Register(backup)
	}

	ingester := ingest.NewIngester(logger, reg, harnesses, cfg.Scheduler.TasksStorageDir,
		intakeQ, queue.GroupIngester, buildReqQ, cfg.Scheduler.Engine)
	go ingester.Run(ctx)

	var reporter crashes.Reporter
	if cfg.Scheduler.CrashReportRepo != "" {
		r, err := crashes.NewGitHubReporter(ctx, logger, cfg.Scheduler.CrashReportRepo)
		if err != nil {
			logger.Error("crash report repository unusable", "error", err)
			return 1
		}
		reporter = r
	}
	confirmer := crashes.NewConfirmWorker(logger, reg, crashes.PassthroughTracer{},
		reporter, crashQ, queue.GroupTracer, vulnQ)
	go confirmer.Run(ctx)

	webhook := &http.Server{
		Addr:    cfg.Scheduler.ListenAddr,
		Handler: ingest.NewHandler(logger, intakeQ),
	}
	go func() {
		logger.Info("task webhook listening", "addr", cfg.Scheduler.ListenAddr)
		if err := webhook.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook server failed", "error", err)
			cancel()
		}
	}()
	go func() {
		<-ctx.Done()
		_ = webhook.Shutdown(context.Background())
	}()

	foreground := scheduler.NewForeground(logger, reg, harnesses, coverageMap, buildCache,
		nil, buildOutQ, queue.GroupScheduler, assignQ, queue.GroupFuzzWorker,
		[]string{cfg.Scheduler.MergeSanitizer})
	go foreground.Run(ctx, cfg.Scheduler.ForegroundInterval)

	manager.Run(ctx)

	logger.Info("scheduler exited")
	return 0
}
