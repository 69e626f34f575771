// Command crs-submitter is the submission driver: it drains confirmed
// vulnerabilities and successful patches, submits them to the external
// competition API, and bundles each patch line's POV and patch once
// both are accepted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/trailofbits/buttercup-crs-core/internal/competition"
	"github.com/trailofbits/buttercup-crs-core/internal/config"
	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/logging"
	"github.com/trailofbits/buttercup-crs-core/internal/patcher"
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

	logger := logging.New(cfg.NodeLocal.DataDir, "submitter")

	if cfg.Competition.APIURL == "" {
		logger.Error("competition API URL must be configured")
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

	api := competition.NewClient(cfg.Competition.APIURL,
		cfg.Competition.APIKeyID, cfg.Competition.APIToken)

	vulnQ := queue.New[crashes.ConfirmedVulnerability](client, queue.ConfirmedVulnsQueue,
		[]string{queue.GroupPatcher, queue.GroupSubmitter}, queue.JSONCodec[crashes.ConfirmedVulnerability]())
	patchQ := queue.New[patcher.SuccessfulPatch](client, queue.SuccessfulPatchesQueue,
		[]string{queue.GroupSubmitter}, queue.JSONCodec[patcher.SuccessfulPatch]())

	driver := competition.NewDriver(logger, client, api, registry.New(client),
		vulnQ, queue.GroupSubmitter, patchQ, queue.GroupSubmitter)

	logger.Info("submission driver started")
	driver.Run(ctx)
	logger.Info("submission driver exited")
	return 0
}
