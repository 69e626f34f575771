// Command crs-builder is a build dispatcher worker: it drains build
// requests, applies task diffs and candidate patches, runs the
// fuzz-engine build (through the build cache), and publishes build
// outputs for the scheduler and archiver.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/config"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/logging"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
)

// requestVisibility is how long a popped build request stays invisible
// to other builders; a builder that dies mid-build hands the request to
// a peer after this long.
const requestVisibility = 30 * time.Minute

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

	logger := logging.New(cfg.NodeLocal.DataDir, "builder")

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

	var runner build.Runner
	if cfg.Builder.InCluster {
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			logger.Error("in-cluster config unavailable", "error", err)
			return 1
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			logger.Error("kubernetes client unavailable", "error", err)
			return 1
		}
		runner = build.NewK8sRunner(logger, clientset, cfg.Builder.NameSpace)
	} else {
		docker, err := build.NewDockerRunner(logger)
		if err != nil {
			logger.Error("docker client unavailable", "error", err)
			return 1
		}
		if cfg.Builder.AllowPull {
			if err := docker.PullBaseImage(ctx); err != nil {
				logger.Error("base image pull failed", "error", err)
				return 1
			}
		}
		runner = docker
	}

	build.MaxApplyTries = cfg.Builder.MaxApplyTries
	build.MaxBuildTries = cfg.Builder.MaxBuildTries

	inQ := queue.New[build.Request](client, queue.BuildRequestsQueue,
		[]string{queue.GroupBuilder}, queue.JSONCodec[build.Request]())
	outQ := queue.New[build.Output](client, queue.BuildOutputsQueue,
		[]string{queue.GroupScheduler, queue.GroupArchiver}, queue.JSONCodec[build.Output]())

	dispatcher := build.NewDispatcher(logger, root, build.NewCache(client), runner,
		inQ, queue.GroupBuilder, outQ)
	dispatcher.AllowCaching = cfg.Builder.AllowCaching

	logger.Info("builder started")
	for {
		worked, err := dispatcher.ProcessOne(ctx, requestVisibility)
		if err != nil {
			logger.Error("build dispatch failed", "error", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				logger.Info("builder exited")
				return 0
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			logger.Info("builder exited")
			return 0
		}
	}
}
