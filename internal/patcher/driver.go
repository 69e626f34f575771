package patcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/codequery"
	"github.com/trailofbits/buttercup-crs-core/internal/langid"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// NodeID names one node of the patching workflow graph.
type NodeID string

const (
	NodeRootCauseAnalysis NodeID = "ROOT_CAUSE_ANALYSIS"
	NodeContextRetriever  NodeID = "CONTEXT_RETRIEVER"
	NodeCreatePatch       NodeID = "CREATE_PATCH"
	NodeBuildPatch        NodeID = "BUILD_PATCH"
	NodeRunPOV            NodeID = "RUN_POV"
	NodeRunTests          NodeID = "RUN_TESTS"
	NodePatchValidation   NodeID = "PATCH_VALIDATION"
	NodeReflection        NodeID = "REFLECTION"
	NodeEnd               NodeID = "END"
)

// NodeDecision is what a node execution resolves to: the next node to
// run. State updates happen on the PatcherState itself before the
// decision is returned, so the driver loop stays a pure dispatcher.
type NodeDecision struct {
	Goto NodeID
}

// ErrUnparseablePatch is returned by an Agent whose patch output could
// not be parsed into a diff.
var ErrUnparseablePatch = errors.New("patcher: agent output is not a parseable diff")

// Agent is the language-model collaborator behind the analysis,
// creation, and reflection nodes. Prompting and provider mechanics are
// entirely the implementation's business; the workflow depends only on
// these three calls.
type Agent interface {
	// RootCause analyzes the vulnerability and returns a root-cause
	// description, plus any code-snippet requests it wants fulfilled
	// before patching.
	RootCause(ctx context.Context, s *PatcherState) (rootCause string, reqs []codequery.SnippetRequest, err error)

	// CreatePatch produces a unified diff for the current state.
	// An output that cannot be parsed is reported as
	// ErrUnparseablePatch.
	CreatePatch(ctx context.Context, s *PatcherState) (patchText string, err error)

	// Reflect examines the latest failed attempt and routes the
	// workflow: guidance text plus the node to try next (one of
	// CREATE_PATCH, ROOT_CAUSE_ANALYSIS, CONTEXT_RETRIEVER).
	Reflect(ctx context.Context, s *PatcherState) (guidance string, next NodeID, err error)
}

// Builder produces a built challenge for one (sanitizer, patch)
// combination. applyFailed distinguishes "the patch does not apply"
// from "the patch applied but the build broke".
type Builder interface {
	BuildPatched(ctx context.Context, taskID, internalPatchID, sanitizer, patchText string) (
		taskDir, stdout, stderr string, applyFailed bool, err error)
}

// POVRunner replays one POV input inside a built challenge. ran=false
// means the run never executed and carries no verdict.
type POVRunner interface {
	ReproducePOV(ctx context.Context, taskDir, target, povPath string) (ran, crashed bool, err error)
}

// TestsRunner executes the task's functionality tests, if it ships any,
// against a built challenge. ran=false means the task provides no tests
// script, which counts as a pass.
type TestsRunner interface {
	RunTests(ctx context.Context, taskDir string) (ran, passed bool, stdout, stderr string, err error)
}

// Config carries the workflow's retry policy and project facts.
type Config struct {
	MaxPatchRetries       int
	MaxRootCauseRetries   int
	MaxLastFailureRetries int
	MaxConcurrency        int
	MaxMinutesRunPOVs     time.Duration

	// Sanitizers every attempt must build against.
	Sanitizers []string

	// ProjectLanguage is the task's declared language, checked against
	// every file a patch modifies.
	ProjectLanguage string

	// SourceDir is the task's source tree, used to resolve modified
	// paths for the language check.
	SourceDir string
}

// MaxPOVVariantsPerTokenSanitizer caps how many related crashes sharing
// one crash token are replayed per sanitizer during a POV sweep.
const MaxPOVVariantsPerTokenSanitizer = 3

// Patcher runs the workflow for one confirmed vulnerability.
type Patcher struct {
	logger   *slog.Logger
	cfg      Config
	registry *registry.Registry

	agent  Agent
	query  codequery.Query
	langID langid.Identifier
	build  Builder
	povs   POVRunner
	tests  TestsRunner
}

// New constructs a Patcher.
func New(logger *slog.Logger, cfg Config, reg *registry.Registry, agent Agent,
	query codequery.Query, langID langid.Identifier, builder Builder,
	povs POVRunner, tests TestsRunner) *Patcher {

	return &Patcher{
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		agent:    agent,
		query:    query,
		langID:   langID,
		build:    builder,
		povs:     povs,
		tests:    tests,
	}
}

// maxDriverSteps is a backstop against a routing bug looping the graph
// forever; the retry policy ends every healthy run far earlier.
const maxDriverSteps = 1000

// Run drives s through the workflow graph until it reaches END or the
// task is cancelled/expired. The state is mutated in place; callers
// read results (GetSuccessfulPatch, attempt statuses) off it afterward.
func (p *Patcher) Run(ctx context.Context, s *PatcherState) error {
	node := NodeRootCauseAnalysis

	for steps := 0; node != NodeEnd; steps++ {
		if steps >= maxDriverSteps {
			return fmt.Errorf("patcher: workflow did not terminate after %d steps", steps)
		}

		stop, err := p.registry.ShouldStopProcessing(ctx, s.TaskID, nil)
		if err != nil {
			return err
		}
		if stop {
			p.logger.Info("task cancelled or expired; abandoning patch workflow",
				"task_id", s.TaskID, "internal_patch_id", s.InternalPatchID)
			return nil
		}

		p.logger.Debug("entering workflow node", "node", node, "attempts", len(s.PatchAttempts))

		decision, err := p.step(ctx, s, node)
		if err != nil {
			return fmt.Errorf("patcher: node %s: %w", node, err)
		}

		s.ExecutionInfo.PrevNode = node
		node = decision.Goto
	}
	return nil
}

func (p *Patcher) step(ctx context.Context, s *PatcherState, node NodeID) (NodeDecision, error) {
	switch node {
	case NodeRootCauseAnalysis:
		return p.rootCauseAnalysis(ctx, s)
	case NodeContextRetriever:
		return p.contextRetriever(ctx, s)
	case NodeCreatePatch:
		return p.createPatch(ctx, s)
	case NodeBuildPatch:
		return p.buildPatch(ctx, s)
	case NodeRunPOV:
		return p.runPOV(ctx, s)
	case NodeRunTests:
		return p.runTests(ctx, s)
	case NodePatchValidation:
		return p.patchValidation(ctx, s)
	case NodeReflection:
		return p.reflection(ctx, s)
	default:
		return NodeDecision{}, fmt.Errorf("patcher: unknown node %q", node)
	}
}
