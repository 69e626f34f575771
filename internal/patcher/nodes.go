package patcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
)

// rootCauseAnalysis asks the agent for a root-cause description. Snippet
// requests it raises are routed through the context retriever before
// patch creation.
func (p *Patcher) rootCauseAnalysis(ctx context.Context, s *PatcherState) (NodeDecision, error) {
	if s.ExecutionInfo.RootCauseRuns > p.cfg.MaxRootCauseRetries {
		p.logger.Warn("root cause analysis budget exhausted; ending workflow",
			"runs", s.ExecutionInfo.RootCauseRuns)
		return NodeDecision{Goto: NodeEnd}, nil
	}
	s.ExecutionInfo.RootCauseRuns++

	rootCause, reqs, err := p.agent.RootCause(ctx, s)
	if err != nil {
		return NodeDecision{}, err
	}
	s.RootCause = rootCause

	if len(reqs) > 0 {
		s.ExecutionInfo.PendingSnippetRequests = reqs
		return NodeDecision{Goto: NodeContextRetriever}, nil
	}
	return NodeDecision{Goto: NodeCreatePatch}, nil
}

// contextRetriever fulfills the pending snippet requests and returns to
// whichever node raised them.
func (p *Patcher) contextRetriever(ctx context.Context, s *PatcherState) (NodeDecision, error) {
	reqs := s.ExecutionInfo.PendingSnippetRequests
	s.ExecutionInfo.PendingSnippetRequests = nil

	snippets, err := p.query.GetSnippets(ctx, reqs)
	if err != nil {
		return NodeDecision{}, err
	}
	s.RelevantCodeSnippets = append(s.RelevantCodeSnippets, snippets...)

	back := s.ExecutionInfo.PrevNode
	if back == "" || back == NodeContextRetriever {
		back = NodeCreatePatch
	}
	return NodeDecision{Goto: back}, nil
}

// createPatch asks the agent for a diff. Unparseable output and
// duplicates of earlier attempts are recorded as failed attempts and
// sent to reflection; a fresh parseable diff becomes a PENDING attempt
// headed for the build.
func (p *Patcher) createPatch(ctx context.Context, s *PatcherState) (NodeDecision, error) {
	patchText, err := p.agent.CreatePatch(ctx, s)
	if err != nil {
		if errors.Is(err, ErrUnparseablePatch) {
			s.AppendAttempt("", StatusCreationFailed)
			return NodeDecision{Goto: NodeReflection}, nil
		}
		return NodeDecision{}, err
	}
	if !ParsesAsDiff(patchText) {
		s.AppendAttempt(patchText, StatusCreationFailed)
		return NodeDecision{Goto: NodeReflection}, nil
	}
	if s.IsDuplicate(patchText) {
		s.AppendAttempt(patchText, StatusDuplicated)
		return NodeDecision{Goto: NodeReflection}, nil
	}

	s.AppendAttempt(patchText, StatusPending)
	return NodeDecision{Goto: NodeBuildPatch}, nil
}

// buildPatch builds the current attempt against every configured
// sanitizer in parallel. The first failure cancels the siblings and
// releases whatever already built.
func (p *Patcher) buildPatch(ctx context.Context, s *PatcherState) (NodeDecision, error) {
	attempt := s.CurrentAttempt()
	if attempt == nil {
		return NodeDecision{}, fmt.Errorf("no attempt to build")
	}

	var mu sync.Mutex
	applyFailure := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)

	for _, sanitizer := range p.cfg.Sanitizers {
		g.Go(func() error {
			taskDir, stdout, stderr, applyFailed, err := p.build.BuildPatched(
				gctx, s.TaskID, s.InternalPatchID, sanitizer, attempt.PatchText)

			mu.Lock()
			defer mu.Unlock()
			attempt.BuildStdout += stdout
			attempt.BuildStderr += stderr
			if err != nil {
				if applyFailed {
					applyFailure = true
				}
				return fmt.Errorf("sanitizer %s: %w", sanitizer, err)
			}
			attempt.BuiltChallenges[sanitizer] = taskDir
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		attempt.releaseBuiltChallenges()
		if applyFailure {
			attempt.Status = StatusApplyFailed
		} else {
			attempt.Status = StatusBuildFailed
		}
		attempt.Analysis = err.Error()
		return NodeDecision{Goto: NodeReflection}, nil
	}

	attempt.BuildSucceeded = true
	return NodeDecision{Goto: NodeRunPOV}, nil
}

// povVariant is one input scheduled for replay: the POV (or a related
// crash sharing its token) paired with the sanitizer it was produced
// against.
type povVariant struct {
	sanitizer string
	harness   string
	inputPath string
}

// povVariants enumerates the inputs to replay: every crash of the
// vulnerability whose sanitizer has a built challenge, capped per
// (token, sanitizer) pair so one noisy token can't starve the sweep.
func (p *Patcher) povVariants(s *PatcherState, attempt *PatchAttempt) []povVariant {
	perKey := make(map[string]int)
	var variants []povVariant

	for _, tc := range s.Vulnerability.Crashes {
		sanitizer := tc.Crash.Sanitizer
		if attempt.BuiltChallenges[sanitizer] == "" {
			continue
		}
		key := tc.Token() + ":" + sanitizer
		if perKey[key] >= MaxPOVVariantsPerTokenSanitizer {
			continue
		}
		perKey[key]++
		variants = append(variants, povVariant{
			sanitizer: sanitizer,
			harness:   tc.Crash.HarnessName,
			inputPath: tc.Crash.InputPath,
		})
	}
	return variants
}

// runPOV replays every variant in parallel against the attempt's built
// challenges, bounded by the sweep's wall-clock cap. Any observed crash
// fails the attempt; a sweep in which nothing actually executed routes
// back to root-cause analysis.
func (p *Patcher) runPOV(ctx context.Context, s *PatcherState) (NodeDecision, error) {
	attempt := s.CurrentAttempt()
	if attempt == nil {
		return NodeDecision{}, fmt.Errorf("no attempt to run POVs for")
	}

	variants := p.povVariants(s, attempt)
	if len(variants) == 0 {
		// Nothing replayable: the vulnerability's crashes don't line up
		// with any built sanitizer. Re-analyze rather than claiming a fix.
		return NodeDecision{Goto: NodeRootCauseAnalysis}, nil
	}

	sweepCtx, cancel := context.WithTimeout(ctx, p.cfg.MaxMinutesRunPOVs)
	defer cancel()

	var mu sync.Mutex
	executed := 0
	crashed := false

	g, gctx := errgroup.WithContext(sweepCtx)
	g.SetLimit(p.cfg.MaxConcurrency)

	for _, v := range variants {
		g.Go(func() error {
			taskDir := attempt.BuiltChallenges[v.sanitizer]
			ran, didCrash, err := p.povs.ReproducePOV(gctx, taskDir, v.harness, v.inputPath)
			if err != nil {
				// Infrastructure noise on one variant doesn't decide the
				// sweep; the executed-count check below handles a sweep
				// where nothing ran at all.
				p.logger.Warn("pov replay errored", "input", v.inputPath, "error", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if ran {
				executed++
			}
			if ran && didCrash {
				crashed = true
				// One crash settles the attempt; stop the siblings.
				return fmt.Errorf("pov still crashes")
			}
			return nil
		})
	}
	err := g.Wait()

	timedOut := sweepCtx.Err() != nil && ctx.Err() == nil

	switch {
	case crashed:
		attempt.Status = StatusPOVFailed
		attempt.POVStderr = "pov reproduced a crash against the patched build"
		return NodeDecision{Goto: NodeReflection}, nil

	case timedOut && executed == 0:
		attempt.Status = StatusPOVFailed
		attempt.POVStderr = "pov sweep timed out before any variant completed"
		return NodeDecision{Goto: NodeReflection}, nil

	case executed == 0:
		// Nothing ran and nothing timed out: the replays themselves never
		// executed. The fix is unproven either way; re-analyze.
		return NodeDecision{Goto: NodeRootCauseAnalysis}, nil

	case err != nil && !crashed && !timedOut:
		return NodeDecision{}, err
	}

	attempt.POVFixed = true
	return NodeDecision{Goto: NodeRunTests}, nil
}

// runTests executes the task's functionality tests against the patched
// build. A task without tests passes by default.
func (p *Patcher) runTests(ctx context.Context, s *PatcherState) (NodeDecision, error) {
	attempt := s.CurrentAttempt()
	if attempt == nil {
		return NodeDecision{}, fmt.Errorf("no attempt to test")
	}

	taskDir := firstBuiltChallenge(attempt)
	ran, passed, stdout, stderr, err := p.tests.RunTests(ctx, taskDir)
	if err != nil {
		return NodeDecision{}, err
	}
	attempt.TestsStdout = stdout
	attempt.TestsStderr = stderr

	if ran && !passed {
		attempt.Status = StatusTestsFailed
		return NodeDecision{Goto: NodeReflection}, nil
	}

	attempt.TestsPassed = true
	return NodeDecision{Goto: NodePatchValidation}, nil
}

func firstBuiltChallenge(a *PatchAttempt) string {
	for _, dir := range a.BuiltChallenges {
		if dir != "" {
			return dir
		}
	}
	return ""
}

// patchValidation runs the two hygiene checks: the patch must not touch
// fuzzer/harness code, and every modified file must be written in the
// project's declared language.
func (p *Patcher) patchValidation(ctx context.Context, s *PatcherState) (NodeDecision, error) {
	attempt := s.CurrentAttempt()
	if attempt == nil {
		return NodeDecision{}, fmt.Errorf("no attempt to validate")
	}

	paths := ModifiedPaths(attempt.PatchText)

	touches, err := p.query.TouchesHarness(ctx, s.TaskID, paths)
	if err != nil {
		return NodeDecision{}, err
	}
	if touches {
		attempt.Status = StatusValidationFailed
		attempt.Analysis = "patch modifies fuzzer or harness code"
		return NodeDecision{Goto: NodeReflection}, nil
	}

	for _, rel := range paths {
		full := filepath.Join(p.cfg.SourceDir, rel)
		ok, err := p.langID.Matches(ctx, p.cfg.ProjectLanguage, full)
		if err != nil {
			return NodeDecision{}, err
		}
		if !ok {
			attempt.Status = StatusValidationFailed
			attempt.Analysis = fmt.Sprintf("modified file %s is not %s", rel, p.cfg.ProjectLanguage)
			return NodeDecision{Goto: NodeReflection}, nil
		}
	}

	attempt.Status = StatusSuccess
	return NodeDecision{Goto: NodeEnd}, nil
}

// reflection decides whether and where to keep going after a failed (or
// hygiene-flagged) attempt.
func (p *Patcher) reflection(ctx context.Context, s *PatcherState) (NodeDecision, error) {
	attempt := s.CurrentAttempt()
	if attempt != nil && attempt.Status == StatusSuccess {
		return NodeDecision{Goto: NodeEnd}, nil
	}

	if len(s.PatchAttempts) >= p.cfg.MaxPatchRetries {
		p.logger.Warn("patch retry budget exhausted; ending workflow",
			"attempts", len(s.PatchAttempts))
		return NodeDecision{Goto: NodeEnd}, nil
	}

	if attempt != nil {
		if attempt.Status == s.ExecutionInfo.LastFailureStatus {
			s.ExecutionInfo.ConsecutiveFailures++
		} else {
			s.ExecutionInfo.LastFailureStatus = attempt.Status
			s.ExecutionInfo.ConsecutiveFailures = 1
		}
		if s.ExecutionInfo.ConsecutiveFailures > p.cfg.MaxLastFailureRetries {
			// The same failure keeps repeating: the current analysis is
			// leading nowhere. Start over from the root cause.
			s.ExecutionInfo.ConsecutiveFailures = 0
			s.ExecutionInfo.LastFailureStatus = ""
			return NodeDecision{Goto: NodeRootCauseAnalysis}, nil
		}
	}

	guidance, next, err := p.agent.Reflect(ctx, s)
	if err != nil {
		return NodeDecision{}, err
	}
	s.ExecutionInfo.Guidance = guidance

	switch next {
	case NodeCreatePatch, NodeRootCauseAnalysis, NodeContextRetriever:
		return NodeDecision{Goto: next}, nil
	default:
		return NodeDecision{Goto: NodeCreatePatch}, nil
	}
}

// ContextFromVulnerability renders the intake crashes into the textual
// context the agent starts from.
func ContextFromVulnerability(v crashes.ConfirmedVulnerability) string {
	out := fmt.Sprintf("task %s, candidate patch line %s\n", v.TaskID, v.InternalPatchID)
	for i, tc := range v.Crashes {
		out += fmt.Sprintf("\n--- crash %d (harness %s, sanitizer %s) ---\n%s\n",
			i+1, tc.Crash.HarnessName, tc.Crash.Sanitizer, tc.TracerStacktrace)
	}
	return out
}
