// Package patcher implements the per-vulnerability patching workflow:
// root-cause analysis, patch creation, parallel sanitizer builds, POV
// re-runs, functionality tests, and patch hygiene validation, driven as
// an explicit state machine with a reflection-based retry policy. The
// language-model agent behind analysis/creation/reflection is an
// injected collaborator specified only by its input/output contract.
package patcher

import (
	"bufio"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/trailofbits/buttercup-crs-core/internal/codequery"
	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
)

// AttemptStatus is the terminal disposition of one patch attempt.
type AttemptStatus string

const (
	StatusPending          AttemptStatus = "PENDING"
	StatusCreationFailed   AttemptStatus = "CREATION_FAILED"
	StatusDuplicated       AttemptStatus = "DUPLICATED"
	StatusApplyFailed      AttemptStatus = "APPLY_FAILED"
	StatusBuildFailed      AttemptStatus = "BUILD_FAILED"
	StatusPOVFailed        AttemptStatus = "POV_FAILED"
	StatusTestsFailed      AttemptStatus = "TESTS_FAILED"
	StatusValidationFailed AttemptStatus = "VALIDATION_FAILED"
	StatusSuccess          AttemptStatus = "SUCCESS"
)

// PatchAttempt is one candidate patch and everything learned about it.
// BuiltChallenges maps sanitizer name to the built challenge directory
// produced for this attempt; the directories are plain paths owned by
// the PatcherState, released when a newer attempt supersedes this one.
type PatchAttempt struct {
	ID              string            `json:"id"`
	PatchText       string            `json:"patch_text"`
	BuiltChallenges map[string]string `json:"built_challenges"`

	BuildStdout string `json:"build_stdout"`
	BuildStderr string `json:"build_stderr"`
	POVStdout   string `json:"pov_stdout"`
	POVStderr   string `json:"pov_stderr"`
	TestsStdout string `json:"tests_stdout"`
	TestsStderr string `json:"tests_stderr"`

	Status   AttemptStatus `json:"status"`
	Analysis string        `json:"analysis,omitempty"`

	BuildSucceeded bool `json:"build_succeeded"`
	POVFixed       bool `json:"pov_fixed"`
	TestsPassed    bool `json:"tests_passed"`
}

// ExecutionInfo tracks the driver loop's position and counters.
type ExecutionInfo struct {
	PrevNode NodeID `json:"prev_node"`

	RootCauseRuns int `json:"root_cause_runs"`

	// LastFailureStatus and ConsecutiveFailures drive the escalate-to-
	// root-cause rule: too many identical failures in a row means the
	// patch direction itself is wrong.
	LastFailureStatus   AttemptStatus `json:"last_failure_status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`

	// Guidance is reflection's advice to the next node, consumed once.
	Guidance string `json:"guidance,omitempty"`

	// PendingSnippetRequests queue context-retrieval work produced by
	// an analysis node, consumed by the context retriever.
	PendingSnippetRequests []codequery.SnippetRequest `json:"pending_snippet_requests,omitempty"`
}

// PatcherState is the full mutable state of one patching workflow,
// keyed by (task id, internal patch id).
type PatcherState struct {
	TaskID          string                         `json:"task_id"`
	InternalPatchID string                         `json:"internal_patch_id"`
	Vulnerability   crashes.ConfirmedVulnerability `json:"vulnerability"`

	// Context is the textual description of the vulnerability handed to
	// the agent: stacktraces, the task diff, whatever intake collected.
	Context string `json:"context"`

	RelevantCodeSnippets []codequery.Snippet `json:"relevant_code_snippets"`
	RootCause            string              `json:"root_cause,omitempty"`

	PatchAttempts []*PatchAttempt `json:"patch_attempts"`
	ExecutionInfo ExecutionInfo   `json:"execution_info"`
}

// NewState constructs the initial state for one confirmed vulnerability.
func NewState(vuln crashes.ConfirmedVulnerability, context string) *PatcherState {
	return &PatcherState{
		TaskID:          vuln.TaskID,
		InternalPatchID: vuln.InternalPatchID,
		Vulnerability:   vuln,
		Context:         context,
	}
}

// CurrentAttempt returns the latest patch attempt, or nil before the
// first one exists.
func (s *PatcherState) CurrentAttempt() *PatchAttempt {
	if len(s.PatchAttempts) == 0 {
		return nil
	}
	return s.PatchAttempts[len(s.PatchAttempts)-1]
}

// AppendAttempt pushes a fresh attempt and releases every earlier
// attempt's built challenge directories: superseded builds have no
// further readers and only waste node-local disk.
func (s *PatcherState) AppendAttempt(patchText string, status AttemptStatus) *PatchAttempt {
	for _, prev := range s.PatchAttempts {
		prev.releaseBuiltChallenges()
	}

	attempt := &PatchAttempt{
		ID:              uuid.NewString(),
		PatchText:       patchText,
		Status:          status,
		BuiltChallenges: make(map[string]string),
	}
	s.PatchAttempts = append(s.PatchAttempts, attempt)
	return attempt
}

func (a *PatchAttempt) releaseBuiltChallenges() {
	for sanitizer, dir := range a.BuiltChallenges {
		if dir == "" {
			continue
		}
		_ = os.RemoveAll(dir)
		a.BuiltChallenges[sanitizer] = ""
	}
}

// IsDuplicate reports whether patchText is byte-identical to any prior
// attempt's patch.
func (s *PatcherState) IsDuplicate(patchText string) bool {
	for _, a := range s.PatchAttempts {
		if a.PatchText == patchText {
			return true
		}
	}
	return false
}

// GetSuccessfulPatch returns the latest attempt that built, fixed the
// POV, and passed tests -- regardless of whether a later validation
// check flagged it. Validation is patch hygiene, not correctness; a
// hygiene-flagged patch is still the best artifact available.
func (s *PatcherState) GetSuccessfulPatch() *PatchAttempt {
	for i := len(s.PatchAttempts) - 1; i >= 0; i-- {
		a := s.PatchAttempts[i]
		if a.BuildSucceeded && a.POVFixed && a.TestsPassed {
			return a
		}
	}
	return nil
}

// ModifiedPaths extracts the repo-relative paths a unified diff
// touches, from its "+++ b/<path>" headers.
func ModifiedPaths(patchText string) []string {
	var paths []string
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(strings.NewReader(patchText))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "+++ ") {
			continue
		}
		p := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
		p = strings.TrimPrefix(p, "b/")
		if p == "" || p == "/dev/null" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	return paths
}

// ParsesAsDiff reports whether patchText contains at least one valid
// unified-diff hunk. Agent output that fails this check never becomes a
// buildable attempt.
func ParsesAsDiff(patchText string) bool {
	hasOld, hasNew, hasHunk := false, false, false
	scanner := bufio.NewScanner(strings.NewReader(patchText))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "--- "):
			hasOld = true
		case strings.HasPrefix(line, "+++ "):
			hasNew = true
		case strings.HasPrefix(line, "@@ "):
			hasHunk = true
		}
	}
	return hasOld && hasNew && hasHunk
}
