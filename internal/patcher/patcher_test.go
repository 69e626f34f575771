package patcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-crs-core/internal/codequery"
	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

const harnessPatch = `--- a/fuzz/harness.c
+++ b/fuzz/harness.c
@@ -1,3 +1,3 @@
-int broken;
+int fixed;
 int keep;
`

const sourcePatch = `--- a/src/parse.c
+++ b/src/parse.c
@@ -10,3 +10,4 @@
 int parse(char *buf) {
+    if (!buf) return -1;
     return buf[0];
 }
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) (*registry.Registry, *kv.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := kv.NewFromRedis(rdb)
	return registry.New(client), client
}

func liveTask(t *testing.T, reg *registry.Registry, taskID string) {
	t.Helper()
	require.NoError(t, reg.Set(context.Background(), registry.Task{
		TaskID:     taskID,
		DeadlineMs: time.Now().Add(time.Hour).UnixMilli(),
	}))
}

type fakeAgent struct {
	patches []string
	next    int

	rootCauseCalls int
	reflectCalls   int
	reflectNext    NodeID
}

func (a *fakeAgent) RootCause(ctx context.Context, s *PatcherState) (string, []codequery.SnippetRequest, error) {
	a.rootCauseCalls++
	return "off-by-one in parse", nil, nil
}

func (a *fakeAgent) CreatePatch(ctx context.Context, s *PatcherState) (string, error) {
	if a.next >= len(a.patches) {
		return a.patches[len(a.patches)-1], nil
	}
	p := a.patches[a.next]
	a.next++
	return p, nil
}

func (a *fakeAgent) Reflect(ctx context.Context, s *PatcherState) (string, NodeID, error) {
	a.reflectCalls++
	next := a.reflectNext
	if next == "" {
		next = NodeCreatePatch
	}
	return "try the real source file", next, nil
}

type fakeBuilder struct {
	fail        bool
	applyFailed bool
	dirs        []string
}

func (b *fakeBuilder) BuildPatched(ctx context.Context, taskID, internalPatchID, sanitizer, patchText string) (string, string, string, bool, error) {
	if b.fail {
		return "", "compile log", "error: boom", b.applyFailed, context.DeadlineExceeded
	}
	dir, err := os.MkdirTemp("", "built-*")
	if err != nil {
		return "", "", "", false, err
	}
	b.dirs = append(b.dirs, dir)
	return dir, "build ok", "", false, nil
}

type fakePOV struct {
	crashed bool
	ran     bool
}

func (p *fakePOV) ReproducePOV(ctx context.Context, taskDir, target, povPath string) (bool, bool, error) {
	return p.ran, p.crashed, nil
}

type fakeTests struct {
	ran    bool
	passed bool
}

func (f *fakeTests) RunTests(ctx context.Context, taskDir string) (bool, bool, string, string, error) {
	return f.ran, f.passed, "tests out", "", nil
}

func testVuln() crashes.ConfirmedVulnerability {
	return crashes.ConfirmedVulnerability{
		InternalPatchID: "p1",
		TaskID:          "t1",
		Crashes: []crashes.TracedCrash{{
			Crash: crashes.Crash{
				TaskID:      "t1",
				HarnessName: "FuzzParse",
				Sanitizer:   "address",
				InputPath:   "/local/povs/pov1",
			},
			TracerStacktrace: "#0 parse src/parse.c:12",
		}},
	}
}

func newTestPatcher(t *testing.T, reg *registry.Registry, agent Agent, builder Builder,
	pov POVRunner, tests TestsRunner) *Patcher {
	t.Helper()

	logger := testLogger()
	cfg := Config{
		MaxPatchRetries:       5,
		MaxRootCauseRetries:   3,
		MaxLastFailureRetries: 3,
		MaxConcurrency:        2,
		MaxMinutesRunPOVs:     time.Minute,
		Sanitizers:            []string{"address"},
		ProjectLanguage:       "c",
		SourceDir:             t.TempDir(),
	}
	return New(logger, cfg, reg, agent, codequery.PathHeuristic{}, alwaysMatchesLang{}, builder, pov, tests)
}

type alwaysMatchesLang struct{}

func (alwaysMatchesLang) Matches(ctx context.Context, language, path string) (bool, error) {
	return true, nil
}

// A patch that builds, fixes the POV, and passes tests but touches
// harness code: validation flags it, reflection runs, and yet the
// attempt is still the successful patch.
func TestValidationRejectsHarnessEditsButKeepsPatch(t *testing.T) {
	reg, _ := newTestRegistry(t)
	liveTask(t, reg, "t1")

	agent := &fakeAgent{patches: []string{harnessPatch, sourcePatch}}
	builder := &fakeBuilder{}
	p := newTestPatcher(t, reg, agent, builder, &fakePOV{ran: true, crashed: false}, &fakeTests{ran: true, passed: true})

	state := NewState(testVuln(), "ctx")
	require.NoError(t, p.Run(context.Background(), state))

	// First attempt: flagged by validation, then reflection retried with
	// the clean patch, which succeeded.
	require.GreaterOrEqual(t, len(state.PatchAttempts), 2)
	first := state.PatchAttempts[0]
	require.Equal(t, StatusValidationFailed, first.Status)
	require.True(t, first.BuildSucceeded)
	require.True(t, first.POVFixed)
	require.True(t, first.TestsPassed)
	require.GreaterOrEqual(t, agent.reflectCalls, 1)

	last := state.CurrentAttempt()
	require.Equal(t, StatusSuccess, last.Status)

	// The hygiene flag never disqualifies a correct patch.
	got := state.GetSuccessfulPatch()
	require.NotNil(t, got)
	require.Equal(t, last.PatchText, got.PatchText)
}

func TestValidationFlaggedAttemptIsStillSuccessfulPatchWhenNoRetryWins(t *testing.T) {
	reg, _ := newTestRegistry(t)
	liveTask(t, reg, "t1")

	// Every patch the agent produces touches the harness, so every
	// attempt ends VALIDATION_FAILED until the retry budget runs out.
	agent := &fakeAgent{patches: []string{harnessPatch}}
	builder := &fakeBuilder{}
	p := newTestPatcher(t, reg, agent, builder, &fakePOV{ran: true}, &fakeTests{ran: true, passed: true})
	// Identical retries are DUPLICATED, so give up quickly.
	p.cfg.MaxPatchRetries = 2

	state := NewState(testVuln(), "ctx")
	require.NoError(t, p.Run(context.Background(), state))

	require.Equal(t, StatusValidationFailed, state.PatchAttempts[0].Status)
	got := state.GetSuccessfulPatch()
	require.NotNil(t, got)
	require.Equal(t, harnessPatch, got.PatchText)
}

func TestPOVStillCrashingFailsAttempt(t *testing.T) {
	reg, _ := newTestRegistry(t)
	liveTask(t, reg, "t1")

	agent := &fakeAgent{patches: []string{sourcePatch}}
	builder := &fakeBuilder{}
	p := newTestPatcher(t, reg, agent, builder, &fakePOV{ran: true, crashed: true}, &fakeTests{})
	p.cfg.MaxPatchRetries = 1

	state := NewState(testVuln(), "ctx")
	require.NoError(t, p.Run(context.Background(), state))

	require.Equal(t, StatusPOVFailed, state.PatchAttempts[0].Status)
	require.Nil(t, state.GetSuccessfulPatch())
}

func TestDuplicatePatchGoesToReflection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	liveTask(t, reg, "t1")

	// Builder fails so the first attempt goes to reflection, and the
	// agent then re-emits the identical patch.
	agent := &fakeAgent{patches: []string{sourcePatch, sourcePatch}}
	builder := &fakeBuilder{fail: true}
	p := newTestPatcher(t, reg, agent, builder, &fakePOV{}, &fakeTests{})
	p.cfg.MaxPatchRetries = 2

	state := NewState(testVuln(), "ctx")
	require.NoError(t, p.Run(context.Background(), state))

	require.Equal(t, StatusBuildFailed, state.PatchAttempts[0].Status)
	require.Equal(t, StatusDuplicated, state.PatchAttempts[1].Status)
}

func TestUnparseablePatchIsCreationFailed(t *testing.T) {
	reg, _ := newTestRegistry(t)
	liveTask(t, reg, "t1")

	agent := &fakeAgent{patches: []string{"this is not a diff", sourcePatch}}
	builder := &fakeBuilder{}
	p := newTestPatcher(t, reg, agent, builder, &fakePOV{ran: true}, &fakeTests{})

	state := NewState(testVuln(), "ctx")
	require.NoError(t, p.Run(context.Background(), state))

	require.Equal(t, StatusCreationFailed, state.PatchAttempts[0].Status)
	require.Equal(t, StatusSuccess, state.CurrentAttempt().Status)
}

func TestAppendAttemptReleasesSupersededBuilds(t *testing.T) {
	state := NewState(testVuln(), "ctx")

	dir := t.TempDir()
	built := filepath.Join(dir, "built")
	require.NoError(t, os.MkdirAll(built, 0o755))

	first := state.AppendAttempt("patch-1", StatusPending)
	first.BuiltChallenges["address"] = built

	state.AppendAttempt("patch-2", StatusPending)

	_, err := os.Stat(built)
	require.True(t, os.IsNotExist(err), "superseded built challenge must be removed")
	require.Empty(t, first.BuiltChallenges["address"])
}

func TestRepeatedSameFailureEscalatesToRootCause(t *testing.T) {
	reg, _ := newTestRegistry(t)
	liveTask(t, reg, "t1")

	// Patches differ each round (suffix comment line) so they never
	// dedup, but every build fails, producing the same status each time.
	agent := &fakeAgent{patches: []string{
		sourcePatch,
		sourcePatch + "\n",
		sourcePatch + "\n\n",
		sourcePatch + "\n\n\n",
		sourcePatch + "\n\n\n\n",
	}}
	builder := &fakeBuilder{fail: true}
	p := newTestPatcher(t, reg, agent, builder, &fakePOV{}, &fakeTests{})
	p.cfg.MaxPatchRetries = 10
	p.cfg.MaxLastFailureRetries = 2
	p.cfg.MaxRootCauseRetries = 1

	state := NewState(testVuln(), "ctx")
	require.NoError(t, p.Run(context.Background(), state))

	// Escalation re-entered root cause analysis until its own budget
	// ended the workflow.
	require.GreaterOrEqual(t, agent.rootCauseCalls, 2)
	require.Nil(t, state.GetSuccessfulPatch())
}

func TestWorkerSkipsCancelledTask(t *testing.T) {
	reg, client := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Set(ctx, registry.Task{
		TaskID:     "t1",
		DeadlineMs: time.Now().Add(time.Hour).UnixMilli(),
	}))

	vulnCodec := queue.Codec[crashes.ConfirmedVulnerability]{
		Marshal: func(v crashes.ConfirmedVulnerability) ([]byte, error) { return json.Marshal(v) },
		Unmarshal: func(b []byte) (crashes.ConfirmedVulnerability, error) {
			var v crashes.ConfirmedVulnerability
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
	patchCodec := queue.Codec[SuccessfulPatch]{
		Marshal: func(p SuccessfulPatch) ([]byte, error) { return json.Marshal(p) },
		Unmarshal: func(b []byte) (SuccessfulPatch, error) {
			var p SuccessfulPatch
			err := json.Unmarshal(b, &p)
			return p, err
		},
	}

	inQ := queue.New[crashes.ConfirmedVulnerability](client, "confirmed-vulns", []string{"patcher"}, vulnCodec)
	outQ := queue.New[SuccessfulPatch](client, "successful-patches", []string{"submitter"}, patchCodec)

	require.NoError(t, inQ.Push(ctx, testVuln()))
	require.NoError(t, registry.MarkCancelled(reg, ctx, "t1"))

	agent := &fakeAgent{patches: []string{sourcePatch}}
	p := newTestPatcher(t, reg, agent, &fakeBuilder{}, &fakePOV{ran: true}, &fakeTests{})
	w := NewWorker(testLogger(), p, reg, inQ, "patcher", outQ)

	worked, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	// The item was acked (nothing outstanding for the group), and
	// nothing was pushed downstream.
	n, err := inQ.LengthOfGroup(ctx, "patcher")
	require.NoError(t, err)
	require.Zero(t, n)

	outSize, err := outQ.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, outSize)
	require.Zero(t, agent.rootCauseCalls)
}
