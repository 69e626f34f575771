package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/coverage"
	"github.com/trailofbits/buttercup-crs-core/internal/crashes"
	"github.com/trailofbits/buttercup-crs-core/internal/harness"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T) *kv.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.NewFromRedis(rdb)
}

// tickerTask counts its executions and can be told to fail.
type tickerTask struct {
	name string
	runs atomic.Int64
	fail bool
}

func (tk *tickerTask) Name() string            { return tk.name }
func (tk *tickerTask) Interval() time.Duration { return 5 * time.Millisecond }
func (tk *tickerTask) Execute(ctx context.Context) (bool, error) {
	tk.runs.Add(1)
	if tk.fail {
		return false, errors.New("boom")
	}
	return true, nil
}

func TestManagerRunsTasksIndependently(t *testing.T) {
	m := NewManager(testLogger())
	good := &tickerTask{name: "good"}
	bad := &tickerTask{name: "bad", fail: true}
	m.Register(good)
	m.Register(bad)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	require.Greater(t, good.runs.Load(), int64(1), "good task keeps running")
	require.Greater(t, bad.runs.Load(), int64(1), "failing task keeps being retried")

	status := m.Status()
	require.Zero(t, status["good"].ErrorCount)
	require.Greater(t, status["bad"].ErrorCount, int64(0))
	require.Equal(t, "boom", status["bad"].LastError)
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	m := NewManager(testLogger())
	m.Register(&tickerTask{name: "dup"})
	require.Panics(t, func() { m.Register(&tickerTask{name: "dup"}) })
}

func TestScratchCleanupRemovesExpiredTaskDirs(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	reg := registry.New(client)
	scratch := t.TempDir()

	now := time.Now()
	// Expired well past the delta.
	require.NoError(t, reg.Set(ctx, registry.Task{
		TaskID:     "old",
		DeadlineMs: now.Add(-2 * time.Hour).UnixMilli(),
	}))
	// Expired, but within the grace delta.
	require.NoError(t, reg.Set(ctx, registry.Task{
		TaskID:     "recent",
		DeadlineMs: now.Add(-time.Minute).UnixMilli(),
	}))
	// Still live.
	require.NoError(t, reg.Set(ctx, registry.Task{
		TaskID:     "live",
		DeadlineMs: now.Add(time.Hour).UnixMilli(),
	}))

	for _, id := range []string{"old", "recent", "live"} {
		require.NoError(t, os.MkdirAll(filepath.Join(scratch, id), 0o755))
	}

	task := NewScratchCleanup(testLogger(), reg, scratch, time.Minute, 1800)
	didWork, err := task.Execute(ctx)
	require.NoError(t, err)
	require.True(t, didWork)

	require.NoDirExists(t, filepath.Join(scratch, "old"))
	require.DirExists(t, filepath.Join(scratch, "recent"))
	require.DirExists(t, filepath.Join(scratch, "live"))
}

// verdictRunner returns a fixed verdict after an optional delay.
type verdictRunner struct {
	ran     bool
	crashed bool
	calls   atomic.Int64
}

func (r *verdictRunner) ReproducePOV(ctx context.Context, taskDir, target, povPath string) (bool, bool, error) {
	r.calls.Add(1)
	return r.ran, r.crashed, nil
}

func newPOVFixture(t *testing.T) (*kv.Client, *registry.Registry, *build.Cache,
	*crashes.POVReproduceStatus, nodelocal.Root, crashes.POVReproduceRequest) {
	t.Helper()
	ctx := context.Background()

	client := newTestClient(t)
	reg := registry.New(client)
	builds := build.NewCache(client)
	status := crashes.NewPOVReproduceStatus(client)

	localRoot := t.TempDir()
	remoteRoot := t.TempDir()
	root, err := nodelocal.NewRootWithRemote(localRoot, remoteRoot)
	require.NoError(t, err)

	require.NoError(t, reg.Set(ctx, registry.Task{
		TaskID:     "t1",
		DeadlineMs: time.Now().Add(time.Hour).UnixMilli(),
	}))

	// The patched build the reproduction runs against.
	builtDir := filepath.Join(localRoot, "builds", "t1", "PATCH", "address", "p1")
	require.NoError(t, os.MkdirAll(builtDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(builtDir, "harness"), []byte("bin"), 0o755))
	require.NoError(t, builds.Put(ctx, build.Output{
		TaskID:          "t1",
		Engine:          "libfuzzer",
		Sanitizer:       "address",
		BuildType:       build.TypePatch,
		InternalPatchID: "p1",
		TaskDir:         builtDir,
	}))

	// The POV input, already present locally.
	povPath := filepath.Join(localRoot, "povs", "pov1")
	require.NoError(t, os.MkdirAll(filepath.Dir(povPath), 0o755))
	require.NoError(t, os.WriteFile(povPath, []byte("crash"), 0o644))

	req := crashes.POVReproduceRequest{
		TaskID:          "t1",
		InternalPatchID: "p1",
		POVPath:         povPath,
		Sanitizer:       "address",
		HarnessName:     "FuzzParse",
	}
	require.NoError(t, status.Enqueue(ctx, req))

	return client, reg, builds, status, root, req
}

func TestPOVReproducerConcurrentWorkersTransitionOnce(t *testing.T) {
	ctx := context.Background()
	_, reg, builds, status, root, req := newPOVFixture(t)

	runner := &verdictRunner{ran: true, crashed: true}

	const workers = 3
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := NewPOVReproducer(testLogger(), root, reg, builds, status, runner, time.Millisecond)
			_, err := p.Execute(ctx)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := status.GetStatus(ctx, req)
	require.NoError(t, err)
	require.Equal(t, crashes.POVNonMitigated, got,
		"a crashing replay against the patched build means the patch did not mitigate")
}

func TestPOVReproducerMarksMitigated(t *testing.T) {
	ctx := context.Background()
	_, reg, builds, status, root, req := newPOVFixture(t)

	p := NewPOVReproducer(testLogger(), root, reg, builds, status,
		&verdictRunner{ran: true, crashed: false}, time.Millisecond)
	worked, err := p.Execute(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err := status.GetStatus(ctx, req)
	require.NoError(t, err)
	require.Equal(t, crashes.POVMitigated, got)
}

func TestPOVReproducerExpiresCancelledTask(t *testing.T) {
	ctx := context.Background()
	_, reg, builds, status, root, req := newPOVFixture(t)

	require.NoError(t, registry.MarkCancelled(reg, ctx, "t1"))

	runner := &verdictRunner{ran: true, crashed: true}
	p := NewPOVReproducer(testLogger(), root, reg, builds, status, runner, time.Millisecond)
	worked, err := p.Execute(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err := status.GetStatus(ctx, req)
	require.NoError(t, err)
	require.Equal(t, crashes.POVExpired, got)
	require.Zero(t, runner.calls.Load(), "no replay for a cancelled task")
}

func TestPOVReproducerWaitsForMissingBuild(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	reg := registry.New(client)
	builds := build.NewCache(client)
	status := crashes.NewPOVReproduceStatus(client)

	root, err := nodelocal.NewRootWithRemote(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, reg.Set(ctx, registry.Task{
		TaskID:     "t1",
		DeadlineMs: time.Now().Add(time.Hour).UnixMilli(),
	}))
	req := crashes.POVReproduceRequest{
		TaskID: "t1", InternalPatchID: "p1", Sanitizer: "address",
		HarnessName: "FuzzParse", POVPath: "/nowhere",
	}
	require.NoError(t, status.Enqueue(ctx, req))

	p := NewPOVReproducer(testLogger(), root, reg, builds, status,
		&verdictRunner{ran: true}, time.Millisecond)
	worked, err := p.Execute(ctx)
	require.NoError(t, err)
	require.False(t, worked, "no patched build yet; request stays pending")

	got, err := status.GetStatus(ctx, req)
	require.NoError(t, err)
	require.Equal(t, crashes.POVPending, got)
}

func TestForegroundDispatchesWeightedAssignments(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	reg := registry.New(client)
	harnesses := harness.New(client)
	cov := coverage.New(client)
	builds := build.NewCache(client)

	now := time.Now()
	require.NoError(t, reg.Set(ctx, registry.Task{
		TaskID:      "t1",
		CreatedAtMs: now.UnixMilli(),
		DeadlineMs:  now.Add(time.Hour).UnixMilli(),
	}))
	require.NoError(t, harnesses.Set(ctx, harness.Harness{
		TaskID: "t1", PackageName: "parser", HarnessName: "FuzzParse", Weight: 0.5,
	}))
	require.NoError(t, builds.Put(ctx, build.Output{
		TaskID:    "t1",
		Engine:    "libfuzzer",
		Sanitizer: "address",
		BuildType: build.TypeFuzzer,
		TaskDir:   "/builds/t1/fuzzer",
	}))

	outQ := queue.New[build.Output](client, queue.BuildOutputsQueue,
		[]string{queue.GroupScheduler}, queue.JSONCodec[build.Output]())
	assignQ := queue.New[harness.Assignment](client, queue.FuzzAssignmentsQueue,
		[]string{queue.GroupFuzzWorker}, queue.JSONCodec[harness.Assignment]())

	f := NewForeground(testLogger(), reg, harnesses, cov, builds, nil,
		outQ, queue.GroupScheduler, assignQ, queue.GroupFuzzWorker, []string{"address"})

	// A fresh fuzzer build resets the harness to the initial prior.
	require.NoError(t, outQ.Push(ctx, build.Output{
		TaskID: "t1", BuildType: build.TypeFuzzer, Sanitizer: "address", TaskDir: "/builds/t1/fuzzer",
	}))
	require.NoError(t, f.RunOnce(ctx))

	h, err := harnesses.Get(ctx, "t1", "parser", "FuzzParse")
	require.NoError(t, err)
	// No coverage published yet: the default weight function keeps the
	// harness at full weight.
	require.Equal(t, 1.0, h.Weight)

	item, err := assignQ.Pop(ctx, queue.GroupFuzzWorker, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", item.Value.TaskID)
	require.Equal(t, "FuzzParse", item.Value.HarnessName)
	require.Equal(t, "/builds/t1/fuzzer", item.Value.BuildDir)
	require.Positive(t, item.Value.DurationSeconds)
}
