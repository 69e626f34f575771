package build

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/nodelocal"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
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

type fakeRunner struct {
	fail bool
	runs int
}

func (r *fakeRunner) RunBuild(ctx context.Context, workDir string, cmd []string) (string, error) {
	r.runs++
	if r.fail {
		return "compile error", context.DeadlineExceeded
	}
	return "ok", nil
}

func newTestDispatcher(t *testing.T, runner Runner) (*Dispatcher, *kv.Client,
	*queue.Queue[Request], *queue.Queue[Output], string) {
	t.Helper()

	client := newTestClient(t)
	localRoot := t.TempDir()
	remoteRoot := t.TempDir()
	root, err := nodelocal.NewRootWithRemote(localRoot, remoteRoot)
	require.NoError(t, err)

	inQ := queue.New[Request](client, queue.BuildRequestsQueue,
		[]string{queue.GroupBuilder}, queue.JSONCodec[Request]())
	outQ := queue.New[Output](client, queue.BuildOutputsQueue,
		[]string{queue.GroupScheduler}, queue.JSONCodec[Output]())

	d := NewDispatcher(testLogger(), root, NewCache(client), runner, inQ, queue.GroupBuilder, outQ)
	return d, client, inQ, outQ, localRoot
}

func seedTaskDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.c"), []byte("int main(void){return 0;}\n"), 0o644))
	return dir
}

func TestSuccessfulBuildPublishesOutput(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	d, client, inQ, outQ, _ := newTestDispatcher(t, runner)

	req := Request{
		TaskID:    "t1",
		Engine:    "libfuzzer",
		Sanitizer: "address",
		BuildType: TypeFuzzer,
		TaskDir:   seedTaskDir(t),
	}
	require.NoError(t, inQ.Push(ctx, req))

	worked, err := d.ProcessOne(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, worked)
	require.Equal(t, 1, runner.runs)

	// The output landed on the queue and in the build map.
	item, err := outQ.Pop(ctx, queue.GroupScheduler, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", item.Value.TaskID)
	require.Equal(t, TypeFuzzer, item.Value.BuildType)
	require.DirExists(t, item.Value.TaskDir)

	cached, err := NewCache(client).GetBuildFromSanitizer(ctx, "t1", TypeFuzzer, "address", "")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, item.Value.TaskDir, cached.TaskDir)

	// The request was acked.
	n, err := inQ.LengthOfGroup(ctx, queue.GroupBuilder)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestApplyFailureExhaustsRetryBudgetThenDrops(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{}
	d, _, inQ, outQ, _ := newTestDispatcher(t, runner)

	// A diff that cannot apply: the path points at a file that is not a
	// diff at all.
	taskDir := seedTaskDir(t)
	badDiff := filepath.Join(t.TempDir(), "bad.diff")
	require.NoError(t, os.WriteFile(badDiff, []byte("this is not a diff"), 0o644))

	req := Request{
		TaskID:    "t1",
		Engine:    "libfuzzer",
		Sanitizer: "address",
		BuildType: TypeFuzzer,
		TaskDir:   taskDir,
		ApplyDiff: true,
		DiffPath:  badDiff,
	}
	require.NoError(t, inQ.Push(ctx, req))

	// Visibility 0 makes every unacked item immediately redeliverable,
	// standing in for waiting out the timeout.
	for i := 0; i < 4; i++ {
		worked, err := d.ProcessOne(ctx, 0)
		require.NoError(t, err)
		require.True(t, worked, "delivery %d", i+1)
	}

	// Delivery 4 exceeded MaxApplyTries=3: the item is acked and gone.
	worked, err := d.ProcessOne(ctx, 0)
	require.NoError(t, err)
	require.False(t, worked, "queue must be empty after the poison item is dropped")

	// Nothing was built or published.
	require.Zero(t, runner.runs)
	size, err := outQ.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestBuildFailureRecordsNoOutput(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{fail: true}
	d, client, inQ, outQ, _ := newTestDispatcher(t, runner)

	require.NoError(t, inQ.Push(ctx, Request{
		TaskID:    "t1",
		Engine:    "libfuzzer",
		Sanitizer: "address",
		BuildType: TypeFuzzer,
		TaskDir:   seedTaskDir(t),
	}))

	worked, err := d.ProcessOne(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, worked)

	size, err := outQ.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)

	cached, err := NewCache(client).GetBuildFromSanitizer(ctx, "t1", TypeFuzzer, "address", "")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestFingerprintDistinguishesPatches(t *testing.T) {
	a := Fingerprint("t1", "proj", "libfuzzer", "address", TypePatch, "patch-a", "")
	b := Fingerprint("t1", "proj", "libfuzzer", "address", TypePatch, "patch-b", "")
	require.NotEqual(t, a, b)

	a2 := Fingerprint("t1", "proj", "libfuzzer", "address", TypePatch, "patch-a", "")
	require.Equal(t, a, a2)
}
