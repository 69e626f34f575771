package ingest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-crs-core/internal/build"
	"github.com/trailofbits/buttercup-crs-core/internal/harness"
	"github.com/trailofbits/buttercup-crs-core/internal/kv"
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

func messageCodec() queue.Codec[Message] {
	return queue.Codec[Message]{
		Marshal: func(m Message) ([]byte, error) { return json.Marshal(m) },
		Unmarshal: func(b []byte) (Message, error) {
			var m Message
			err := json.Unmarshal(b, &m)
			return m, err
		},
	}
}

func buildCodec() queue.Codec[build.Request] {
	return queue.Codec[build.Request]{
		Marshal: func(r build.Request) ([]byte, error) { return json.Marshal(r) },
		Unmarshal: func(b []byte) (build.Request, error) {
			var r build.Request
			err := json.Unmarshal(b, &r)
			return r, err
		},
	}
}

// tgzOf builds an in-memory gzipped tarball holding the given files.
func tgzOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestWebhookAccepts(t *testing.T) {
	client := newTestClient(t)
	inQ := queue.New[Message](client, "task-intake", []string{"ingester"}, messageCodec())
	h := NewHandler(testLogger(), inQ)

	msg := Message{MessageID: "m1", MessageTime: time.Now().UnixMilli()}
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	size, err := inQ.Size(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, size)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRegistersTaskAndRequestsBuilds(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	reg := registry.New(client)
	harnesses := harness.New(client)

	srcArchive := tgzOf(t, map[string]string{"main.c": "int main(void){return 0;}\n"})
	toolingArchive := tgzOf(t, map[string]string{"build.sh": "#!/bin/sh\n"})
	diffContent := []byte("--- a/main.c\n+++ b/main.c\n@@ -1 +1 @@\n-x\n+y\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/src.tgz":
			w.Write(srcArchive)
		case "/tooling.tgz":
			w.Write(toolingArchive)
		case "/changes.diff":
			w.Write(diffContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	inQ := queue.New[Message](client, "task-intake", []string{"ingester"}, messageCodec())
	buildQ := queue.New[build.Request](client, "build-requests", []string{"builder"}, buildCodec())

	tasksDir := t.TempDir()
	ing := NewIngester(testLogger(), reg, harnesses, tasksDir, inQ, "ingester", buildQ, "libfuzzer")

	now := time.Now()
	msg := Message{
		MessageID:   "m1",
		MessageTime: now.UnixMilli(),
		Tasks: []TaskDelivery{{
			TaskID:            "T-1",
			Type:              "delta",
			Deadline:          now.Add(time.Hour).UnixMilli(),
			Focus:             "parser",
			HarnessesIncluded: []string{"FuzzParse", "FuzzLex"},
			ProjectName:       "example",
			Source: []registry.SourceRef{
				{Type: registry.SourceTypeRepo, URL: srv.URL + "/src.tgz", SHA256: sum(srcArchive)},
				{Type: registry.SourceTypeFuzzTooling, URL: srv.URL + "/tooling.tgz", SHA256: sum(toolingArchive)},
				{Type: registry.SourceTypeDiff, URL: srv.URL + "/changes.diff", SHA256: sum(diffContent)},
			},
		}},
	}
	require.NoError(t, inQ.Push(ctx, msg))

	worked, err := ing.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	// The task record exists, case-insensitively.
	task, err := reg.Get(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, registry.TaskTypeDelta, task.TaskType)

	// Sources landed in the conventional layout.
	require.FileExists(t, filepath.Join(tasksDir, "T-1", "src", "main.c"))
	require.FileExists(t, filepath.Join(tasksDir, "T-1", "fuzz-tooling", "build.sh"))
	require.FileExists(t, filepath.Join(tasksDir, "T-1", "diff", "changes.diff"))

	// Harnesses were seeded schedulable.
	hs, err := harnesses.ListSchedulable(ctx)
	require.NoError(t, err)
	require.Len(t, hs, 2)

	// One fuzzer build request per default sanitizer, with the task diff
	// applied for a delta task.
	n, err := buildQ.LengthOfGroup(ctx, "builder")
	require.NoError(t, err)
	require.EqualValues(t, len(DefaultSanitizers), n)

	item, err := buildQ.Pop(ctx, "builder", time.Minute)
	require.NoError(t, err)
	require.Equal(t, build.TypeFuzzer, item.Value.BuildType)
	require.True(t, item.Value.ApplyDiff)
}

func TestIngestRejectsDigestMismatch(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	reg := registry.New(client)
	harnesses := harness.New(client)

	archive := tgzOf(t, map[string]string{"main.c": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	inQ := queue.New[Message](client, "task-intake", []string{"ingester"}, messageCodec())
	buildQ := queue.New[build.Request](client, "build-requests", []string{"builder"}, buildCodec())
	ing := NewIngester(testLogger(), reg, harnesses, t.TempDir(), inQ, "ingester", buildQ, "libfuzzer")

	now := time.Now()
	require.NoError(t, inQ.Push(ctx, Message{
		MessageID:   "m1",
		MessageTime: now.UnixMilli(),
		Tasks: []TaskDelivery{{
			TaskID:   "T-2",
			Type:     "full",
			Deadline: now.Add(time.Hour).UnixMilli(),
			Source: []registry.SourceRef{
				{Type: registry.SourceTypeRepo, URL: srv.URL + "/src.tgz", SHA256: "deadbeef"},
			},
		}},
	}))

	worked, err := ing.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	// The task was registered but marked errored, and no builds were
	// requested.
	errored, err := reg.IsErrored(ctx, "T-2")
	require.NoError(t, err)
	require.True(t, errored)

	n, err := buildQ.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCancelPropagates(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	reg := registry.New(client)

	require.NoError(t, reg.Set(ctx, registry.Task{
		TaskID:     "t3",
		DeadlineMs: time.Now().Add(time.Hour).UnixMilli(),
	}))

	ing := &Ingester{registry: reg}
	require.NoError(t, ing.Cancel(ctx, "t3"))

	task, err := reg.Get(ctx, "t3")
	require.NoError(t, err)
	require.True(t, task.Cancelled)
}
