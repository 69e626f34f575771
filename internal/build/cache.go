// Package build implements the build dispatcher and build cache: a
// queue-driven worker that applies a task's diff and/or a candidate
// patch, invokes the fuzz-engine build with caching, and publishes the
// resulting BuildOutput.
package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
)

// Type distinguishes the four kinds of build a request can produce.
type Type string

const (
	TypeFuzzer   Type = "FUZZER"
	TypeCoverage Type = "COVERAGE"
	TypeTracer   Type = "TRACER"
	TypePatch    Type = "PATCH"
)

// Output is one finished build, keyed by (task_id, build_type,
// sanitizer, internal_patch_id). For TypeFuzzer, InternalPatchID is
// always empty.
type Output struct {
	TaskID          string `json:"task_id"`
	Engine          string `json:"engine"`
	Sanitizer       string `json:"sanitizer"`
	BuildType       Type   `json:"build_type"`
	InternalPatchID string `json:"internal_patch_id"`
	TaskDir         string `json:"task_dir"`
}

// mapKey is the build map's hash field for o: (task_id, build_type,
// sanitizer, internal_patch_id).
func mapKey(taskID string, buildType Type, sanitizer, internalPatchID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", taskID, buildType, sanitizer, internalPatchID)
}

// Cache is the KV-backed build map: the durable record of every build
// this CRS has produced, holding the latest build for each
// (task, type, sanitizer, patch) key. The dispatcher consults it as a
// cache through that same key: any recorded build under the key counts
// as a hit. Entries are not stored or looked up by Fingerprint.
type Cache struct {
	kv *kv.Client
}

// NewCache constructs a Cache backed by client.
func NewCache(client *kv.Client) *Cache {
	return &Cache{kv: client}
}

// Put records o in the build map, keyed by (task_id, build_type,
// sanitizer, internal_patch_id). A later Put with the same key
// overwrites the earlier one -- the map holds the latest build for each
// key, not a history.
func (c *Cache) Put(ctx context.Context, o Output) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("build: marshal output: %w", err)
	}
	return c.kv.HSet(ctx, kv.BuildMapKey, mapKey(o.TaskID, o.BuildType, o.Sanitizer, o.InternalPatchID), b)
}

// GetBuildFromSanitizer returns the latest Output for
// (taskID, buildType, sanitizer, internalPatchID), or (nil, nil) if
// absent.
func (c *Cache) GetBuildFromSanitizer(ctx context.Context, taskID string, buildType Type, sanitizer, internalPatchID string) (*Output, error) {
	raw, ok, err := c.kv.HGet(ctx, kv.BuildMapKey, mapKey(taskID, buildType, sanitizer, internalPatchID))
	if err != nil {
		return nil, fmt.Errorf("build: get %s/%s/%s/%s: %w", taskID, buildType, sanitizer, internalPatchID, err)
	}
	if !ok {
		return nil, nil
	}
	var o Output
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("build: unmarshal output: %w", err)
	}
	return &o, nil
}

// Fingerprint hashes the parameters that make two build requests
// equivalent for caching purposes: task, project, engine, sanitizer,
// build type, patch text, and the hash of whatever diff was applied. The
// dispatcher computes it per request and logs it on a cache hit; the
// hit itself is decided by the build-map key, so two requests that
// differ only in project, engine, patch text or diff share one entry.
func Fingerprint(taskID, projectName, engine, sanitizer string, buildType Type, patch, appliedDiffHash string) string {
	h := sha256.New()
	for _, part := range []string{taskID, projectName, engine, sanitizer, string(buildType), patch, appliedDiffHash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
