// Package crashes implements crash intake and dedup -- a stack-trace
// fingerprint set per task -- and the POV-against-patch reproduction
// status machine.
package crashes

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
	"github.com/trailofbits/buttercup-crs-core/internal/queue"
)

// addrRe strips hex addresses/offsets from a stack frame line so that two
// crashes in the same function at different ASLR offsets fingerprint
// identically.
var addrRe = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// Fingerprint normalizes stacktrace into a crash_token: strip hex
// addresses/offsets and surrounding whitespace from each line, drop blank
// lines, and hash the remaining lines (frame numbers, function names,
// file:line) in order with SHA-256.
// This is the dedup key used throughout §4.8.
func Fingerprint(stacktrace string) string {
	h := sha256.New()
	scanner := bufio.NewScanner(strings.NewReader(stacktrace))
	for scanner.Scan() {
		line := addrRe.ReplaceAllString(scanner.Text(), "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Set is the KV-backed crash_set:<task_id>, deduping crash tokens per
// task.
type Set struct {
	kv *kv.Client
}

// NewSet constructs a Set backed by client.
func NewSet(client *kv.Client) *Set {
	return &Set{kv: client}
}

// Add records token for taskID, returning true iff it was already
// known.
func (s *Set) Add(ctx context.Context, taskID, token string) (alreadyKnown bool, err error) {
	added, err := s.kv.SAdd(ctx, kv.CrashSetKey(taskID), token)
	if err != nil {
		return false, fmt.Errorf("crashes: add token: %w", err)
	}
	return !added, nil
}

// Crash is an input that reproducibly crashes a harness, plus whatever
// target it was found against.
type Crash struct {
	TaskID      string `json:"task_id"`
	HarnessName string `json:"harness_name"`
	Engine      string `json:"engine"`
	Sanitizer   string `json:"sanitizer"`
	InputPath   string `json:"input_path"`
	Stacktrace  string `json:"stacktrace"`
}

// MaxPOVSize bounds the crashing input size the intake path will
// accept.
const MaxPOVSize = 2 * 1024 * 1024

// Intake computes a Crash's token; if new and within MaxPOVSize, copies
// the input into crashDir and pushes the Crash onto crashesQueue.
// Otherwise it drops the input silently.
func Intake(ctx context.Context, set *Set, crashDir string, crashesQueue *queue.Queue[Crash], c Crash) error {
	token := Fingerprint(c.Stacktrace)
	known, err := set.Add(ctx, c.TaskID, token)
	if err != nil {
		return err
	}
	if known {
		return nil
	}

	info, err := os.Stat(c.InputPath)
	if err != nil {
		return fmt.Errorf("crashes: stat input: %w", err)
	}
	if info.Size() > MaxPOVSize {
		return nil
	}

	dst := filepath.Join(crashDir, token)
	if err := copyFile(c.InputPath, dst); err != nil {
		return fmt.Errorf("crashes: copy input: %w", err)
	}
	c.InputPath = dst

	return crashesQueue.Push(ctx, c)
}

// TracedCrash pairs a Crash with the symbolicated stacktrace produced by
// the tracer pipeline. The tracer itself is an external collaborator;
// this package only consumes its output.
type TracedCrash struct {
	Crash            Crash  `json:"crash"`
	TracerStacktrace string `json:"tracer_stacktrace"`
}

// Token returns the crash_token TracedCrash groups on.
func (t TracedCrash) Token() string {
	return Fingerprint(t.TracerStacktrace)
}

// ConfirmedVulnerability groups every TracedCrash sharing a crash
// token, assigned a fresh InternalPatchID so the patcher has a stable
// identity to build against.
type ConfirmedVulnerability struct {
	InternalPatchID string        `json:"internal_patch_id"`
	TaskID          string        `json:"task_id"`
	Crashes         []TracedCrash `json:"crashes"`
}

// NewInternalPatchID is exported so tests and callers can stub it
// deterministically.
var NewInternalPatchID = func() string { return uuid.NewString() }

// Confirmer groups incoming TracedCrash by token into
// ConfirmedVulnerability, one per distinct token observed per task.
type Confirmer struct {
	mu     sync.Mutex
	byTask map[string]map[string]*ConfirmedVulnerability
}

// NewConfirmer constructs an empty Confirmer.
func NewConfirmer() *Confirmer {
	return &Confirmer{byTask: make(map[string]map[string]*ConfirmedVulnerability)}
}

// Add folds tc into its token's ConfirmedVulnerability for tc.Crash.TaskID,
// creating one with a fresh InternalPatchID on first sight of that token.
// It returns the (possibly just-created) vulnerability.
func (c *Confirmer) Add(tc TracedCrash) *ConfirmedVulnerability {
	c.mu.Lock()
	defer c.mu.Unlock()

	taskID := tc.Crash.TaskID
	byToken, ok := c.byTask[taskID]
	if !ok {
		byToken = make(map[string]*ConfirmedVulnerability)
		c.byTask[taskID] = byToken
	}

	token := tc.Token()
	v, ok := byToken[token]
	if !ok {
		v = &ConfirmedVulnerability{InternalPatchID: NewInternalPatchID(), TaskID: taskID}
		byToken[token] = v
	}
	v.Crashes = append(v.Crashes, tc)
	return v
}

// POVStatus is the state of a POVReproduceRequest. A request starts
// pending and moves out of pending at most once, via CAS.
type POVStatus string

const (
	POVPending      POVStatus = "pending"
	POVMitigated    POVStatus = "mitigated"
	POVNonMitigated POVStatus = "non_mitigated"
	POVExpired      POVStatus = "expired"
)

// POVReproduceRequest pairs a candidate patch's build with the POV it
// must mitigate.
type POVReproduceRequest struct {
	TaskID          string `json:"task_id"`
	InternalPatchID string `json:"internal_patch_id"`
	POVPath         string `json:"pov_path"`
	Sanitizer       string `json:"sanitizer"`
	HarnessName     string `json:"harness_name"`
}

// casScript performs the single atomic move of a request's status field
// from "pending" to target, returning 1 iff it performed the move, so
// the transition out of pending happens at most once across all
// workers. Status is kept in its own hash (separate from the request
// payload hash) so the script only ever reads and writes a plain string
// field.
const casScript = `
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if cur ~= "pending" then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`

// povReproduceItemsHash holds each request's JSON payload; povReproduceStatusHash
// holds the mutable status field CAS operates on, keyed identically.
const (
	povReproduceItemsHash  = "pov_reproduce_requests"
	povReproduceStatusHash = "pov_reproduce_status"
)

// povKey is lower-cased at the source: the status hash is written
// through the case-normalizing KV wrapper but read by the CAS script
// with the raw key, so the two must agree here.
func povKey(r POVReproduceRequest) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s", r.TaskID, r.InternalPatchID, r.Sanitizer, r.HarnessName))
}

// POVReproduceStatus is the KV-backed CAS state machine for
// POVReproduceRequest transitions.
type POVReproduceStatus struct {
	kv *kv.Client
}

// NewPOVReproduceStatus constructs a POVReproduceStatus backed by client.
func NewPOVReproduceStatus(client *kv.Client) *POVReproduceStatus {
	return &POVReproduceStatus{kv: client}
}

// Enqueue records r in state pending.
func (p *POVReproduceStatus) Enqueue(ctx context.Context, r POVReproduceRequest) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("crashes: marshal pov request: %w", err)
	}
	key := povKey(r)
	if err := p.kv.HSet(ctx, povReproduceItemsHash, key, b); err != nil {
		return fmt.Errorf("crashes: store pov request: %w", err)
	}
	return p.kv.HSet(ctx, povReproduceStatusHash, key, []byte(POVPending))
}

// GetOnePending returns an arbitrary request still in state pending, or
// nil if none exist. This store does not itself remove the entry;
// callers CAS it out of pending once they have a result.
func (p *POVReproduceStatus) GetOnePending(ctx context.Context) (*POVReproduceRequest, error) {
	statuses, err := p.kv.HGetAll(ctx, povReproduceStatusHash)
	if err != nil {
		return nil, fmt.Errorf("crashes: list pov statuses: %w", err)
	}
	for key, status := range statuses {
		if POVStatus(status) != POVPending {
			continue
		}
		raw, ok, err := p.kv.HGet(ctx, povReproduceItemsHash, key)
		if err != nil {
			return nil, fmt.Errorf("crashes: get pov request %q: %w", key, err)
		}
		if !ok {
			continue
		}
		var r POVReproduceRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("crashes: unmarshal pov request: %w", err)
		}
		return &r, nil
	}
	return nil, nil
}

// GetStatus returns r's current status, or "" if it was never
// enqueued.
func (p *POVReproduceStatus) GetStatus(ctx context.Context, r POVReproduceRequest) (POVStatus, error) {
	raw, ok, err := p.kv.HGet(ctx, povReproduceStatusHash, povKey(r))
	if err != nil {
		return "", fmt.Errorf("crashes: get pov status: %w", err)
	}
	if !ok {
		return "", nil
	}
	return POVStatus(raw), nil
}

// cas attempts the single atomic pending -> target transition for r,
// returning whether it succeeded. A false return is a normal outcome
// (another worker already moved it, or it observed a non-pending state)
// and should be logged at debug, not treated as an error.
func (p *POVReproduceStatus) cas(ctx context.Context, r POVReproduceRequest, target POVStatus) (bool, error) {
	res, err := p.kv.Eval(ctx, casScript, []string{povReproduceStatusHash}, povKey(r), string(target))
	if err != nil {
		return false, fmt.Errorf("crashes: cas %s: %w", target, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// MarkExpired attempts pending -> expired.
func (p *POVReproduceStatus) MarkExpired(ctx context.Context, r POVReproduceRequest) (bool, error) {
	return p.cas(ctx, r, POVExpired)
}

// MarkMitigated attempts pending -> mitigated.
func (p *POVReproduceStatus) MarkMitigated(ctx context.Context, r POVReproduceRequest) (bool, error) {
	return p.cas(ctx, r, POVMitigated)
}

// MarkNonMitigated attempts pending -> non_mitigated.
func (p *POVReproduceStatus) MarkNonMitigated(ctx context.Context, r POVReproduceRequest) (bool, error) {
	return p.cas(ctx, r, POVNonMitigated)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
