// Package harness implements the Harness entity and its weight map: a
// fuzz entry point belonging to a project within a task, scheduled
// proportional to an externally-computed weight. The weight formula
// itself is an external scheduling concern; this package only stores
// and serves weights.
package harness

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
)

// Harness identifies one fuzz target within a task and its current
// scheduling weight. A weight of 0 means "do not schedule".
type Harness struct {
	TaskID      string  `json:"task_id"`
	PackageName string  `json:"package_name"`
	HarnessName string  `json:"harness_name"`
	Weight      float64 `json:"weight"`
}

// key returns the harness_weights hash field for h, unique by
// (task_id, package_name, harness_name).
func key(taskID, packageName, harnessName string) string {
	return fmt.Sprintf("%s:%s:%s", taskID, packageName, harnessName)
}

// Store is the KV-backed harness_weights map.
type Store struct {
	kv *kv.Client
}

// New constructs a Store backed by client.
func New(client *kv.Client) *Store {
	return &Store{kv: client}
}

// Set upserts h's weight.
func (s *Store) Set(ctx context.Context, h Harness) error {
	b, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("harness: marshal: %w", err)
	}
	return s.kv.HSet(ctx, kv.HarnessWeightsKey, key(h.TaskID, h.PackageName, h.HarnessName), b)
}

// Get returns the stored harness, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, taskID, packageName, harnessName string) (*Harness, error) {
	raw, ok, err := s.kv.HGet(ctx, kv.HarnessWeightsKey, key(taskID, packageName, harnessName))
	if err != nil {
		return nil, fmt.Errorf("harness: get: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var h Harness
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("harness: unmarshal: %w", err)
	}
	return &h, nil
}

// ResetToPrior resets h's weight to the configured initial prior, used
// whenever a fresh BuildOutput arrives for its task: new code means old
// coverage plateaus no longer predict anything.
func (s *Store) ResetToPrior(ctx context.Context, taskID, packageName, harnessName string, prior float64) error {
	return s.Set(ctx, Harness{
		TaskID:      taskID,
		PackageName: packageName,
		HarnessName: harnessName,
		Weight:      prior,
	})
}

// ListSchedulable returns every harness with weight > 0 across every task,
// the input to the corpus merge driver and the foreground loop's
// dispatch pass.
func (s *Store) ListSchedulable(ctx context.Context) ([]Harness, error) {
	all, err := s.kv.HGetAll(ctx, kv.HarnessWeightsKey)
	if err != nil {
		return nil, fmt.Errorf("harness: list: %w", err)
	}
	var out []Harness
	for _, raw := range all {
		var h Harness
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("harness: unmarshal: %w", err)
		}
		if h.Weight > 0 {
			out = append(out, h)
		}
	}
	return out, nil
}

// WeightFunc computes a harness's next weight from its current coverage
// and elapsed scheduling time. The exact formula is an external
// scheduler concern; this type is the injection point, with
// DefaultWeightFunc as a documented placeholder.
type WeightFunc func(current Harness, coveredLines, totalLines int, elapsedSeconds float64) float64

// DefaultWeightFunc is a simple coverage-plateau decay: weight starts at 1
// and decays toward a floor as coverage approaches saturation, so
// harnesses that have stopped finding new coverage cede scheduling share
// to ones that haven't. It is explicitly a placeholder, not a tuned
// scheduling algorithm.
func DefaultWeightFunc(current Harness, coveredLines, totalLines int, elapsedSeconds float64) float64 {
	const floor = 0.05
	if totalLines <= 0 {
		return 1.0
	}
	coverage := float64(coveredLines) / float64(totalLines)
	if coverage > 1 {
		coverage = 1
	}
	w := 1.0 - coverage
	if w < floor {
		return floor
	}
	return w
}
