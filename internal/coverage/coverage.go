// Package coverage implements the coverage map: per
// (task_id, harness_name) function-level coverage, append/overwrite
// only, published by fuzz and build workers and read by the
// harness-weight scheduler.
package coverage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trailofbits/buttercup-crs-core/internal/kv"
)

// FunctionCoverage is one function's line coverage, as reported by a fuzz
// or build worker for a single harness run.
type FunctionCoverage struct {
	Name         string   `json:"name"`
	Paths        []string `json:"paths"`
	TotalLines   int      `json:"total_lines"`
	CoveredLines int      `json:"covered_lines"`
}

func key(taskID, harnessName string) string {
	return taskID + ":" + harnessName
}

// Map is the KV-backed coverage_map hash.
type Map struct {
	kv *kv.Client
}

// New constructs a Map backed by client.
func New(client *kv.Client) *Map {
	return &Map{kv: client}
}

// Set overwrites the stored function coverage list for (taskID, harnessName).
func (m *Map) Set(ctx context.Context, taskID, harnessName string, fns []FunctionCoverage) error {
	b, err := json.Marshal(fns)
	if err != nil {
		return fmt.Errorf("coverage: marshal: %w", err)
	}
	return m.kv.HSet(ctx, kv.CoverageMapKey, key(taskID, harnessName), b)
}

// Get returns the stored function coverage list, or nil if none has been
// published yet.
func (m *Map) Get(ctx context.Context, taskID, harnessName string) ([]FunctionCoverage, error) {
	raw, ok, err := m.kv.HGet(ctx, kv.CoverageMapKey, key(taskID, harnessName))
	if err != nil {
		return nil, fmt.Errorf("coverage: get: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var fns []FunctionCoverage
	if err := json.Unmarshal(raw, &fns); err != nil {
		return nil, fmt.Errorf("coverage: unmarshal: %w", err)
	}
	return fns, nil
}

// Totals sums CoveredLines and TotalLines across every function, the
// input the harness weight formula needs.
func Totals(fns []FunctionCoverage) (covered, total int) {
	for _, f := range fns {
		covered += f.CoveredLines
		total += f.TotalLines
	}
	return covered, total
}
