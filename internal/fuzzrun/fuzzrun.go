// Package fuzzrun invokes fuzz engines against built challenge
// directories: timed fuzz runs, single-input POV reproduction, and the
// coverage-preserving corpus merge the scheduler's merge driver relies
// on. Engine internals (how a harness binary explores inputs) are the
// engine's own business; this package only owns the run/monitor/report
// contract around it.
package fuzzrun

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MergeTimeout bounds a single corpus-merge engine invocation. Crossing
// it returns a failure result; it never corrupts the staged directories.
const MergeTimeout = 300 * time.Second

// Invoker executes one engine command inside a working directory and
// returns its combined output. The production implementation shells out
// on the node itself; tests substitute a canned invoker.
type Invoker interface {
	Run(ctx context.Context, workDir string, cmd []string, env []string) (string, error)
}

// ExecInvoker runs engine commands directly via os/exec.
type ExecInvoker struct{}

// Run executes cmd in workDir with env appended to the inherited
// environment, returning combined stdout+stderr. A non-zero exit is an
// error; the output is still returned so callers can parse crash
// details out of it.
func (ExecInvoker) Run(ctx context.Context, workDir string, cmd []string, env []string) (string, error) {
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = workDir
	c.Env = append(os.Environ(), env...)

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	return out.String(), err
}

// Engine drives one fuzz engine binary family (the build dispatcher
// guarantees a built challenge directory contains a runnable harness per
// engine+sanitizer pair).
type Engine struct {
	logger  *slog.Logger
	invoker Invoker
}

// NewEngine constructs an Engine using invoker for process execution.
func NewEngine(logger *slog.Logger, invoker Invoker) *Engine {
	return &Engine{logger: logger, invoker: invoker}
}

// coverageRe extracts the engine's baseline-coverage line, printed once
// every input in the corpus directory has been processed.
var coverageRe = regexp.MustCompile(`initial coverage bits:\s+([0-9]+)`)

// MeasureCoverage runs target against the inputs in corpusDir (one
// iteration per existing input, no new fuzzing) and returns the observed
// coverage-bit count.
func (e *Engine) MeasureCoverage(ctx context.Context, pkgDir, corpusDir, target string) (int, error) {
	corpusTargetDir := filepath.Join(corpusDir, target)
	files, err := os.ReadDir(corpusTargetDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("fuzzrun: reading corpus dir: %w", err)
	}

	// -run with -fuzz skips the unit-test pass; -fuzztime=<N>x stops the
	// engine after replaying exactly the N existing inputs.
	cmd := []string{"go", "test",
		fmt.Sprintf("-run=^%s$", target),
		fmt.Sprintf("-fuzz=^%s$", target),
		fmt.Sprintf("-fuzztime=%dx", len(files)),
		fmt.Sprintf("-test.fuzzcachedir=%s", corpusDir),
	}

	output, err := e.invoker.Run(ctx, pkgDir, cmd, []string{"GODEBUG=fuzzdebug=1"})
	if err != nil {
		return 0, fmt.Errorf("fuzzrun: coverage run failed for %q: %w", pkgDir, err)
	}

	matches := coverageRe.FindStringSubmatch(output)
	if len(matches) < 2 {
		return 0, fmt.Errorf("fuzzrun: coverage bits not found in output:\n%s", output)
	}
	coverage, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("fuzzrun: parsing coverage: %w", err)
	}
	return coverage, nil
}

// MergeCorpus moves the files from srcDir that increase coverage over
// dstDir's current contents into dstDir. Files that add nothing stay
// behind in srcDir. Candidates are tried smallest-first so the kept set
// is biased toward small reproducers.
//
// The whole operation is bounded by MergeTimeout.
func (e *Engine) MergeCorpus(ctx context.Context, pkgDir, target, srcDir, dstDir string) error {
	ctx, cancel := context.WithTimeout(ctx, MergeTimeout)
	defer cancel()

	// The engine reads corpora as <cachedir>/<target>/<input>; stage dstDir
	// under a scratch cache root shaped that way.
	cacheDir, err := os.MkdirTemp("", "fuzzrun-merge-")
	if err != nil {
		return fmt.Errorf("fuzzrun: merge cache: %w", err)
	}
	defer os.RemoveAll(cacheDir)

	cacheCorpusDir := filepath.Join(cacheDir, target)
	if err := os.MkdirAll(cacheCorpusDir, 0o755); err != nil {
		return fmt.Errorf("fuzzrun: merge cache corpus: %w", err)
	}

	dstEntries, err := os.ReadDir(dstDir)
	if err != nil {
		return fmt.Errorf("fuzzrun: reading merge destination: %w", err)
	}
	for _, entry := range dstEntries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(dstDir, entry.Name()), filepath.Join(cacheCorpusDir, entry.Name())); err != nil {
			return fmt.Errorf("fuzzrun: staging destination corpus: %w", err)
		}
	}

	baseline, err := e.MeasureCoverage(ctx, pkgDir, cacheDir, target)
	if err != nil {
		return err
	}

	candidates, err := filesBySize(srcDir)
	if err != nil {
		return err
	}

	best := baseline
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("fuzzrun: merge timed out: %w", err)
		}

		srcPath := filepath.Join(srcDir, name)
		cachePath := filepath.Join(cacheCorpusDir, name)
		if err := copyFile(srcPath, cachePath); err != nil {
			return fmt.Errorf("fuzzrun: staging candidate %q: %w", name, err)
		}

		coverage, err := e.MeasureCoverage(ctx, pkgDir, cacheDir, target)
		if err != nil {
			return err
		}

		if coverage > best {
			best = coverage
			// Candidate earned its place: promote it into dstDir.
			if err := os.Rename(srcPath, filepath.Join(dstDir, name)); err != nil {
				return fmt.Errorf("fuzzrun: promoting %q: %w", name, err)
			}
			continue
		}

		if coverage < best {
			e.logger.Warn("nondeterministic fuzz target: coverage decreased",
				"file", name, "oldCoverage", best, "newCoverage", coverage)
		}
		if err := os.Remove(cachePath); err != nil {
			return fmt.Errorf("fuzzrun: unstaging %q: %w", name, err)
		}
	}

	e.logger.Info("corpus merge complete", "target", target, "baselineCoverage", baseline, "finalCoverage", best)
	return nil
}

func filesBySize(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fuzzrun: reading %q: %w", dir, err)
	}

	type fileInfo struct {
		name string
		size int64
	}
	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("fuzzrun: stat %q: %w", entry.Name(), err)
		}
		files = append(files, fileInfo{name: entry.Name(), size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].size < files[j].size })

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}

// POVResult reports one POV reproduction run. Ran distinguishes "the
// harness executed and we observed its verdict" from "infrastructure got
// in the way" -- only the former is a verdict at all.
type POVResult struct {
	Ran     bool
	Crashed bool
	Output  string
}

// ReproducePOV runs a single input through target's harness inside the
// built challenge at taskDir and reports whether it crashed. An engine
// that never started (missing binary, context cancelled before launch)
// yields Ran=false so the caller can retry rather than record a verdict.
func (e *Engine) ReproducePOV(ctx context.Context, taskDir, target, povPath string) (POVResult, error) {
	if _, err := os.Stat(povPath); err != nil {
		return POVResult{}, fmt.Errorf("fuzzrun: pov input: %w", err)
	}

	// Stage the input where the engine's -run replay expects it.
	replayDir := filepath.Join(taskDir, "testdata", "fuzz", target)
	if err := os.MkdirAll(replayDir, 0o755); err != nil {
		return POVResult{}, fmt.Errorf("fuzzrun: replay dir: %w", err)
	}
	replayName := filepath.Base(povPath)
	replayPath := filepath.Join(replayDir, replayName)
	if err := copyFile(povPath, replayPath); err != nil {
		return POVResult{}, fmt.Errorf("fuzzrun: staging pov: %w", err)
	}
	defer os.Remove(replayPath)

	cmd := []string{"go", "test",
		fmt.Sprintf("-run=^%s$/^%s$", target, replayName),
	}

	output, err := e.invoker.Run(ctx, taskDir, cmd, nil)
	if err != nil {
		if ctx.Err() != nil {
			return POVResult{Output: output}, nil
		}
		if looksLikeCrash(output) {
			return POVResult{Ran: true, Crashed: true, Output: output}, nil
		}
		// Exited non-zero without any crash signature: the run itself
		// failed (missing toolchain, unbuildable harness). Not a verdict.
		return POVResult{Output: output}, nil
	}
	return POVResult{Ran: true, Crashed: false, Output: output}, nil
}

// VerdictRunner adapts Engine to the flattened (ran, crashed) verdict
// shape the reproduction drivers consume.
type VerdictRunner struct {
	*Engine
}

// ReproducePOV implements the reproduction drivers' runner contract.
func (v VerdictRunner) ReproducePOV(ctx context.Context, taskDir, target, povPath string) (bool, bool, error) {
	res, err := v.Engine.ReproducePOV(ctx, taskDir, target, povPath)
	if err != nil {
		return false, false, err
	}
	return res.Ran, res.Crashed, nil
}

// ListFuzzTargets discovers the fuzz entry points in pkgDir.
func (e *Engine) ListFuzzTargets(ctx context.Context, pkgDir string) ([]string, error) {
	output, err := e.invoker.Run(ctx, pkgDir, []string{"go", "test", "-list=^Fuzz", "."}, nil)
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("fuzzrun: listing targets in %q: %w (output: %q)",
			pkgDir, err, strings.TrimSpace(output))
	}

	var targets []string
	for _, line := range strings.Split(output, "\n") {
		cleanLine := strings.TrimSpace(line)
		if strings.HasPrefix(cleanLine, "Fuzz") {
			targets = append(targets, cleanLine)
		}
	}
	if len(targets) == 0 {
		e.logger.Warn("no fuzz targets found", "package", pkgDir)
	}
	return targets, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
