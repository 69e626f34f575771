package patcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
)

// ScriptTestsRunner is the production TestsRunner: it mounts the task's
// tests script into the patched challenge and executes it there. A task
// that ships no script passes by default.
type ScriptTestsRunner struct {
	// ScriptPath is the tests script the task provides, or empty.
	ScriptPath string
}

// RunTests implements TestsRunner.
func (r ScriptTestsRunner) RunTests(ctx context.Context, taskDir string) (bool, bool, string, string, error) {
	if r.ScriptPath == "" {
		return false, true, "", "", nil
	}
	if _, err := os.Stat(r.ScriptPath); err != nil {
		if os.IsNotExist(err) {
			return false, true, "", "", nil
		}
		return false, false, "", "", err
	}

	// Stage the script inside the challenge so it runs with the patched
	// tree as its working directory.
	staged := filepath.Join(taskDir, filepath.Base(r.ScriptPath))
	data, err := os.ReadFile(r.ScriptPath)
	if err != nil {
		return false, false, "", "", err
	}
	if err := os.WriteFile(staged, data, 0o755); err != nil {
		return false, false, "", "", err
	}
	defer os.Remove(staged)

	cmd := exec.CommandContext(ctx, staged)
	cmd.Dir = taskDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return true, false, stdout.String(), stderr.String(), nil
		}
		return true, false, stdout.String(), stderr.String(), err
	}
	return true, true, stdout.String(), stderr.String(), nil
}
