// Package logging builds the process-wide structured logger shared by
// every CRS binary: a slog text handler writing to both stdout and a
// lumberjack-rotated file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFilename is the name of the rotating log file written under dir.
const LogFilename = "buttercup-crs.log"

// New constructs a logger that writes to both stdout and a rotating log
// file under dir, tagged with component (e.g. "scheduler", "builder",
// "patcher") so a shared log aggregator can tell the CRS processes
// apart.
func New(dir, component string) *slog.Logger {
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(dir, LogFilename),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     28,
		Compress:   true,
	}
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	return slog.New(slog.NewTextHandler(multiWriter, nil)).With("component", component)
}
