package fuzzrun

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// failureRe matches the engine's failure lines, capturing the fuzz
// target name and the id of the failing input.
//
// It matches lines like:
//
//	"failure while testing seed corpus entry: FuzzFoo/771e938e4458e983"
//	"Failing input written to testdata/fuzz/FuzzFoo/771e938e4458e983"
var failureRe = regexp.MustCompile(
	`(?:failure while testing seed corpus entry:\s*|Failing input written to\s*testdata/fuzz/)` +
		`(?P<target>[^/]+)/(?P<id>[0-9a-f]+)`,
)

// sanitizerRe matches the banner a sanitizer prints when it aborts the
// process (AddressSanitizer, MemorySanitizer, UBSan, libFuzzer's own
// deadly-signal report).
var sanitizerRe = regexp.MustCompile(
	`(ERROR: (Address|Memory|Thread|UndefinedBehavior)Sanitizer|` +
		`SUMMARY: \w+Sanitizer|` +
		`panic: |fatal error: |` +
		`==\d+== ?ERROR|` +
		`DEADLYSIGNAL)`,
)

// looksLikeCrash reports whether output carries any crash signature: an
// engine FAIL marker or a sanitizer abort banner.
func looksLikeCrash(output string) bool {
	return strings.Contains(output, "--- FAIL:") || sanitizerRe.MatchString(output)
}

// CrashReport is what a crash-bearing fuzz run distills to: the
// stacktrace section of the output, and the failing input (path and
// content) if the engine saved one.
type CrashReport struct {
	Target           string
	Stacktrace       string
	FailingInputPath string
	FailingInput     []byte
}

// OutputParser scans a fuzz run's output stream for a failure, captures
// the stacktrace section that follows it, and resolves the failing input
// from the corpus directory.
type OutputParser struct {
	logger    *slog.Logger
	corpusDir string
	target    string
}

// NewOutputParser constructs an OutputParser for one (corpusDir, target)
// run.
func NewOutputParser(logger *slog.Logger, corpusDir, target string) *OutputParser {
	return &OutputParser{logger: logger, corpusDir: corpusDir, target: target}
}

// ProcessStream reads the run's output line by line. It returns nil if
// the stream ended without a failure marker; otherwise it returns the
// captured CrashReport.
func (p *OutputParser) ProcessStream(stream io.Reader) *CrashReport {
	scanner := bufio.NewScanner(stream)

	if !p.scanUntilFailure(scanner) {
		return nil
	}
	return p.captureFailure(scanner)
}

func (p *OutputParser) scanUntilFailure(scanner *bufio.Scanner) bool {
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("fuzzer output", "message", line)
		if strings.Contains(line, "--- FAIL:") || sanitizerRe.MatchString(line) {
			return true
		}
	}
	return false
}

// captureFailure collects every line after the failure marker as the
// stacktrace, and resolves the failing input when a saved-input line
// names one, including a seed-corpus entry with a hex id. A crash on an
// f.Add seed (reported as seed#N) names no saved input; the report's
// FailingInputPath stays empty in that case.
func (p *OutputParser) captureFailure(scanner *bufio.Scanner) *CrashReport {
	report := &CrashReport{Target: p.target}
	var trace strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("fuzzer output", "message", line)
		trace.WriteString(line)
		trace.WriteByte('\n')

		if report.FailingInputPath != "" {
			continue
		}
		target, id := parseFailureLine(line)
		if target == "" || id == "" {
			continue
		}
		report.FailingInputPath = filepath.Join(p.corpusDir, target, id)
		data, err := os.ReadFile(report.FailingInputPath)
		if err != nil {
			p.logger.Warn("failed to read failing input", "path", report.FailingInputPath, "error", err)
			continue
		}
		report.FailingInput = data
	}

	report.Stacktrace = trace.String()
	return report
}

// parseFailureLine extracts the target name and failing-input id from a
// single output line, or empty strings if the line is not a failure
// line.
func parseFailureLine(line string) (string, string) {
	matches := failureRe.FindStringSubmatch(line)
	if matches == nil {
		return "", ""
	}

	var target, id string
	for i, name := range failureRe.SubexpNames() {
		switch name {
		case "target":
			target = matches[i]
		case "id":
			id = matches[i]
		}
	}
	return target, id
}

// FormatCrashLog renders a crash report the way the failure logs are
// written: the stacktrace followed by the failing testcase, if any.
func FormatCrashLog(r *CrashReport) string {
	if r.FailingInputPath == "" {
		return r.Stacktrace
	}
	return fmt.Sprintf("%s\n\n=== Failing testcase (%s) ===\n%s",
		r.Stacktrace, filepath.Base(r.FailingInputPath), r.FailingInput)
}
