// Package config loads the CRS's process-wide configuration from an ini
// file plus command-line flags. NODE_DATA_DIR and the telemetry
// identifiers are read from the environment exactly once, here, and
// carried afterward as plain struct fields -- no package reaches back
// into os.Getenv at call time.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

// ConfigFilename is the filename for the CRS's ini configuration file,
// shared by every CRS binary (scheduler, builder, fuzzer, patcher and
// submitter each also take their own flag groups).
const ConfigFilename = "buttercup-crs.conf"

// CRSDir is the base directory the CRS looks for its configuration file
// in.
var CRSDir = btcutil.AppDataDir("buttercup-crs", false)

// ConfigFile is the full path of the CRS's ini configuration file.
var ConfigFile = filepath.Join(CRSDir, ConfigFilename)

// Redis holds the connection parameters for the shared KV store, common to
// every binary.
type Redis struct {
	Host        string        `long:"redis-host" description:"Hostname of the shared Redis-compatible KV store" default:"localhost"`
	Port        int           `long:"redis-port" description:"Port of the shared Redis-compatible KV store" default:"6379"`
	DialTimeout time.Duration `long:"redis-dial-timeout" description:"Dial timeout for the KV store connection" default:"5s"`
}

// NodeLocal holds the node-local staging configuration, resolved once at
// startup rather than read ambiently from the environment by every
// package that touches the filesystem.
type NodeLocal struct {
	// DataDir is read from NODE_DATA_DIR. A process that can't resolve it
	// fails fast at startup.
	DataDir string

	ScratchDir string `long:"scratch-dir" description:"Root directory for per-task scratch space" default:""`
}

// Telemetry holds the optional OpenTelemetry identifiers, read once here
// and passed explicitly to whatever constructs the tracer/meter
// providers.
type Telemetry struct {
	InstanceID   string `long:"crs-instance-id" description:"CRS instance id reported in telemetry spans" env:"CRS_INSTANCE_ID"`
	OTLPEndpoint string `long:"otel-exporter-otlp-endpoint" description:"OTLP collector endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPHeaders  string `long:"otel-exporter-otlp-headers" description:"OTLP collector headers" env:"OTEL_EXPORTER_OTLP_HEADERS"`
}

// Competition holds the external competition API's connection
// parameters.
type Competition struct {
	APIURL   string `long:"competition-api-url" description:"Base URL of the external competition API"`
	APIKeyID string `long:"competition-api-key-id" description:"Basic-auth username for the competition API" env:"COMPETITION_API_KEY_ID"`
	APIToken string `long:"competition-api-token" description:"Basic-auth password for the competition API" env:"COMPETITION_API_TOKEN"`
}

// LLM holds the external LLM provider's connection parameters, passed
// through to the patcher's agent constructor and never read ambiently
// deeper in patcher node code.
type LLM struct {
	Hostname string `long:"litellm-hostname" description:"Hostname of the LLM proxy used by the patcher" env:"BUTTERCUP_LITELLM_HOSTNAME"`
	Key      string `long:"litellm-key" description:"API key for the LLM proxy used by the patcher" env:"BUTTERCUP_LITELLM_KEY"`
}

// Scheduler holds crs-scheduler's own flags.
type Scheduler struct {
	TasksStorageDir            string        `long:"tasks-storage-dir" description:"Directory holding downloaded challenge task sources"`
	DeleteOldTasksDeltaSeconds int64         `long:"delete-old-tasks-delta-seconds" description:"Seconds past expiry before scratch GC reclaims a task" default:"1800"`
	ScratchCleanupInterval     time.Duration `long:"scratch-cleanup-interval" description:"Interval between scratch GC sweeps" default:"60s"`
	CorpusMergeInterval        time.Duration `long:"corpus-merge-interval" description:"Interval between corpus merge sweeps" default:"10s"`
	POVReproduceInterval       time.Duration `long:"pov-reproduce-interval" description:"Interval between POV-against-patch reproduction attempts" default:"100ms"`
	ForegroundInterval         time.Duration `long:"foreground-interval" description:"Interval between harness-weight/dispatch passes" default:"5s"`

	ListenAddr     string `long:"listen-addr" description:"Address the task webhook listens on" default:":8080"`
	Engine         string `long:"engine" description:"Fuzz engine requested for ingested tasks" default:"libfuzzer"`
	MergeSanitizer string `long:"merge-sanitizer" description:"Sanitizer build the corpus merge engine runs in" default:"address"`

	S3BackupBucket   string        `long:"s3-backup-bucket" description:"S3 bucket for periodic corpus backups; backups are disabled when unset"`
	S3BackupKey      string        `long:"s3-backup-key" description:"S3 object key for the corpus backup archive" default:"corpus.zip"`
	S3BackupInterval time.Duration `long:"s3-backup-interval" description:"Interval between corpus backups" default:"10m"`

	CrashReportRepo string `long:"crash-report-repo" description:"GitHub repository URL (with token) that confirmed vulnerabilities are reported to; reporting is disabled when unset"`
}

// Fuzzer holds crs-fuzzer's own flags.
type Fuzzer struct {
	NumWorkers int    `long:"num-workers" description:"Concurrent fuzz workers per node" default:"4"`
	CrashDir   string `long:"crash-dir" description:"Directory crashing inputs are copied into"`
}

// Builder holds crs-builder's own flags.
type Builder struct {
	AllowCaching  bool   `long:"allow-caching" description:"Permit build cache hits to short-circuit a rebuild"`
	AllowPull     bool   `long:"allow-pull" description:"Permit pulling a fresh base image before building"`
	WorkDir       string `long:"wdir" description:"Scoped working directory for rw build copies"`
	InCluster     bool   `long:"in-cluster" description:"Run builds as Kubernetes Jobs instead of local Docker containers"`
	NameSpace     string `long:"namespace" description:"Kubernetes namespace to use when --in-cluster is set" default:"default"`
	MaxApplyTries int64  `long:"max-apply-tries" description:"Delivery count after which a patch/diff that fails to apply is dropped" default:"3"`
	MaxBuildTries int64  `long:"max-build-tries" description:"Delivery count after which a request that fails to build is dropped" default:"3"`
}

// Patcher holds crs-patcher's own flags, including the workflow's
// retry policy.
type Patcher struct {
	TasksStorage          string        `long:"tasks-storage" description:"Directory holding downloaded challenge task sources"`
	WorkDir               string        `long:"work-dir" description:"Scoped working directory for rw patch-build copies"`
	MaxPatchRetries       int           `long:"max-patch-retries" description:"Maximum patch attempts before giving up" default:"30"`
	MaxConcurrency        int           `long:"max-concurrency" description:"Maximum parallel sanitizer builds/POV runs per attempt" default:"4"`
	MaxMinutesRunPOVs     time.Duration `long:"max-minutes-run-povs" description:"Wall-clock cap on a single POV sweep" default:"10m"`
	MaxRootCauseRetries   int           `long:"max-root-cause-analysis-retries" description:"Maximum root-cause analysis re-entries" default:"3"`
	MaxLastFailureRetries int           `long:"max-last-failure-retries" description:"Consecutive same-status failures before escalating back to root-cause analysis" default:"3"`

	Sanitizers      []string `long:"sanitizer" description:"Sanitizers every patch attempt must build against; may be given multiple times" default:"address"`
	ProjectLanguage string   `long:"project-language" description:"The project's declared language, checked against every patched file" default:"c"`
	LangIDBinary    string   `long:"langid-binary" description:"Language-identifier binary used by patch validation" default:"langid"`
	CodeQueryURL    string   `long:"codequery-url" description:"Base URL of the code-index query service; path heuristics are used when unset"`
	TestsScript     string   `long:"tests-script" description:"Functionality tests script mounted into each patched challenge; absent means tests pass"`
}

// Config is the full process configuration. Each binary only populates and
// reads the sub-struct(s) it needs; the rest remain zero-valued.
type Config struct {
	Redis       Redis       `group:"Redis"`
	NodeLocal   NodeLocal   `group:"Node Local"`
	Telemetry   Telemetry   `group:"Telemetry"`
	Competition Competition `group:"Competition API"`
	LLM         LLM         `group:"LLM"`

	Scheduler Scheduler `group:"Scheduler"`
	Builder   Builder   `group:"Builder"`
	Fuzzer    Fuzzer    `group:"Fuzzer"`
	Patcher   Patcher   `group:"Patcher"`
}

// Load reads configuration values from the ini file (if present) and
// then command-line flags, which override it. NODE_DATA_DIR is resolved
// here, once, and its absence is a fatal error.
func Load(args []string) (*Config, error) {
	var cfg Config

	configFilePath := CleanAndExpandPath(ConfigFile)

	parser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		var iniErr *flags.IniError
		var flagsErr *flags.Error
		if errors.As(err, &iniErr) || errors.As(err, &flagsErr) {
			return nil, err
		}
	}

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	dataDir := os.Getenv("NODE_DATA_DIR")
	if dataDir == "" {
		return nil, errors.New("config: NODE_DATA_DIR must be set")
	}
	cfg.NodeLocal.DataDir = CleanAndExpandPath(dataDir)

	if cfg.Builder.WorkDir == "" {
		cfg.Builder.WorkDir = filepath.Join(cfg.NodeLocal.DataDir, "build-work")
	}
	if cfg.Patcher.WorkDir == "" {
		cfg.Patcher.WorkDir = filepath.Join(cfg.NodeLocal.DataDir, "patch-work")
	}
	if cfg.NodeLocal.ScratchDir == "" {
		cfg.NodeLocal.ScratchDir = filepath.Join(cfg.NodeLocal.DataDir, "scratch")
	}
	if cfg.Fuzzer.CrashDir == "" {
		cfg.Fuzzer.CrashDir = filepath.Join(cfg.NodeLocal.DataDir, "crashes")
	}

	cfg.Patcher.MaxConcurrency = capConcurrency(cfg.Patcher.MaxConcurrency)

	return &cfg, nil
}

// capConcurrency clamps a requested parallelism to the CPUs actually
// available: values above the core count are capped, and non-positive
// values fall back to the core count.
func capConcurrency(requested int) int {
	maxProcs := runtime.NumCPU()
	if requested <= 0 || requested > maxProcs {
		return maxProcs
	}
	return requested
}

// CleanAndExpandPath expands environment variables and a leading ~ in
// path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", home, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
