// Package config loads run settings from .env, the environment and
// command-line flags. Flags win over the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ModuleID string
	Env      string

	PassThreshold float64
	MaxAttempts   int
	Workers       int
	RunTimeout    time.Duration
	Resume        bool

	ViewerURL       string
	ReportDir       string
	ArchiveEvidence bool
	DatabaseURL     string

	Capture    CaptureConfig
	Automation AutomationConfig
	LLM        LLMConfig
	Artifact   ArtifactConfig
}

type CaptureConfig struct {
	MaxPerKind    int
	MaxButtons    int
	SettleDelay   time.Duration
	RenderTimeout time.Duration
}

type AutomationConfig struct {
	// Mode is "toolserver" or "devtools".
	Mode           string
	ToolServerURLs []string
	DevToolsURL    string
}

type LLMConfig struct {
	APIKey      string
	GraderModel string
	RepairModel string
	Retries     int
	// RPS and Burst bound requests per API key across grading and repair.
	// RPS <= 0 disables the limit.
	RPS   float64
	Burst int
}

type ArtifactConfig struct {
	// Backend is "file", "s3", "postgres" or "memory".
	Backend   string
	Root      string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	CacheTTL  time.Duration
}

// Load reads settings for one run. args are the command-line arguments
// without the program name; a single positional argument is the module id.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	env := firstNonEmpty(strings.TrimSpace(os.Getenv("APP_ENV")), "local")
	cfg := defaults(env)
	var errs []error
	e := envReader{errs: &errs}

	cfg.ModuleID = e.getString("QALOOP_MODULE", cfg.ModuleID)
	cfg.PassThreshold = e.getFloat("QALOOP_PASS_THRESHOLD", cfg.PassThreshold)
	cfg.MaxAttempts = e.getInt("QALOOP_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.Workers = e.getInt("QALOOP_WORKERS", cfg.Workers)
	cfg.RunTimeout = e.getDuration("QALOOP_RUN_TIMEOUT", cfg.RunTimeout)
	cfg.Resume = e.getBool("QALOOP_RESUME", cfg.Resume)
	cfg.ViewerURL = e.getString("QALOOP_VIEWER_URL", cfg.ViewerURL)
	cfg.ReportDir = e.getString("QALOOP_REPORT_DIR", cfg.ReportDir)
	cfg.ArchiveEvidence = e.getBool("QALOOP_ARCHIVE_EVIDENCE", cfg.ArchiveEvidence)
	cfg.DatabaseURL = e.getString("DATABASE_URL", cfg.DatabaseURL)

	cfg.Capture.MaxPerKind = e.getInt("QALOOP_MAX_PER_KIND", cfg.Capture.MaxPerKind)
	cfg.Capture.MaxButtons = e.getInt("QALOOP_MAX_BUTTONS", cfg.Capture.MaxButtons)
	cfg.Capture.SettleDelay = e.getDuration("QALOOP_SETTLE_DELAY", cfg.Capture.SettleDelay)
	cfg.Capture.RenderTimeout = e.getDuration("QALOOP_RENDER_TIMEOUT", cfg.Capture.RenderTimeout)

	cfg.Automation.Mode = e.getString("QALOOP_AUTOMATION", cfg.Automation.Mode)
	toolServers := e.getString("QALOOP_TOOLSERVER_URL", strings.Join(cfg.Automation.ToolServerURLs, ","))
	cfg.Automation.DevToolsURL = e.getString("QALOOP_DEVTOOLS_URL", cfg.Automation.DevToolsURL)

	cfg.LLM.APIKey = e.getString("GEMINI_API_KEY", "")
	cfg.LLM.GraderModel = e.getString("QALOOP_GRADER_MODEL", cfg.LLM.GraderModel)
	cfg.LLM.RepairModel = e.getString("QALOOP_REPAIR_MODEL", cfg.LLM.RepairModel)
	cfg.LLM.Retries = e.getInt("LLM_RETRIES", cfg.LLM.Retries)
	cfg.LLM.RPS = e.getFloat("LLM_RPS", e.getFloat("GEMINI_RPS", cfg.LLM.RPS))
	cfg.LLM.Burst = e.getInt("LLM_BURST", e.getInt("GEMINI_BURST", cfg.LLM.Burst))

	a := &cfg.Artifact
	a.Backend = e.getString("ARTIFACT_BACKEND", a.Backend)
	a.Root = e.getString("ARTIFACT_ROOT", a.Root)
	a.Endpoint = e.getString("ARTIFACT_S3_ENDPOINT", a.Endpoint)
	a.Region = e.getString("ARTIFACT_S3_REGION", a.Region)
	a.AccessKey = firstNonEmpty(e.getString("ARTIFACT_S3_ACCESS_KEY", ""), e.getString("MINIO_ROOT_USER", ""), a.AccessKey)
	a.SecretKey = firstNonEmpty(e.getString("ARTIFACT_S3_SECRET_KEY", ""), e.getString("MINIO_ROOT_PASSWORD", ""), a.SecretKey)
	a.Bucket = e.getString("ARTIFACT_S3_BUCKET", a.Bucket)
	a.Prefix = e.getString("ARTIFACT_S3_PREFIX", a.Prefix)
	a.UseSSL = e.getBool("ARTIFACT_S3_USE_SSL", a.UseSSL)
	a.CacheTTL = e.getDuration("ARTIFACT_CACHE_TTL", a.CacheTTL)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	fs := flag.NewFlagSet("qaloop", flag.ContinueOnError)
	fs.StringVar(&cfg.ModuleID, "module", cfg.ModuleID, "module id to validate")
	fs.Float64Var(&cfg.PassThreshold, "threshold", cfg.PassThreshold, "minimum passing score (inclusive)")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "repair budget per component")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "parallel automation sessions")
	fs.DurationVar(&cfg.RunTimeout, "timeout", cfg.RunTimeout, "run deadline, 0 for none")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "skip components that passed in the previous report")
	fs.StringVar(&cfg.ViewerURL, "viewer", cfg.ViewerURL, "module viewer URL")
	fs.StringVar(&cfg.ReportDir, "report-dir", cfg.ReportDir, "directory for evaluation results")
	fs.StringVar(&a.Backend, "backend", a.Backend, "artifact backend: file, s3, postgres or memory")
	fs.StringVar(&a.Root, "root", a.Root, "artifact root for the file backend")
	fs.StringVar(&cfg.Automation.Mode, "automation", cfg.Automation.Mode, "automation: toolserver or devtools")
	fs.StringVar(&toolServers, "toolserver", toolServers, "comma separated tool server URLs")
	fs.StringVar(&cfg.Automation.DevToolsURL, "devtools", cfg.Automation.DevToolsURL, "Chrome DevTools HTTP endpoint")
	fs.StringVar(&cfg.LLM.GraderModel, "grader-model", cfg.LLM.GraderModel, "Gemini model for grading")
	fs.StringVar(&cfg.LLM.RepairModel, "repair-model", cfg.LLM.RepairModel, "Gemini model for repair")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		if len(rest) > 1 {
			return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(rest[1:], " "))
		}
		cfg.ModuleID = rest[0]
	}
	cfg.Automation.ToolServerURLs = splitList(toolServers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and required settings.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ModuleID) == "" {
		errs = append(errs, fmt.Errorf("module id is required"))
	}
	if c.PassThreshold < 0 || c.PassThreshold > 100 {
		errs = append(errs, fmt.Errorf("pass threshold %.1f out of range 0..100", c.PassThreshold))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 0"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1"))
	}
	if c.LLM.RPS < 0 || c.LLM.Burst < 0 {
		errs = append(errs, fmt.Errorf("LLM_RPS and LLM_BURST must be >= 0"))
	}
	if c.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("run timeout must be >= 0"))
	}
	switch c.Automation.Mode {
	case "toolserver":
		if len(c.Automation.ToolServerURLs) == 0 {
			errs = append(errs, fmt.Errorf("toolserver automation needs QALOOP_TOOLSERVER_URL"))
		}
	case "devtools":
		if c.Automation.DevToolsURL == "" {
			errs = append(errs, fmt.Errorf("devtools automation needs QALOOP_DEVTOOLS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown automation %q", c.Automation.Mode))
	}
	switch c.Artifact.Backend {
	case "file":
		if c.Artifact.Root == "" {
			errs = append(errs, fmt.Errorf("file backend needs ARTIFACT_ROOT"))
		}
	case "s3", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("postgres backend needs DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown artifact backend %q", c.Artifact.Backend))
	}
	return errors.Join(errs...)
}

type envReader struct {
	errs *[]error
}

func (r envReader) raw(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (r envReader) getString(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r envReader) getInt(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r envReader) getFloat(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r envReader) getBool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// getDuration accepts Go durations ("90s") or bare seconds ("90").
func (r envReader) getDuration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
