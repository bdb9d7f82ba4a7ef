package config

import (
	"strings"
	"time"
)

// defaults returns the settings for env before the environment is applied.
// "local" points remote backends at the docker-compose services.
func defaults(env string) Config {
	cfg := Config{
		Env:             env,
		PassThreshold:   70,
		MaxAttempts:     3,
		Workers:         1,
		ViewerURL:       "http://localhost:8000/module-viewer.html",
		ReportDir:       "evaluation_results",
		ArchiveEvidence: true,
		Capture: CaptureConfig{
			MaxPerKind:    3,
			MaxButtons:    2,
			SettleDelay:   time.Second,
			RenderTimeout: 60 * time.Second,
		},
		Automation: AutomationConfig{
			Mode:           "toolserver",
			ToolServerURLs: []string{"http://localhost:8001"},
		},
		LLM: LLMConfig{
			GraderModel: "gemini-2.5-flash",
			RepairModel: "gemini-2.5-flash",
			Retries:     3,
		},
		Artifact: ArtifactConfig{
			Backend:  "file",
			Root:     ".",
			Region:   "us-east-1",
			Bucket:   "qaloop-artifacts",
			UseSSL:   true,
			CacheTTL: 5 * time.Minute,
		},
	}
	if strings.EqualFold(env, "local") {
		cfg.Artifact.Endpoint = "localhost:9000"
		cfg.Artifact.AccessKey = "qaloop"
		cfg.Artifact.SecretKey = "qaloop123"
		cfg.Artifact.UseSSL = false
	}
	return cfg
}
