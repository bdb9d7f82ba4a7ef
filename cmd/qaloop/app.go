package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"qaloop/internal/automation"
	"qaloop/internal/config"
	"qaloop/internal/engine"
	"qaloop/internal/evidence"
	"qaloop/internal/llmclient"
	"qaloop/internal/manifest"
	"qaloop/internal/oracle"
	"qaloop/internal/report"
)

type app struct {
	cfg    *config.Config
	stores *runStores
	grader llmclient.Client
	fixer  llmclient.Client
	pool   *automation.Pool
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	stores, err := initStores(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, stores: stores}

	// Grader and repairer spend one API key.
	quota := llmclient.NewLimiter(cfg.LLM.RPS, cfg.LLM.Burst)
	a.grader, err = newLLM(ctx, cfg, cfg.LLM.GraderModel, quota)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.fixer = a.grader
	if cfg.LLM.RepairModel != cfg.LLM.GraderModel {
		a.fixer, err = newLLM(ctx, cfg, cfg.LLM.RepairModel, quota)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	factory, err := automationFactory(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pool = automation.NewPool(cfg.Workers, factory, nil)
	return a, nil
}

func newLLM(ctx context.Context, cfg *config.Config, model string, quota *llmclient.Limiter) (llmclient.Client, error) {
	gem, err := llmclient.NewGeminiClient(ctx, cfg.LLM.APIKey, model)
	if err != nil {
		return nil, err
	}
	return llmclient.Wrap(gem,
		llmclient.WithLogging(nil),
		llmclient.Retry(cfg.LLM.Retries, 2*time.Second),
		llmclient.RateLimit(quota),
	), nil
}

// automationFactory checks that the automation backend answers before any
// task is queued.
func automationFactory(ctx context.Context, cfg *config.Config) (automation.Factory, error) {
	switch cfg.Automation.Mode {
	case "toolserver":
		for _, u := range cfg.Automation.ToolServerURLs {
			if err := automation.NewToolServer(u, nil).Health(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", engine.ErrAutomationUnavailable, err)
			}
		}
		log.Printf("automation: tool servers %v", cfg.Automation.ToolServerURLs)
		return automation.ToolServerFactory(cfg.Automation.ToolServerURLs, nil), nil
	case "devtools":
		log.Printf("automation: devtools %s", cfg.Automation.DevToolsURL)
		return automation.DevToolsFactory(cfg.Automation.DevToolsURL, nil), nil
	}
	return nil, fmt.Errorf("unknown automation %q", cfg.Automation.Mode)
}

// Run validates every component of the module and publishes the report.
func (a *app) Run(ctx context.Context) (*report.Report, error) {
	cfg := a.cfg
	m, err := manifest.Load(ctx, a.stores.artifacts, cfg.ModuleID)
	if err != nil {
		return nil, err
	}
	entries := m.Entries(cfg.ViewerURL, nil)
	log.Printf("module %s (v%s): %d components to validate", m.ID, m.Version, len(entries))

	carried := map[string]bool{}
	if cfg.Resume {
		passed, err := report.LoadPassed(ctx, a.stores.reports, m.ID)
		if err != nil {
			log.Printf("resume: %v", err)
		}
		for _, c := range passed {
			carried[manifest.TaskID(c.Question, c.Step)] = true
		}
		log.Printf("resume: %d components passed previously", len(carried))
	}

	eng, err := engine.New(engine.Deps{
		Capturer: evidence.New(evidence.Options{
			MaxPerKind:    cfg.Capture.MaxPerKind,
			MaxButtons:    cfg.Capture.MaxButtons,
			SettleDelay:   cfg.Capture.SettleDelay,
			RenderTimeout: cfg.Capture.RenderTimeout,
		}),
		Scorer:   oracle.NewScorer(a.grader, nil),
		Repairer: oracle.NewRepairer(a.fixer, nil),
		Store:    a.stores.artifacts,
		Pool:     a.pool,
		Evidence: a.stores.evidence,
	}, engine.Options{
		ModuleID:      m.ID,
		PassThreshold: cfg.PassThreshold,
		MaxAttempts:   cfg.MaxAttempts,
		Workers:       cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		t := engine.NewTask(e.ID, e.ArtifactRef, e.TargetURL, e.Context)
		t.Carried = carried[e.ID]
		if err := eng.Enqueue(t); err != nil {
			return nil, err
		}
	}

	rep, runErr := eng.RunToCompletion(ctx)
	if rep == nil {
		return nil, runErr
	}
	if err := rep.Render(os.Stdout); err != nil {
		log.Printf("render report: %v", err)
	}

	// The run context may already be past its deadline; the report is
	// still written.
	pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sinks := []report.Sink{report.StoreSink{Store: a.stores.reports}}
	if a.stores.db != nil {
		sinks = append(sinks, report.NewPostgresSink(a.stores.db))
	}
	if err := report.PublishAll(pubCtx, rep, sinks...); err != nil {
		log.Printf("publish report: %v", err)
	} else {
		log.Printf("results written to %s", report.ResultsRef(m.ID))
	}
	return rep, runErr
}

func (a *app) Close() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			log.Printf("automation: %v", err)
		}
	}
	if a.grader != nil {
		_ = a.grader.Close()
	}
	if a.fixer != nil && a.fixer != a.grader {
		_ = a.fixer.Close()
	}
	if a.stores != nil {
		a.stores.Close()
	}
}
