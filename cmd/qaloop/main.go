// Command qaloop validates the interactive components of a generated module
// in a real browser, repairs failing ones with Gemini, and reports the
// outcome. Exit status is 0 when every component passed, 1 when some did
// not, and 2 when the run itself failed.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"qaloop/internal/config"
)

const (
	exitPassed = 0
	exitFailed = 1
	exitFatal  = 2
)

func main() {
	os.Exit(mainExit())
}

func mainExit() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Printf("config: %v", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}
	return run(ctx, cfg)
}

func run(ctx context.Context, cfg *config.Config) int {
	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Printf("init: %v", err)
		return exitFatal
	}
	defer a.Close()

	rep, err := a.Run(ctx)
	if err != nil {
		log.Printf("run: %v", err)
		return exitFatal
	}
	sum := rep.Summary()
	if sum.Total == 0 {
		log.Printf("module %s has no components to validate", cfg.ModuleID)
		return exitPassed
	}
	if !sum.AllPassed() {
		return exitFailed
	}
	log.Printf("all %d components passed", sum.Total)
	return exitPassed
}
