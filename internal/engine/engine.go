// Package engine drives validation tasks through capture, scoring and repair
// until each one passes, exhausts its repair budget, fails fatally, or the
// run is cut short.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"qaloop/internal/artifact"
	"qaloop/internal/automation"
	"qaloop/internal/llmclient"
	"qaloop/internal/oracle"
	"qaloop/internal/report"
	"qaloop/internal/types"
)

// ErrAutomationUnavailable is returned by RunToCompletion when no automation
// session could be obtained. It is the only run-level failure.
var ErrAutomationUnavailable = errors.New("automation unavailable")

type Capturer interface {
	Capture(ctx context.Context, sess automation.Session, target string, kind types.ComponentType) (*types.Evidence, error)
}

type Scorer interface {
	Score(ctx context.Context, ev *types.Evidence, sc types.StepContext) (types.Verdict, error)
}

type Repairer interface {
	Repair(ctx context.Context, req oracle.RepairRequest) (types.RepairResult, error)
}

type Deps struct {
	Capturer Capturer
	Scorer   Scorer
	Repairer Repairer
	Store    artifact.Store
	Pool     *automation.Pool
	// Evidence, when set, receives every attempt's screenshots.
	Evidence artifact.Store
}

type Options struct {
	ModuleID      string
	PassThreshold float64
	MaxAttempts   int
	Workers       int
	Logger        *log.Logger
}

func DefaultOptions() Options {
	return Options{PassThreshold: 70, MaxAttempts: 3, Workers: 1}
}

type Orchestrator struct {
	deps  Deps
	opts  Options
	log   *log.Logger
	queue Queue
	tasks []*Task
	ids   map[string]bool
	ran   bool
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Capturer == nil, deps.Scorer == nil, deps.Repairer == nil:
		return nil, fmt.Errorf("engine: capturer, scorer and repairer are required")
	case deps.Store == nil:
		return nil, fmt.Errorf("engine: artifact store is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("engine: automation pool is required")
	case opts.PassThreshold < 0 || opts.PassThreshold > 100:
		return nil, fmt.Errorf("engine: pass threshold %.1f out of range 0..100", opts.PassThreshold)
	case opts.MaxAttempts < 0:
		return nil, fmt.Errorf("engine: max attempts must be >= 0")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{deps: deps, opts: opts, log: logger, ids: map[string]bool{}}, nil
}

// Enqueue adds tasks in order. Each task takes the run-wide attempt budget.
func (o *Orchestrator) Enqueue(tasks ...*Task) error {
	if o.ran {
		return fmt.Errorf("engine: enqueue after run started")
	}
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			return fmt.Errorf("engine: task id is required")
		}
		if o.ids[t.ID] {
			return fmt.Errorf("engine: duplicate task %s", t.ID)
		}
		o.ids[t.ID] = true
		t.MaxAttempts = o.opts.MaxAttempts
		t.Attempt = 0
		t.Status = types.StatusPending
		o.tasks = append(o.tasks, t)
		if !t.Carried {
			o.queue.Push(t)
		}
	}
	return nil
}

type outcome struct {
	task *Task
	err  error
}

// RunToCompletion processes the queue until it is empty and returns a report
// with one final entry per enqueued task. The error is non-nil only for
// run-level failures; the report is complete in that case too, with the
// unfinished tasks marked aborted. Cancelling ctx ends the run early the
// same way without an error.
func (o *Orchestrator) RunToCompletion(ctx context.Context) (*report.Report, error) {
	if o.ran {
		return nil, fmt.Errorf("engine: run already completed")
	}
	o.ran = true

	rep := report.New(o.opts.ModuleID)
	for _, t := range o.tasks {
		rep.Expect(t.ID)
	}
	for _, t := range o.tasks {
		if t.Carried {
			o.transition(t, types.StatusPassed)
			o.record(rep, t)
		}
	}
	o.log.Printf("engine: %d tasks queued, %d carried, workers=%d threshold=%.0f max_attempts=%d",
		o.queue.Len(), len(o.tasks)-o.queue.Len(), o.opts.Workers, o.opts.PassThreshold, o.opts.MaxAttempts)

	done := make(chan outcome)
	inflight := 0
	var runErr error

	launch := func() {
		for inflight < o.opts.Workers && runErr == nil && ctx.Err() == nil {
			t, ok := o.queue.Pop()
			if !ok {
				return
			}
			inflight++
			go func() {
				done <- outcome{task: t, err: o.attempt(ctx, t)}
			}()
		}
	}

	launch()
	for inflight > 0 {
		res := <-done
		inflight--
		if res.err != nil && runErr == nil {
			runErr = res.err
		}
		if res.task.Status.Final() {
			o.record(rep, res.task)
		} else {
			o.queue.Push(res.task)
		}
		launch()
	}

	reason := "run ended"
	switch {
	case runErr != nil:
		reason = runErr.Error()
	case ctx.Err() != nil:
		reason = ctx.Err().Error()
	}
	for {
		t, ok := o.queue.Pop()
		if !ok {
			break
		}
		if t.LastError == "" {
			t.LastError = reason
		}
		o.transition(t, types.StatusAborted)
		o.record(rep, t)
	}

	rep.Finished = time.Now()
	return rep, runErr
}

func (o *Orchestrator) record(rep *report.Report, t *Task) {
	if err := rep.Record(t.entry()); err != nil {
		o.log.Printf("engine: %v", err)
	}
}

// attempt runs one capture and score, and a repair when the verdict fails
// with budget left. It returns an error only when the run cannot continue.
func (o *Orchestrator) attempt(ctx context.Context, t *Task) error {
	ctx = llmclient.WithTask(ctx, t.ID)

	o.transition(t, types.StatusInEvidence)
	ev, err := o.capture(ctx, t)
	if errors.Is(err, ErrAutomationUnavailable) {
		t.LastError = err.Error()
		o.transition(t, types.StatusAborted)
		return err
	}
	if err != nil {
		o.fail(ctx, t, err)
		return nil
	}
	o.archive(ctx, t, ev)

	o.transition(t, types.StatusInScoring)
	v, err := o.deps.Scorer.Score(ctx, ev, t.Context)
	if err != nil {
		o.fail(ctx, t, err)
		return nil
	}
	v = v.Judge(o.opts.PassThreshold)
	t.History = append(t.History, v)
	o.log.Printf("task %s attempt=%d score=%.0f threshold=%.0f issues=%d", t.ID, t.Attempt, v.Score, o.opts.PassThreshold, len(v.Issues))

	if v.Passed {
		o.transition(t, types.StatusPassed)
		return nil
	}
	if t.Attempt >= t.MaxAttempts {
		o.transition(t, types.StatusFailedBudgetExhausted)
		return nil
	}

	o.transition(t, types.StatusInRepair)
	if err := o.repair(ctx, t, v, ev); err != nil {
		o.fail(ctx, t, err)
		return nil
	}
	t.Attempt++
	o.transition(t, types.StatusPending)
	return nil
}

// captureTries bounds how often a capture starts over on a fresh session
// after the browser went away underneath it.
const captureTries = 2

func (o *Orchestrator) capture(ctx context.Context, t *Task) (*types.Evidence, error) {
	var err error
	for try := 1; try <= captureTries; try++ {
		lease, aerr := o.deps.Pool.Acquire(ctx)
		if aerr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrAutomationUnavailable, aerr)
		}
		var ev *types.Evidence
		ev, err = o.deps.Capturer.Capture(ctx, lease.Session(), t.TargetURL, t.Context.Component)
		if !errors.Is(err, automation.ErrSessionClosed) || ctx.Err() != nil {
			lease.Release()
			return ev, err
		}
		lease.Discard()
		o.log.Printf("task %s attempt=%d browser session lost (try %d/%d): %v", t.ID, t.Attempt, try, captureTries, err)
	}
	return nil, err
}

// repair replaces the artifact in place. The request always carries the
// content currently in the store.
func (o *Orchestrator) repair(ctx context.Context, t *Task, v types.Verdict, ev *types.Evidence) error {
	current, err := o.deps.Store.Load(ctx, t.ArtifactRef)
	if err != nil {
		return fmt.Errorf("load %s: %w", t.ArtifactRef, err)
	}
	res, err := o.deps.Repairer.Repair(ctx, oracle.RepairRequest{
		Current:  current,
		Verdict:  v,
		Evidence: ev,
		Context:  t.Context,
		History:  t.History[:len(t.History)-1],
	})
	if err != nil {
		return err
	}
	if len(res.NewArtifact) == 0 {
		return fmt.Errorf("repair of %s returned no content", t.ID)
	}
	if err := o.deps.Store.Save(ctx, t.ArtifactRef, res.NewArtifact); err != nil {
		return fmt.Errorf("save %s: %w", t.ArtifactRef, err)
	}
	digest := artifact.Digest(res.NewArtifact)
	t.Revisions = append(t.Revisions, digest)
	o.log.Printf("task %s attempt=%d replaced %s (%d bytes, %s)", t.ID, t.Attempt, t.ArtifactRef, len(res.NewArtifact), digest)
	return nil
}

func (o *Orchestrator) archive(ctx context.Context, t *Task, ev *types.Evidence) {
	if o.deps.Evidence == nil || ev == nil {
		return
	}
	for _, s := range ev.Screenshots {
		ref := fmt.Sprintf("evidence/%s/attempt-%d/%s.png", t.ID, t.Attempt, s.Name)
		if err := o.deps.Evidence.Save(ctx, ref, s.PNG); err != nil {
			o.log.Printf("task %s attempt=%d archive %s: %v", t.ID, t.Attempt, ref, err)
			continue
		}
		t.Evidence = append(t.Evidence, ref)
	}
}

// fail ends the task. Only the run context ending aborts it; a timeout
// inside one call is the task's own failure.
func (o *Orchestrator) fail(ctx context.Context, t *Task, err error) {
	t.LastError = err.Error()
	if ctx.Err() != nil {
		o.transition(t, types.StatusAborted)
		return
	}
	o.log.Printf("task %s attempt=%d failed: %v", t.ID, t.Attempt, err)
	o.transition(t, types.StatusFailedFatal)
}

func (o *Orchestrator) transition(t *Task, to types.TaskStatus) {
	if t.Status.Final() {
		o.log.Printf("task %s attempt=%d is %s, ignoring transition to %s", t.ID, t.Attempt, t.Status, to)
		return
	}
	o.log.Printf("task %s attempt=%d %s -> %s", t.ID, t.Attempt, t.Status, to)
	t.Status = to
}
