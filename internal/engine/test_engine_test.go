package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qaloop/internal/artifact"
	"qaloop/internal/automation"
	"qaloop/internal/evidence"
	"qaloop/internal/oracle"
	"qaloop/internal/types"
)

// harness wires the engine to deterministic stubs. Tasks use their id as
// target URL so the stubs can tell them apart.
type harness struct {
	mu       sync.Mutex
	captures []string
	repairs  []oracle.RepairRequest
	active   map[string]int
	overlap  bool

	scores     map[string][]float64
	scoreErr   map[string]error
	captureErr func(target string, n int) error
	onScore    func(target string)

	store *artifact.MemoryStore
	pool  *automation.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	factory, _ := automation.FakeFactory(func(int) *automation.FakeSession { return &automation.FakeSession{} })
	h := &harness{
		active:   map[string]int{},
		scores:   map[string][]float64{},
		scoreErr: map[string]error{},
		store:    artifact.NewMemoryStore(),
		pool:     automation.NewPool(2, factory, quiet()),
	}
	t.Cleanup(func() { _ = h.pool.Close() })
	return h
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func (h *harness) countFor(target string) int {
	n := 0
	for _, c := range h.captures {
		if c == target {
			n++
		}
	}
	return n
}

func (h *harness) Capture(ctx context.Context, sess automation.Session, target string, kind types.ComponentType) (*types.Evidence, error) {
	if sess == nil {
		return nil, fmt.Errorf("no session")
	}
	h.mu.Lock()
	h.captures = append(h.captures, target)
	n := h.countFor(target) - 1
	h.active[target]++
	if h.active[target] > 1 {
		h.overlap = true
	}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.active[target]--
		h.mu.Unlock()
	}()

	if h.captureErr != nil {
		if err := h.captureErr(target, n); err != nil {
			return nil, err
		}
	}
	return &types.Evidence{
		Target:      target,
		Screenshots: []types.Screenshot{{Name: evidence.ShotInitial, PNG: []byte("png-" + target)}},
	}, nil
}

func (h *harness) Score(ctx context.Context, ev *types.Evidence, sc types.StepContext) (types.Verdict, error) {
	if h.onScore != nil {
		h.onScore(ev.Target)
	}
	if err := ctx.Err(); err != nil {
		return types.Verdict{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.scoreErr[ev.Target]; err != nil {
		return types.Verdict{}, err
	}
	n := h.countFor(ev.Target) - 1
	script := h.scores[ev.Target]
	s := script[len(script)-1]
	if n < len(script) {
		s = script[n]
	}
	return types.Verdict{Score: s, Issues: []string{fmt.Sprintf("issue %s #%d", ev.Target, n)}}, nil
}

func (h *harness) Repair(ctx context.Context, req oracle.RepairRequest) (types.RepairResult, error) {
	h.mu.Lock()
	h.repairs = append(h.repairs, req)
	h.mu.Unlock()
	return types.RepairResult{NewArtifact: append(append([]byte(nil), req.Current...), '+')}, nil
}

func (h *harness) repairsFor(target string) []oracle.RepairRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []oracle.RepairRequest
	for _, r := range h.repairs {
		if r.Evidence != nil && r.Evidence.Target == target {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) task(t *testing.T, id string, scores ...float64) *Task {
	t.Helper()
	ref := "modules/m/components/" + id + ".html"
	require.NoError(t, h.store.Save(context.Background(), ref, []byte("<"+id+">")))
	h.scores[id] = scores
	return NewTask(id, ref, id, types.StepContext{ModuleID: "m", Component: types.ComponentInteractive})
}

func (h *harness) engine(t *testing.T, maxAttempts, workers int, extra ...func(*Deps)) *Orchestrator {
	t.Helper()
	deps := Deps{Capturer: h, Scorer: h, Repairer: h, Store: h.store, Pool: h.pool}
	for _, f := range extra {
		f(&deps)
	}
	o, err := New(deps, Options{ModuleID: "m", PassThreshold: 70, MaxAttempts: maxAttempts, Workers: workers, Logger: quiet()})
	require.NoError(t, err)
	return o
}

func TestAlwaysLowScoreExhaustsBudget(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 40)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)

	e, ok := rep.Entry("A")
	require.True(t, ok)
	assert.Equal(t, types.StatusFailedBudgetExhausted, e.Status)
	assert.Equal(t, 3, e.Attempt)
	assert.Equal(t, []float64{40, 40, 40, 40}, e.Scores)
	assert.Len(t, e.Revisions, 3)
	assert.Len(t, h.captures, 4)
	assert.Len(t, h.repairs, 3)

	got, err := h.store.Load(context.Background(), "modules/m/components/A.html")
	require.NoError(t, err)
	assert.Equal(t, "<A>+++", string(got))
	assert.Equal(t, 4, h.store.Saves("modules/m/components/A.html"))
}

func TestAttemptBoundsForAnyBudget(t *testing.T) {
	for n := 0; n <= 4; n++ {
		t.Run(fmt.Sprintf("max=%d", n), func(t *testing.T) {
			h := newHarness(t)
			o := h.engine(t, n, 1)
			require.NoError(t, o.Enqueue(h.task(t, "A", 10)))

			rep, err := o.RunToCompletion(context.Background())
			require.NoError(t, err)
			e, _ := rep.Entry("A")
			assert.Equal(t, types.StatusFailedBudgetExhausted, e.Status)
			assert.Equal(t, n, e.Attempt)
			assert.LessOrEqual(t, len(h.captures), n+1)
			assert.LessOrEqual(t, len(h.repairs), n)
		})
	}
}

func TestScoreAtThresholdPasses(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 70)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	e, _ := rep.Entry("A")
	assert.Equal(t, types.StatusPassed, e.Status)
	assert.Equal(t, 0, e.Attempt)
	assert.Empty(t, h.repairs)
}

func TestFirstCapturePasses(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 85)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	e, _ := rep.Entry("A")
	assert.Equal(t, types.StatusPassed, e.Status)
	assert.Equal(t, 0, e.Attempt)
	require.NotNil(t, e.Score)
	assert.Equal(t, 85.0, *e.Score)
	assert.Empty(t, h.repairs)
	assert.True(t, rep.AllPassed())
}

func TestRequeuedTaskGoesBehindPendingTasks(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 40, 90), h.task(t, "B", 90)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "A"}, h.captures)

	a, _ := rep.Entry("A")
	b, _ := rep.Entry("B")
	assert.Equal(t, 1, a.Attempt)
	assert.Equal(t, 0, b.Attempt)
	assert.Len(t, rep.Entries(), 2)
}

func TestTwoTasksReportAttemptCounts(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "fast", 95), h.task(t, "slow", 30, 55, 80)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)

	fast, _ := rep.Entry("fast")
	slow, _ := rep.Entry("slow")
	assert.Equal(t, types.StatusPassed, fast.Status)
	assert.Equal(t, 0, fast.Attempt)
	assert.Equal(t, types.StatusPassed, slow.Status)
	assert.Equal(t, 2, slow.Attempt)
	assert.True(t, rep.AllPassed())
}

func TestRepairSeesCurrentArtifactAndLatestIssues(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 30, 50, 90)))

	_, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)

	reqs := h.repairsFor("A")
	require.Len(t, reqs, 2)
	assert.Equal(t, "<A>", string(reqs[0].Current))
	assert.Equal(t, []string{"issue A #0"}, reqs[0].Verdict.Issues)
	assert.Empty(t, reqs[0].History)

	assert.Equal(t, "<A>+", string(reqs[1].Current))
	assert.Equal(t, []string{"issue A #1"}, reqs[1].Verdict.Issues)
	require.Len(t, reqs[1].History, 1)
	assert.Equal(t, 30.0, reqs[1].History[0].Score)
}

func TestMalformedGradeIsFatal(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "bad", 40), h.task(t, "good", 90)))
	h.scoreErr["bad"] = &oracle.MalformedResponseError{Op: "score", Reason: "no JSON object", Raw: "lol"}

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)

	bad, _ := rep.Entry("bad")
	assert.Equal(t, types.StatusFailedFatal, bad.Status)
	assert.Equal(t, 0, bad.Attempt)
	assert.Nil(t, bad.Score)
	assert.Contains(t, bad.Error, "no JSON object")
	assert.Empty(t, h.repairs)

	good, _ := rep.Entry("good")
	assert.Equal(t, types.StatusPassed, good.Status)
}

func TestBrokenRepairIsFatal(t *testing.T) {
	h := newHarness(t)
	h.captureErr = func(target string, n int) error {
		if n > 0 {
			return &evidence.RenderError{Target: target, Err: errors.New("page rendered no content")}
		}
		return nil
	}
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 20)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	e, _ := rep.Entry("A")
	assert.Equal(t, types.StatusFailedFatal, e.Status)
	assert.Equal(t, 1, e.Attempt)
	assert.Len(t, h.captures, 2)
	assert.Len(t, h.repairs, 1)
}

func TestUnavailableOracleIsFatal(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 40)))
	h.scoreErr["A"] = &oracle.UnavailableError{Op: "score", Err: errors.New("503")}

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	e, _ := rep.Entry("A")
	assert.Equal(t, types.StatusFailedFatal, e.Status)
}

func TestOracleTimeoutIsFatalNotAborted(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 40), h.task(t, "B", 90)))
	h.scoreErr["A"] = &oracle.UnavailableError{Op: "score", Err: fmt.Errorf("request timed out: %w", context.DeadlineExceeded)}

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	a, _ := rep.Entry("A")
	assert.Equal(t, types.StatusFailedFatal, a.Status)
	assert.Contains(t, a.Error, "timed out")
	b, _ := rep.Entry("B")
	assert.Equal(t, types.StatusPassed, b.Status)
	assert.Zero(t, rep.Summary().Aborted)
}

func TestRenderTimeoutIsFatalNotAborted(t *testing.T) {
	h := newHarness(t)
	capturer := evidence.New(evidence.Options{SettleDelay: 200 * time.Millisecond, RenderTimeout: 20 * time.Millisecond, Logger: quiet()})
	o := h.engine(t, 3, 1, func(d *Deps) { d.Capturer = capturer })
	require.NoError(t, o.Enqueue(h.task(t, "A", 90)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	e, _ := rep.Entry("A")
	assert.Equal(t, types.StatusFailedFatal, e.Status)
	assert.Contains(t, e.Error, "deadline exceeded")
	assert.Zero(t, e.Attempt)
	assert.Empty(t, h.repairs)
}

func TestLostSessionIsReplacedAndCaptureRetried(t *testing.T) {
	h := newHarness(t)
	factory, made := automation.FakeFactory(func(int) *automation.FakeSession { return &automation.FakeSession{} })
	pool := automation.NewPool(1, factory, quiet())
	defer pool.Close()
	h.captureErr = func(target string, n int) error {
		if n == 0 {
			return fmt.Errorf("screenshot initial: %w", automation.ErrSessionClosed)
		}
		return nil
	}
	o := h.engine(t, 3, 1, func(d *Deps) { d.Pool = pool })
	require.NoError(t, o.Enqueue(h.task(t, "A", 90)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	e, _ := rep.Entry("A")
	assert.Equal(t, types.StatusPassed, e.Status)
	assert.Zero(t, e.Attempt)
	assert.Equal(t, []string{"A", "A"}, h.captures)

	sessions := made()
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].Closed())
	assert.NotContains(t, sessions[0].Ops(), "reset")
	assert.False(t, sessions[1].Closed())
}

func TestSessionLostOnEveryTryIsFatal(t *testing.T) {
	h := newHarness(t)
	h.captureErr = func(string, int) error {
		return &automation.ToolError{Tool: "navigate", Message: "Page has been closed"}
	}
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 90), h.task(t, "B", 90)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	for _, e := range rep.Entries() {
		assert.Equal(t, types.StatusFailedFatal, e.Status, e.TaskID)
		assert.Contains(t, e.Error, "Page has been closed")
	}
	assert.Equal(t, []string{"A", "A", "B", "B"}, h.captures)
}

func TestDeadlineAbortsRemainingTasks(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onScore = func(target string) {
		if target == "A" {
			cancel()
		}
	}
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 40), h.task(t, "B", 90), h.task(t, "C", 90)))

	rep, err := o.RunToCompletion(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Entries(), 3)
	for _, e := range rep.Entries() {
		assert.Equal(t, types.StatusAborted, e.Status, e.TaskID)
		assert.NotEmpty(t, e.Error)
	}
	assert.Equal(t, []string{"A"}, h.captures)
	assert.Equal(t, 3, rep.Summary().Aborted)
}

func TestAutomationUnavailableIsRunLevel(t *testing.T) {
	h := newHarness(t)
	broken := automation.NewPool(1, func(context.Context, int) (automation.Session, error) {
		return nil, errors.New("connection refused")
	}, quiet())
	o := h.engine(t, 3, 1, func(d *Deps) { d.Pool = broken })
	require.NoError(t, o.Enqueue(h.task(t, "A", 90), h.task(t, "B", 90)))

	rep, err := o.RunToCompletion(context.Background())
	require.ErrorIs(t, err, ErrAutomationUnavailable)
	require.NotNil(t, rep)
	require.Len(t, rep.Entries(), 2)
	for _, e := range rep.Entries() {
		assert.Equal(t, types.StatusAborted, e.Status)
		assert.Contains(t, e.Error, "connection refused")
	}
}

func TestCarriedTasksAreNotCaptured(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	done := h.task(t, "done", 10)
	done.Carried = true
	require.NoError(t, o.Enqueue(done, h.task(t, "new", 90)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, h.captures)

	e, _ := rep.Entry("done")
	assert.Equal(t, types.StatusPassed, e.Status)
	assert.True(t, e.Carried)
	assert.Equal(t, 0, e.Attempt)
	assert.Equal(t, 1, rep.Summary().Carried)
}

func TestRunsAreIdempotent(t *testing.T) {
	run := func() []string {
		h := newHarness(t)
		o := h.engine(t, 3, 1)
		require.NoError(t, o.Enqueue(h.task(t, "A", 40, 60, 75), h.task(t, "B", 20), h.task(t, "C", 99)))
		rep, err := o.RunToCompletion(context.Background())
		require.NoError(t, err)
		var out []string
		for _, e := range rep.Entries() {
			out = append(out, fmt.Sprintf("%s %s %d %v", e.TaskID, e.Status, e.Attempt, e.Scores))
		}
		return out
	}
	first := run()
	assert.Equal(t, first, run())
	assert.Equal(t, []string{
		"A passed 2 [40 60 75]",
		"B failed_budget_exhausted 3 [20 20 20 20]",
		"C passed 0 [99]",
	}, first)
}

func TestParallelWorkersNeverOverlapATask(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 2, 2)
	var tasks []*Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, h.task(t, fmt.Sprintf("t%d", i), 10, 50, 90))
	}
	require.NoError(t, o.Enqueue(tasks...))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	assert.False(t, h.overlap)
	assert.Len(t, rep.Entries(), 6)
	for _, e := range rep.Entries() {
		assert.Equal(t, types.StatusPassed, e.Status)
		assert.Equal(t, 2, e.Attempt)
	}
}

func TestEvidenceIsArchivedPerAttempt(t *testing.T) {
	h := newHarness(t)
	archive := artifact.NewMemoryStore()
	o := h.engine(t, 3, 1, func(d *Deps) { d.Evidence = archive })
	require.NoError(t, o.Enqueue(h.task(t, "A", 40, 90)))

	rep, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	e, _ := rep.Entry("A")
	assert.Equal(t, []string{
		"evidence/A/attempt-0/initial.png",
		"evidence/A/attempt-1/initial.png",
	}, e.Evidence)

	png, err := archive.Load(context.Background(), "evidence/A/attempt-1/initial.png")
	require.NoError(t, err)
	assert.Equal(t, "png-A", string(png))
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)
	o := h.engine(t, 3, 1)
	require.NoError(t, o.Enqueue(h.task(t, "A", 90)))
	require.Error(t, o.Enqueue(h.task(t, "A", 90)))
	require.Error(t, o.Enqueue(&Task{}))

	_, err := o.RunToCompletion(context.Background())
	require.NoError(t, err)
	require.Error(t, o.Enqueue(h.task(t, "B", 90)))
	_, err = o.RunToCompletion(context.Background())
	require.Error(t, err)
}

func TestNewValidatesOptions(t *testing.T) {
	h := newHarness(t)
	deps := Deps{Capturer: h, Scorer: h, Repairer: h, Store: h.store, Pool: h.pool}

	_, err := New(deps, Options{PassThreshold: 101})
	require.Error(t, err)
	_, err = New(deps, Options{PassThreshold: 70, MaxAttempts: -1})
	require.Error(t, err)
	_, err = New(Deps{Capturer: h}, DefaultOptions())
	require.Error(t, err)

	o, err := New(deps, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, o.opts.Workers)
}
