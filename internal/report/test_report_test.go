package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qaloop/internal/artifact"
	"qaloop/internal/types"
)

func score(v float64) *float64 { return &v }

func sample() *Report {
	r := New("calc-101")
	r.Expect("q1_s0", "q1_s1", "q2_s0", "q2_s1")
	_ = r.Record(Entry{TaskID: "q2_s0", QuestionIndex: 1, Status: types.StatusFailedFatal, Attempt: 1, MaxAttempts: 3, Error: "render q2_s0: page rendered no content"})
	_ = r.Record(Entry{TaskID: "q1_s0", Status: types.StatusPassed, Score: score(85), MaxAttempts: 3})
	_ = r.Record(Entry{TaskID: "q1_s1", StepIndex: 1, Status: types.StatusFailedBudgetExhausted, Score: score(40), Attempt: 3, MaxAttempts: 3, Issues: []string{"slider does nothing"}})
	_ = r.Record(Entry{TaskID: "q2_s1", QuestionIndex: 1, StepIndex: 1, Status: types.StatusAborted, MaxAttempts: 3})
	return r
}

func TestRecordRejectsDuplicatesAndNonFinal(t *testing.T) {
	r := New("m")
	require.NoError(t, r.Record(Entry{TaskID: "a", Status: types.StatusPassed}))
	require.Error(t, r.Record(Entry{TaskID: "a", Status: types.StatusFailedFatal}))
	require.Error(t, r.Record(Entry{TaskID: "b", Status: types.StatusInRepair}))

	e, ok := r.Entry("a")
	require.True(t, ok)
	assert.Equal(t, types.StatusPassed, e.Status)
}

func TestEntriesFollowExpectedOrder(t *testing.T) {
	r := sample()
	var ids []string
	for _, e := range r.Entries() {
		ids = append(ids, e.TaskID)
	}
	assert.Equal(t, []string{"q1_s0", "q1_s1", "q2_s0", "q2_s1"}, ids)
}

func TestExpectIgnoresRepeatsAndRecordAddsUnexpected(t *testing.T) {
	r := New("m")
	ids := make([]string, 0, 2000)
	for i := 0; i < 2000; i++ {
		ids = append(ids, fmt.Sprintf("q%d_s0", i+1))
	}
	r.Expect(ids...)
	r.Expect(ids...)
	r.Expect("q1_s0")
	require.NoError(t, r.Record(Entry{TaskID: "q1_s0", Status: types.StatusPassed}))
	require.NoError(t, r.Record(Entry{TaskID: "extra", Status: types.StatusPassed}))

	s := r.Summary()
	assert.Equal(t, 2001, s.Total)
	assert.Equal(t, 2, s.Passed)
	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "q1_s0", entries[0].TaskID)
	assert.Equal(t, "extra", entries[1].TaskID)
}

func TestSummaryDistinguishesOutcomes(t *testing.T) {
	s := sample().Summary()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 1, s.BudgetFailed)
	assert.Equal(t, 1, s.FatalFailed)
	assert.Equal(t, 1, s.Aborted)
	assert.Equal(t, 4, s.Repairs)
	assert.False(t, s.AllPassed())
}

func TestSummaryReportsUnrecordedTasks(t *testing.T) {
	r := New("m")
	r.Expect("a", "b")
	require.NoError(t, r.Record(Entry{TaskID: "a", Status: types.StatusPassed}))

	s := r.Summary()
	assert.Equal(t, 1, s.Missing)
	assert.Equal(t, []string{"b"}, s.Unrecorded)
	assert.False(t, r.AllPassed())

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf))
	assert.Contains(t, buf.String(), "unrecorded tasks: b")
}

func TestRecordIsSafeForConcurrentWriters(t *testing.T) {
	r := New("m")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Record(Entry{TaskID: "t" + strings.Repeat("x", i), Status: types.StatusPassed})
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Entries(), 50)
	assert.True(t, r.AllPassed())
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sample().Render(&buf))
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "TASK"))
	assert.Contains(t, lines[1], "q1_s0")
	assert.Contains(t, lines[1], "passed")
	assert.Contains(t, lines[1], "85")
	assert.Contains(t, lines[2], "3/3")
	assert.Contains(t, lines[2], "slider does nothing")
	assert.Contains(t, lines[3], "page rendered no content")
	assert.Contains(t, lines[4], "aborted")
	assert.Equal(t, "calc-101: 1/4 passed (0 carried), 1 budget exhausted, 1 fatal, 1 aborted, 4 repairs", lines[5])
}

func TestMarshalResultsAndLoadPassed(t *testing.T) {
	r := sample()
	require.NoError(t, r.Record(Entry{TaskID: "q3_s2", QuestionIndex: 2, StepIndex: 2, Status: types.StatusPassed, Carried: true}))

	raw, err := MarshalResults(r)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "calc-101", doc["module_id"])
	assert.EqualValues(t, 5, doc["total_components"])
	assert.EqualValues(t, 3, doc["evaluated"])
	assert.EqualValues(t, 2, doc["passed"])
	assert.EqualValues(t, 2, doc["failed"])
	assert.Equal(t, false, doc["all_passed"])
	assert.Len(t, doc["passed_components"], 2)
	assert.Len(t, doc["failed_components"], 2)
	assert.Len(t, doc["entries"], 5)

	store := artifact.NewMemoryStore()
	require.NoError(t, StoreSink{Store: store}.Publish(context.Background(), r))

	passed, err := LoadPassed(context.Background(), store, "calc-101")
	require.NoError(t, err)
	assert.Equal(t, []Coord{{Question: 0, Step: 0}, {Question: 2, Step: 2}}, passed)
}

func TestLoadPassedMissingFile(t *testing.T) {
	passed, err := LoadPassed(context.Background(), artifact.NewMemoryStore(), "nope")
	require.NoError(t, err)
	assert.Empty(t, passed)
}

type sinkFunc func(ctx context.Context, r *Report) error

func (f sinkFunc) Publish(ctx context.Context, r *Report) error { return f(ctx, r) }

func TestPublishAll(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	ok := sinkFunc(func(context.Context, *Report) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, PublishAll(context.Background(), sample(), ok, nil, ok))
	assert.Equal(t, 2, calls)

	boom := errors.New("disk full")
	err := PublishAll(context.Background(), sample(), ok, sinkFunc(func(context.Context, *Report) error { return boom }))
	require.ErrorIs(t, err, boom)
}
