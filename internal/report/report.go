// Package report aggregates per-task outcomes of a validation run.
//
// A Report makes no decisions: the engine records one final Entry per task
// and the report renders and persists them.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"qaloop/internal/types"
)

// Entry is the final state of one task. Score is the last verdict's score,
// nil when no verdict was reached.
type Entry struct {
	TaskID        string           `json:"task_id"`
	ArtifactRef   string           `json:"artifact_ref"`
	QuestionIndex int              `json:"question_index"`
	StepIndex     int              `json:"step_index"`
	Status        types.TaskStatus `json:"status"`
	Score         *float64         `json:"score,omitempty"`
	Attempt       int              `json:"attempt"`
	MaxAttempts   int              `json:"max_attempts"`
	Carried       bool             `json:"carried,omitempty"`
	Error         string           `json:"error,omitempty"`
	Issues        []string         `json:"issues,omitempty"`
	Scores        []float64        `json:"score_history,omitempty"`
	Revisions     []string         `json:"revisions,omitempty"`
	Evidence      []string         `json:"evidence,omitempty"`
}

// Summary counts entries by outcome.
type Summary struct {
	Total        int      `json:"total"`
	Passed       int      `json:"passed"`
	Carried      int      `json:"carried"`
	BudgetFailed int      `json:"failed_budget_exhausted"`
	FatalFailed  int      `json:"failed_fatal"`
	Aborted      int      `json:"aborted"`
	Repairs      int      `json:"repairs"`
	Missing      int      `json:"missing"`
	Unrecorded   []string `json:"-"`
}

// Report is safe for concurrent use.
type Report struct {
	ModuleID string
	Started  time.Time
	Finished time.Time

	mu       sync.Mutex
	order    []string
	expected map[string]bool
	entries  map[string]Entry
}

func New(moduleID string) *Report {
	return &Report{ModuleID: moduleID, Started: time.Now(), expected: map[string]bool{}, entries: map[string]Entry{}}
}

// Expect registers task ids in enqueue order. Entries render in this order.
func (r *Report) Expect(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.expectLocked(id)
	}
}

func (r *Report) expectLocked(id string) {
	if r.expected[id] {
		return
	}
	r.expected[id] = true
	r.order = append(r.order, id)
}

// Record stores the final entry of a task. A task can be recorded once and
// only with a final status.
func (r *Report) Record(e Entry) error {
	if !e.Status.Final() {
		return fmt.Errorf("report: task %s recorded with non-final status %q", e.TaskID, e.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[e.TaskID]; dup {
		return fmt.Errorf("report: task %s recorded twice", e.TaskID)
	}
	r.expectLocked(e.TaskID)
	e.Issues = append([]string(nil), e.Issues...)
	e.Scores = append([]float64(nil), e.Scores...)
	e.Revisions = append([]string(nil), e.Revisions...)
	e.Evidence = append([]string(nil), e.Evidence...)
	r.entries[e.TaskID] = e
	return nil
}

// Entry returns the recorded entry for a task id.
func (r *Report) Entry(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Entries lists recorded entries in expected order.
func (r *Report) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, id := range r.order {
		if e, ok := r.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *Report) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{Total: len(r.order)}
	for _, id := range r.order {
		e, ok := r.entries[id]
		if !ok {
			s.Missing++
			s.Unrecorded = append(s.Unrecorded, id)
			continue
		}
		s.Repairs += e.Attempt
		switch e.Status {
		case types.StatusPassed:
			s.Passed++
			if e.Carried {
				s.Carried++
			}
		case types.StatusFailedBudgetExhausted:
			s.BudgetFailed++
		case types.StatusFailedFatal:
			s.FatalFailed++
		case types.StatusAborted:
			s.Aborted++
		}
	}
	return s
}

// AllPassed is true when every expected task passed.
func (s Summary) AllPassed() bool {
	return s.Total > 0 && s.Passed == s.Total
}

func (r *Report) AllPassed() bool { return r.Summary().AllPassed() }

// Render writes a fixed-width table followed by a one-line summary.
func (r *Report) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tSCORE\tATTEMPT\tDETAIL")
	for _, e := range r.Entries() {
		score := "-"
		if e.Score != nil {
			score = fmt.Sprintf("%.0f", *e.Score)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", e.TaskID, e.Status, score, e.Attempt, e.MaxAttempts, detail(e))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	s := r.Summary()
	_, err := fmt.Fprintf(w, "%s: %d/%d passed (%d carried), %d budget exhausted, %d fatal, %d aborted, %d repairs\n",
		r.ModuleID, s.Passed, s.Total, s.Carried, s.BudgetFailed, s.FatalFailed, s.Aborted, s.Repairs)
	if err == nil && s.Missing > 0 {
		sort.Strings(s.Unrecorded)
		_, err = fmt.Fprintf(w, "unrecorded tasks: %s\n", strings.Join(s.Unrecorded, ", "))
	}
	return err
}

func detail(e Entry) string {
	switch {
	case e.Carried:
		return "passed in a previous run"
	case e.Error != "":
		return truncate(e.Error, 80)
	case e.Status != types.StatusPassed && len(e.Issues) > 0:
		return truncate(e.Issues[0], 80)
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
