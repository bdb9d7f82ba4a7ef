package report

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"qaloop/internal/artifact"
	"qaloop/internal/types"
	"qaloop/internal/util/jsonutil"
)

// ResultsRef is where a module's results file lives inside the report store.
func ResultsRef(moduleID string) string {
	return path.Join(moduleID+"_queue", "evaluation_results.json")
}

// Component is the per-task record of the results file. Resume reads only
// question_index and step_index.
type Component struct {
	TaskID        string           `json:"task_id"`
	QuestionIndex int              `json:"question_index"`
	StepIndex     int              `json:"step_index"`
	Status        types.TaskStatus `json:"status"`
	Score         *float64         `json:"score,omitempty"`
	Attempt       int              `json:"attempt"`
	Issues        []string         `json:"issues,omitempty"`
	Error         string           `json:"error,omitempty"`
}

type resultsFile struct {
	ModuleID         string      `json:"module_id"`
	Timestamp        string      `json:"timestamp"`
	DurationSeconds  float64     `json:"duration_seconds"`
	TotalComponents  int         `json:"total_components"`
	Evaluated        int         `json:"evaluated"`
	Passed           int         `json:"passed"`
	Failed           int         `json:"failed"`
	Aborted          int         `json:"aborted"`
	AllPassed        bool        `json:"all_passed"`
	Summary          Summary     `json:"summary"`
	PassedComponents []Component `json:"passed_components"`
	FailedComponents []Component `json:"failed_components"`
	Entries          []Entry     `json:"entries"`
}

// MarshalResults renders the report as the results file.
func MarshalResults(r *Report) ([]byte, error) {
	s := r.Summary()
	finished := r.Finished
	if finished.IsZero() {
		finished = time.Now()
	}
	out := resultsFile{
		ModuleID:         r.ModuleID,
		Timestamp:        finished.UTC().Format(time.RFC3339),
		DurationSeconds:  finished.Sub(r.Started).Seconds(),
		TotalComponents:  s.Total,
		Evaluated:        s.Total - s.Carried - s.Aborted - s.Missing,
		Passed:           s.Passed,
		Failed:           s.BudgetFailed + s.FatalFailed,
		Aborted:          s.Aborted,
		AllPassed:        s.AllPassed(),
		Summary:          s,
		PassedComponents: []Component{},
		FailedComponents: []Component{},
		Entries:          r.Entries(),
	}
	for _, e := range out.Entries {
		c := Component{
			TaskID:        e.TaskID,
			QuestionIndex: e.QuestionIndex,
			StepIndex:     e.StepIndex,
			Status:        e.Status,
			Score:         e.Score,
			Attempt:       e.Attempt,
			Issues:        e.Issues,
			Error:         e.Error,
		}
		switch e.Status {
		case types.StatusPassed:
			out.PassedComponents = append(out.PassedComponents, c)
		case types.StatusFailedBudgetExhausted, types.StatusFailedFatal:
			out.FailedComponents = append(out.FailedComponents, c)
		}
	}
	return jsonutil.MarshalNoEscapeIndent(out)
}

// Coord addresses one step of a module.
type Coord struct {
	Question int
	Step     int
}

// LoadPassed reads the steps that passed in a previous results file. A
// missing file yields no steps.
func LoadPassed(ctx context.Context, store artifact.Store, moduleID string) ([]Coord, error) {
	raw, err := store.Load(ctx, ResultsRef(moduleID))
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var prev struct {
		PassedComponents []struct {
			QuestionIndex int `json:"question_index"`
			StepIndex     int `json:"step_index"`
		} `json:"passed_components"`
	}
	if err := jsonutil.UnmarshalFlex(raw, &prev); err != nil {
		return nil, fmt.Errorf("parse previous results %s: %w", moduleID, err)
	}
	out := make([]Coord, 0, len(prev.PassedComponents))
	for _, c := range prev.PassedComponents {
		out = append(out, Coord{Question: c.QuestionIndex, Step: c.StepIndex})
	}
	return out, nil
}
