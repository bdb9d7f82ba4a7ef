package engine

import (
	"qaloop/internal/report"
	"qaloop/internal/types"
)

// Task is one artifact moving through capture, scoring and repair. The
// engine owns a task from Enqueue until it reaches a final status.
type Task struct {
	ID          string
	ArtifactRef string
	TargetURL   string
	Context     types.StepContext

	Attempt     int
	MaxAttempts int
	Status      types.TaskStatus
	History     []types.Verdict
	// Revisions holds the digest of every artifact written by repair.
	Revisions []string
	// Evidence holds store refs of archived screenshots.
	Evidence  []string
	LastError string
	// Carried tasks passed in an earlier run and are reported without
	// being captured again.
	Carried bool
}

func NewTask(id, ref, target string, sc types.StepContext) *Task {
	return &Task{ID: id, ArtifactRef: ref, TargetURL: target, Context: sc, Status: types.StatusPending}
}

// Last returns the most recent verdict.
func (t *Task) Last() (types.Verdict, bool) {
	if len(t.History) == 0 {
		return types.Verdict{}, false
	}
	return t.History[len(t.History)-1], true
}

func (t *Task) entry() report.Entry {
	e := report.Entry{
		TaskID:        t.ID,
		ArtifactRef:   t.ArtifactRef,
		QuestionIndex: t.Context.QuestionIndex,
		StepIndex:     t.Context.StepIndex,
		Status:        t.Status,
		Attempt:       t.Attempt,
		MaxAttempts:   t.MaxAttempts,
		Carried:       t.Carried,
		Error:         t.LastError,
		Revisions:     t.Revisions,
		Evidence:      t.Evidence,
	}
	for _, v := range t.History {
		e.Scores = append(e.Scores, v.Score)
	}
	if v, ok := t.Last(); ok {
		score := v.Score
		e.Score = &score
		e.Issues = v.Issues
	}
	return e
}

// Queue is a FIFO of pending tasks. Requeued tasks go to the back.
type Queue struct {
	items []*Task
}

func (q *Queue) Push(tasks ...*Task) {
	q.items = append(q.items, tasks...)
}

func (q *Queue) Pop() (*Task, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

func (q *Queue) Len() int { return len(q.items) }
