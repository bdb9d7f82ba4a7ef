package types

// TaskStatus is the lifecycle state of a validation task.
type TaskStatus string

const (
	StatusPending               TaskStatus = "pending"
	StatusInEvidence            TaskStatus = "in_evidence"
	StatusInScoring             TaskStatus = "in_scoring"
	StatusInRepair              TaskStatus = "in_repair"
	StatusPassed                TaskStatus = "passed"
	StatusFailedBudgetExhausted TaskStatus = "failed_budget_exhausted"
	StatusFailedFatal           TaskStatus = "failed_fatal"

	// StatusAborted marks tasks cut short by the run deadline. It is final for
	// the run but not a terminal outcome of the task itself.
	StatusAborted TaskStatus = "aborted"
)

// Terminal reports whether no further transition can occur.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailedBudgetExhausted, StatusFailedFatal:
		return true
	}
	return false
}

// Final reports whether the status may appear in a finished run report.
func (s TaskStatus) Final() bool {
	return s.Terminal() || s == StatusAborted
}

// ComponentType is the kind of artifact a step renders.
type ComponentType string

const (
	ComponentInteractive ComponentType = "interactive"
	ComponentImage       ComponentType = "image"
)

// StepContext is the educational context a step's artifact should teach.
type StepContext struct {
	ModuleID      string        `json:"module_id"`
	QuestionIndex int           `json:"question_index"`
	StepIndex     int           `json:"step_index"`
	Component     ComponentType `json:"component_type"`
	Question      string        `json:"question,omitempty"`
	Explanation   string        `json:"explanation,omitempty"`
	LearningGoal  string        `json:"learning_goal,omitempty"`
}
