package types

// Verdict is the grading oracle's structured judgment of one attempt.
type Verdict struct {
	Score               float64  `json:"score"`
	Passed              bool     `json:"passed"`
	Feedback            string   `json:"feedback,omitempty"`
	Issues              []string `json:"issues"`
	UnnecessaryElements []string `json:"unnecessary_elements,omitempty"`
	UIImprovements      []string `json:"ui_improvements,omitempty"`
}

// Judge stamps Passed from the score alone. The threshold is inclusive.
func (v Verdict) Judge(threshold float64) Verdict {
	v.Passed = v.Score >= threshold
	return v
}

// RepairResult carries full replacement content for an artifact.
type RepairResult struct {
	NewArtifact []byte `json:"-"`
}
