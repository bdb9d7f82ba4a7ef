package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"qaloop/internal/llmclient"
	"qaloop/internal/types"
	"qaloop/internal/util/jsonutil"
)

// Scorer grades evidence with a multimodal model.
type Scorer struct {
	llm llmclient.Client
	log *log.Logger
}

func NewScorer(llm llmclient.Client, logger *log.Logger) *Scorer {
	if logger == nil {
		logger = log.Default()
	}
	return &Scorer{llm: llm, log: logger}
}

// Score returns the parsed verdict. Passed is left for the caller to stamp
// against its run-wide threshold.
func (s *Scorer) Score(ctx context.Context, ev *types.Evidence, sc types.StepContext) (types.Verdict, error) {
	if ev == nil {
		return types.Verdict{}, fmt.Errorf("score: nil evidence")
	}
	req := llmclient.Request{Prompt: gradingPrompt(ev, sc), Images: images(ev), JSON: true}
	raw, err := s.llm.Generate(llmclient.WithPurpose(ctx, "score"), req)
	if err != nil {
		return types.Verdict{}, classify(ctx, "grading", err)
	}
	v, err := ParseVerdict(raw)
	if err != nil {
		return types.Verdict{}, err
	}
	return v, nil
}

type wireVerdict struct {
	Score               json.RawMessage `json:"score"`
	Feedback            string          `json:"feedback"`
	Issues              []string        `json:"issues"`
	UnnecessaryElements []string        `json:"unnecessary_elements"`
	UIImprovements      []string        `json:"ui_improvements"`
}

// ParseVerdict validates a grading response. The score must be a JSON number;
// values outside 0..100 are clamped. Missing lists become empty.
func ParseVerdict(raw string) (types.Verdict, error) {
	obj, err := jsonutil.ExtractObject(raw)
	if err != nil {
		return types.Verdict{}, malformed("grading", err.Error(), raw)
	}
	var w wireVerdict
	if err := jsonutil.UnmarshalFlex(obj, &w); err != nil {
		return types.Verdict{}, malformed("grading", err.Error(), raw)
	}
	if len(w.Score) == 0 || string(w.Score) == "null" {
		return types.Verdict{}, malformed("grading", "missing score", raw)
	}
	var score float64
	if err := json.Unmarshal(w.Score, &score); err != nil {
		return types.Verdict{}, malformed("grading", "score is not a number: "+string(w.Score), raw)
	}
	switch {
	case score < 0:
		score = 0
	case score > 100:
		score = 100
	}
	return types.Verdict{
		Score:               score,
		Feedback:            strings.TrimSpace(w.Feedback),
		Issues:              nonEmpty(w.Issues),
		UnnecessaryElements: nonEmpty(w.UnnecessaryElements),
		UIImprovements:      nonEmpty(w.UIImprovements),
	}, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func images(ev *types.Evidence) []llmclient.Image {
	out := make([]llmclient.Image, 0, len(ev.Screenshots))
	for _, s := range ev.Screenshots {
		if len(s.PNG) == 0 {
			continue
		}
		out = append(out, llmclient.Image{Name: s.Name, MIMEType: "image/png", Data: s.PNG})
	}
	return out
}
