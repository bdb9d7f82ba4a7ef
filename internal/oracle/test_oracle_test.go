package oracle

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qaloop/internal/llmclient"
	"qaloop/internal/types"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func sampleEvidence() *types.Evidence {
	return &types.Evidence{
		Target: "http://viewer/?step=1",
		Screenshots: []types.Screenshot{
			{Name: "initial", PNG: []byte("a")},
			{Name: "after_sliders", Trigger: "sliders", Actions: 1, PNG: []byte("b")},
		},
		Log: []types.Interaction{
			{Selector: "#s1", Kind: types.ControlSlider, Action: "set", Value: "50"},
			{Selector: "#b1", Kind: types.ControlButton, Action: "click", Error: "element disabled"},
		},
		Console: []types.ConsoleMessage{{Level: "error", Text: "Uncaught TypeError: x is undefined"}},
	}
}

func sampleContext() types.StepContext {
	return types.StepContext{
		ModuleID: "m1", QuestionIndex: 0, StepIndex: 1, Component: types.ComponentInteractive,
		Question: "What is a derivative?", Explanation: "Slope of the tangent", LearningGoal: "Estimate slope",
	}
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict("```json\n{\"score\": 72.5, \"feedback\": \" ok \", \"issues\": [\"a\", \"\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, 72.5, v.Score)
	assert.Equal(t, "ok", v.Feedback)
	assert.Equal(t, []string{"a"}, v.Issues)
	assert.NotNil(t, v.UIImprovements)
	assert.False(t, v.Passed)
}

func TestParseVerdictClampsOutOfRange(t *testing.T) {
	v, err := ParseVerdict(`{"score": 140, "issues": []}`)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v.Score)

	v, err = ParseVerdict(`{"score": -3}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.Score)
}

func TestParseVerdictRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        "The component looks great!",
		"missing score":   `{"feedback": "fine", "issues": []}`,
		"null score":      `{"score": null}`,
		"string score":    `{"score": "85"}`,
		"issues not list": `{"score": 80, "issues": "none"}`,
		"broken object":   `{"score": 80, "issues": [}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseVerdict(raw)
			var mErr *MalformedResponseError
			require.ErrorAs(t, err, &mErr)
			assert.Equal(t, "grading", mErr.Op)
		})
	}
}

func TestScorerSendsEvidenceAndContext(t *testing.T) {
	fake := llmclient.NewFakeClient("", llmclient.FakeResponse{Text: `{"score": 85, "issues": []}`})
	v, err := NewScorer(fake, quiet()).Score(context.Background(), sampleEvidence(), sampleContext())
	require.NoError(t, err)
	assert.Equal(t, 85.0, v.Score)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.True(t, req.JSON)
	require.Len(t, req.Images, 2)
	assert.Equal(t, "initial", req.Images[0].Name)
	for _, want := range []string{"What is a derivative?", "set slider #s1 = 50", "FAILED: element disabled", "Uncaught TypeError", "after_sliders"} {
		assert.Contains(t, req.Prompt, want)
	}
}

func TestScorerErrorTaxonomy(t *testing.T) {
	unavailable := llmclient.NewFakeClient("", llmclient.FakeResponse{Err: errors.New("dial tcp: connection refused")})
	_, err := NewScorer(unavailable, quiet()).Score(context.Background(), sampleEvidence(), sampleContext())
	var uErr *UnavailableError
	require.ErrorAs(t, err, &uErr)

	empty := llmclient.NewFakeClient("", llmclient.FakeResponse{Err: llmclient.ErrEmptyResponse})
	_, err = NewScorer(empty, quiet()).Score(context.Background(), sampleEvidence(), sampleContext())
	var mErr *MalformedResponseError
	require.ErrorAs(t, err, &mErr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewScorer(unavailable, quiet()).Score(ctx, sampleEvidence(), sampleContext())
	require.ErrorIs(t, err, context.Canceled)
}

const fixedHTML = "<!DOCTYPE html>\n<html><head><title>x</title></head><body><input type=\"range\" id=\"s1\"></body></html>"

func TestRepairerIncludesCurrentArtifactAndIssues(t *testing.T) {
	fake := llmclient.NewFakeClient("", llmclient.FakeResponse{Text: "Here you go:\n```html\n" + fixedHTML + "\n```\nDone."})
	current := []byte("<html><body><p>CURRENT-VERSION-7</p></body></html>")
	verdict := types.Verdict{Score: 40, Feedback: "slider does nothing", Issues: []string{"slider has no effect", "label overlaps"}}
	history := []types.Verdict{{Score: 30, Issues: []string{"blank page"}}}

	res, err := NewRepairer(fake, quiet()).Repair(context.Background(), RepairRequest{
		Current: current, Verdict: verdict, Evidence: sampleEvidence(), Context: sampleContext(), History: history,
	})
	require.NoError(t, err)
	assert.Equal(t, fixedHTML+"\n", string(res.NewArtifact))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	prompt := calls[0].Prompt
	assert.Contains(t, prompt, "CURRENT-VERSION-7")
	assert.Contains(t, prompt, "- slider has no effect")
	assert.Contains(t, prompt, "- label overlaps")
	assert.Contains(t, prompt, "attempt 0: score 30; issues: blank page")
	assert.Len(t, calls[0].Images, 2)
}

func TestExtractArtifact(t *testing.T) {
	cases := map[string]string{
		"html fence":    "```html\n" + fixedHTML + "\n```",
		"plain fence":   "```\n" + fixedHTML + "\n```",
		"raw doctype":   "  " + fixedHTML + "  ",
		"prefers html":  "```css\nbody{}\n```\n```html\n" + fixedHTML + "\n```",
		"windows fence": "```html\r\n" + fixedHTML + "\r\n```",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := ExtractArtifact(raw, types.ComponentInteractive)
			require.NoError(t, err)
			assert.Equal(t, fixedHTML+"\n", string(out))
		})
	}
}

func TestExtractArtifactSVG(t *testing.T) {
	svg := `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 10 10"><circle cx="5" cy="5" r="4"/></svg>`
	out, err := ExtractArtifact("```svg\n"+svg+"\n```", types.ComponentImage)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "<svg"))

	_, err = ExtractArtifact("```svg\n<div>no vector here</div>\n```", types.ComponentImage)
	var mErr *MalformedResponseError
	require.ErrorAs(t, err, &mErr)
}

func TestExtractArtifactRejects(t *testing.T) {
	cases := map[string]string{
		"prose only": "I fixed the slider by adding an event listener.",
		"truncated":  "```html\n<!DOCTYPE html><html><body><div>cut off",
		"empty body": "```html\n<!DOCTYPE html><html><head></head><body></body></html>\n```",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ExtractArtifact(raw, types.ComponentInteractive)
			var mErr *MalformedResponseError
			require.ErrorAs(t, err, &mErr)
			assert.Equal(t, "repair", mErr.Op)
		})
	}
}
