package manifest

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qaloop/internal/artifact"
	"qaloop/internal/types"
)

const v2Manifest = `{
  "id": "calc-101",
  "version": "2.0",
  "questions": [
    {
      "question": "Find the slope",
      "steps": [
        {"explanation": "Draw the line", "inputLabel": "Read the graph", "visualizationType": "interactive", "component": "components/q1-step-0.html"},
        {"explanation": "Text only", "component": null},
        {"explanation": "Diagram", "visualizationType": "image", "component": "components/q1-step-2.html"}
      ]
    },
    {
      "question": "Integrate",
      "steps": [
        {"explanation": "Area", "input_label": "Shade the area", "visual_type": "interactive", "component": "components/q2-step-0.html"},
        {"explanation": "Video", "visualizationType": "video", "component": "components/q2-step-1.html"}
      ]
    }
  ]
}`

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestLoadV2Entries(t *testing.T) {
	store := artifact.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "modules/calc-101/manifest.json", []byte(v2Manifest)))

	m, err := Load(context.Background(), store, "calc-101")
	require.NoError(t, err)
	assert.Equal(t, "2.0", m.Version)

	entries := m.Entries("http://localhost:8000/module-viewer.html", quiet())
	require.Len(t, entries, 3)

	e := entries[0]
	assert.Equal(t, "q1_s0", e.ID)
	assert.Equal(t, "modules/calc-101/components/q1-step-0.html", e.ArtifactRef)
	assert.Equal(t, "http://localhost:8000/module-viewer.html?module=calc-101&question=0&step=0", e.TargetURL)
	assert.Equal(t, types.StepContext{
		ModuleID: "calc-101", QuestionIndex: 0, StepIndex: 0, Component: types.ComponentInteractive,
		Question: "Find the slope", Explanation: "Draw the line", LearningGoal: "Read the graph",
	}, e.Context)

	assert.Equal(t, "q1_s2", entries[1].ID)
	assert.Equal(t, types.ComponentImage, entries[1].Context.Component)

	assert.Equal(t, "q2_s0", entries[2].ID)
	assert.Equal(t, "Shade the area", entries[2].Context.LearningGoal)
	assert.Equal(t, 1, entries[2].Context.QuestionIndex)
}

func TestLoadV1UsesConventionalPaths(t *testing.T) {
	store := artifact.NewMemoryStore()
	raw := `{"steps": [{"visual_type": "interactive"}, {"visual_type": "image"}]}`
	require.NoError(t, store.Save(context.Background(), Ref("old"), []byte(raw)))

	m, err := Load(context.Background(), store, "old")
	require.NoError(t, err)
	assert.Equal(t, "1.0", m.Version)
	assert.Equal(t, "old", m.ID)

	entries := m.Entries("http://viewer/?theme=dark", quiet())
	require.Len(t, entries, 2)
	assert.Equal(t, "modules/old/components/step-1.html", entries[1].ArtifactRef)
	assert.Equal(t, "http://viewer/?theme=dark&module=old&step=1", entries[1].TargetURL)
	assert.NotContains(t, entries[0].TargetURL, "question=")
	assert.Equal(t, "q1_s1", entries[1].ID)
	assert.Equal(t, 0, entries[1].Context.QuestionIndex)
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(context.Background(), artifact.NewMemoryStore(), "nope")
	require.ErrorIs(t, err, artifact.ErrNotFound)

	_, err = Load(context.Background(), artifact.NewMemoryStore(), " ")
	require.Error(t, err)
}
