// Package manifest turns a module manifest into the list of artifacts to
// validate.
package manifest

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path"
	"strconv"
	"strings"

	"qaloop/internal/artifact"
	"qaloop/internal/types"
	"qaloop/internal/util/jsonutil"
)

// Manifest is a module description. Version "2.0" modules group steps under
// questions; older modules list steps at the top level.
type Manifest struct {
	ID        string     `json:"id"`
	Version   string     `json:"version"`
	Questions []Question `json:"questions,omitempty"`
	Steps     []Step     `json:"steps,omitempty"`
}

type Question struct {
	Question string `json:"question"`
	Steps    []Step `json:"steps"`
}

type Step struct {
	Explanation       string `json:"explanation,omitempty"`
	InputLabel        string `json:"inputLabel,omitempty"`
	InputLabelLegacy  string `json:"input_label,omitempty"`
	VisualizationType string `json:"visualizationType,omitempty"`
	VisualType        string `json:"visual_type,omitempty"`
	Component         string `json:"component,omitempty"`
}

func (s Step) kind() types.ComponentType {
	k := strings.ToLower(strings.TrimSpace(firstNonEmpty(s.VisualizationType, s.VisualType)))
	if k == "" {
		return types.ComponentInteractive
	}
	return types.ComponentType(k)
}

func (s Step) component() string {
	c := strings.TrimSpace(s.Component)
	if c == "None" || c == "null" {
		return ""
	}
	return c
}

// Ref is the artifact reference of a module's manifest.
func Ref(moduleID string) string {
	return path.Join("modules", moduleID, "manifest.json")
}

// Load reads and parses the manifest of moduleID from store.
func Load(ctx context.Context, store artifact.Store, moduleID string) (*Manifest, error) {
	moduleID = strings.TrimSpace(moduleID)
	if moduleID == "" {
		return nil, fmt.Errorf("module id is required")
	}
	raw, err := store.Load(ctx, Ref(moduleID))
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", moduleID, err)
	}
	var m Manifest
	if err := jsonutil.UnmarshalFlex(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", moduleID, err)
	}
	if m.ID == "" {
		m.ID = moduleID
	}
	if m.Version == "" {
		m.Version = "1.0"
	}
	return &m, nil
}

// Entry is one artifact to validate.
type Entry struct {
	ID          string
	ArtifactRef string
	TargetURL   string
	Context     types.StepContext
}

// TaskID names a step the way reports and resume files do: q<question+1>_s<step>.
func TaskID(question, step int) string {
	return "q" + strconv.Itoa(question+1) + "_s" + strconv.Itoa(step)
}

// TargetURL is where the viewer renders one step. A negative question
// leaves the parameter out, which is how the viewer addresses v1 modules.
func TargetURL(viewer, moduleID string, question, step int) string {
	q := url.Values{}
	q.Set("module", moduleID)
	if question >= 0 {
		q.Set("question", strconv.Itoa(question))
	}
	q.Set("step", strconv.Itoa(step))
	sep := "?"
	if strings.Contains(viewer, "?") {
		sep = "&"
	}
	return viewer + sep + q.Encode()
}

// Entries lists every step with an interactive or image component, in
// question then step order. Steps without a component are skipped.
func (m *Manifest) Entries(viewer string, logger *log.Logger) []Entry {
	if logger == nil {
		logger = log.Default()
	}
	var out []Entry
	urlQuestion := func(qi int) int {
		if len(m.Questions) == 0 {
			return -1
		}
		return qi
	}
	add := func(qi, si int, question string, st Step, ref string) {
		kind := st.kind()
		if kind != types.ComponentInteractive && kind != types.ComponentImage {
			logger.Printf("manifest: skip %s: visualization %q is not validated", TaskID(qi, si), kind)
			return
		}
		out = append(out, Entry{
			ID:          TaskID(qi, si),
			ArtifactRef: ref,
			TargetURL:   TargetURL(viewer, m.ID, urlQuestion(qi), si),
			Context: types.StepContext{
				ModuleID:      m.ID,
				QuestionIndex: qi,
				StepIndex:     si,
				Component:     kind,
				Question:      question,
				Explanation:   st.Explanation,
				LearningGoal:  firstNonEmpty(st.InputLabel, st.InputLabelLegacy),
			},
		})
	}

	if len(m.Questions) > 0 {
		for qi, q := range m.Questions {
			for si, st := range q.Steps {
				c := st.component()
				if c == "" {
					logger.Printf("manifest: skip %s: no component", TaskID(qi, si))
					continue
				}
				add(qi, si, q.Question, st, path.Join("modules", m.ID, c))
			}
		}
		return out
	}
	for si, st := range m.Steps {
		ref := path.Join("modules", m.ID, "components", "step-"+strconv.Itoa(si)+".html")
		if c := st.component(); c != "" {
			ref = path.Join("modules", m.ID, c)
		}
		add(0, si, "", st, ref)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
