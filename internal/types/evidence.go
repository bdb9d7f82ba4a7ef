package types

// ControlKind classifies an interactive control found in a rendered artifact.
type ControlKind string

const (
	ControlSlider      ControlKind = "slider"
	ControlTextInput   ControlKind = "text-input"
	ControlNumberInput ControlKind = "number-input"
	ControlButton      ControlKind = "button"
)

// Control is a discovered interactive element with a selector that stays
// stable across reloads of the same artifact.
type Control struct {
	Selector string      `json:"selector"`
	Kind     ControlKind `json:"kind"`
	Label    string      `json:"label,omitempty"`
	Min      float64     `json:"min,omitempty"`
	Max      float64     `json:"max,omitempty"`
}

// Interaction is one executed action in the order it was performed.
// Error is set when the control could not be exercised; capture continues.
type Interaction struct {
	Selector string      `json:"selector"`
	Kind     ControlKind `json:"kind"`
	Action   string      `json:"action"`
	Value    string      `json:"value,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Screenshot is a named PNG image. Trigger names the interaction group that
// produced it ("" for the initial state) and Actions counts the interactions
// performed in that group.
type Screenshot struct {
	Name    string `json:"name"`
	Trigger string `json:"trigger,omitempty"`
	Actions int    `json:"actions"`
	PNG     []byte `json:"-"`
}

type ConsoleMessage struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Evidence is produced once per attempt and never mutated afterwards.
type Evidence struct {
	Target      string           `json:"target"`
	Screenshots []Screenshot     `json:"screenshots"`
	Log         []Interaction    `json:"interaction_log"`
	Controls    []Control        `json:"controls_discovered"`
	Console     []ConsoleMessage `json:"console,omitempty"`
}

// Screenshot returns the screenshot with the given name.
func (e *Evidence) Screenshot(name string) (Screenshot, bool) {
	if e == nil {
		return Screenshot{}, false
	}
	for _, s := range e.Screenshots {
		if s.Name == name {
			return s, true
		}
	}
	return Screenshot{}, false
}

// Failed returns the interactions that could not be performed.
func (e *Evidence) Failed() []Interaction {
	if e == nil {
		return nil
	}
	var out []Interaction
	for _, it := range e.Log {
		if it.Error != "" {
			out = append(out, it)
		}
	}
	return out
}
