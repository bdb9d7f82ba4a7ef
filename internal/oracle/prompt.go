package oracle

import (
	"bytes"
	"fmt"
	"strings"

	"qaloop/internal/types"
)

const maxExplanation = 300

func gradingPrompt(ev *types.Evidence, sc types.StepContext) string {
	var buf bytes.Buffer
	if sc.Component == types.ComponentImage {
		writeSection(&buf, "PURPOSE", "Grade an educational SVG diagram for one homework step. The attached screenshot shows it as rendered.")
	} else {
		writeSection(&buf, "PURPOSE", "Grade an interactive educational component for one homework step. "+
			"The attached screenshots show it before any interaction and after each group of interactions, in the order listed under SCREENSHOTS.")
	}
	writeSection(&buf, "EDUCATIONAL_CONTEXT", formatContext(sc, true))
	writeSection(&buf, "SCREENSHOTS", formatScreenshots(ev))
	writeSection(&buf, "INTERACTIONS", formatInteractions(ev.Log))
	writeSection(&buf, "CONSOLE", formatConsole(ev.Console))
	if sc.Component == types.ComponentImage {
		writeSection(&buf, "RUBRIC", formatList([]string{
			"Clarity and readability (40 pts)",
			"Educational value (30 pts)",
			"Visual quality (30 pts)",
		}))
	} else {
		writeSection(&buf, "RUBRIC", formatList([]string{
			"Does it work? (30 pts): controls respond, visible changes after interaction, nothing broken",
			"Is it usable? (30 pts): sensible layout, clear what to do, feedback on interaction",
			"Does it look reasonable? (20 pts): readable colours and text, organised layout",
			"Does it teach the concept? (20 pts): interaction supports understanding",
			"0-60 broken, 61-74 works with poor UX, 75+ good",
			"The step may intentionally omit details that later steps introduce",
		}))
	}
	writeSection(&buf, "OUTPUT_FORMAT", `Respond with a single JSON object and nothing else:
{
  "score": <number 0-100>,
  "feedback": "<brief assessment>",
  "issues": ["<major issue>", ...],
  "unnecessary_elements": ["<element that should be removed>", ...],
  "ui_improvements": ["<concrete improvement>", ...]
}`)
	return strings.TrimSpace(buf.String()) + "\n"
}

func repairPrompt(req RepairRequest) string {
	v := req.Verdict
	var buf bytes.Buffer
	if req.Context.Component == types.ComponentImage {
		writeSection(&buf, "PURPOSE", fmt.Sprintf("Regenerate the SVG diagram for step %d so that every issue below is fixed.", req.Context.StepIndex+1))
	} else {
		writeSection(&buf, "PURPOSE", fmt.Sprintf("Fix the interactive homework component for step %d. Fix only the issues listed; do not rewrite it from scratch.", req.Context.StepIndex+1))
	}
	writeSection(&buf, "EDUCATIONAL_CONTEXT", formatContext(req.Context, false))
	writeSection(&buf, "ASSESSMENT", fmt.Sprintf("Score %.0f/100. %s", v.Score, v.Feedback))
	writeSection(&buf, "ISSUES", formatListOr(v.Issues, "None"))
	writeSection(&buf, "REMOVE_IF_PRESENT", formatList(v.UnnecessaryElements))
	writeSection(&buf, "UI_IMPROVEMENTS", formatList(v.UIImprovements))
	writeSection(&buf, "FAILED_INTERACTIONS", formatInteractions(req.Evidence.Failed()))
	writeSection(&buf, "CONSOLE", formatConsole(req.Evidence.Console))
	writeSection(&buf, "PREVIOUS_ATTEMPTS", formatHistory(req.History))
	if req.Context.Component == types.ComponentImage {
		writeSection(&buf, "RULES", formatList([]string{
			"Labels must be visible and correct",
			"Use readable, restrained colours",
			"Return one complete <svg> document",
		}))
	} else {
		writeSection(&buf, "RULES", formatList([]string{
			"Preserve working interactive elements (sliders, buttons, inputs) and their JavaScript",
			"Keep the component self-contained with inline CSS and JS and no external dependencies",
			"Give instant visual feedback on every interaction",
			"No placeholder or TODO text",
			"Return the COMPLETE document, starting with <!DOCTYPE html>",
		}))
	}
	writeSection(&buf, "SCREENSHOTS", formatScreenshots(req.Evidence))

	lang := "html"
	if req.Context.Component == types.ComponentImage {
		lang = "svg"
	}
	writeSection(&buf, "CURRENT_ARTIFACT", "```"+lang+"\n"+string(req.Current)+"\n```")
	writeSection(&buf, "OUTPUT_FORMAT", "Return only the fixed "+strings.ToUpper(lang)+" in a single ```"+lang+" code block, with no explanation.")
	return strings.TrimSpace(buf.String()) + "\n"
}

func formatContext(sc types.StepContext, truncate bool) string {
	var lines []string
	if sc.Question != "" {
		lines = append(lines, "Question: "+sc.Question)
	}
	if e := sc.Explanation; e != "" {
		if truncate && len(e) > maxExplanation {
			e = e[:maxExplanation]
		}
		lines = append(lines, "Step purpose: "+e)
	}
	if sc.LearningGoal != "" {
		lines = append(lines, "Learning goal: "+sc.LearningGoal)
	}
	return strings.Join(lines, "\n")
}

func formatScreenshots(ev *types.Evidence) string {
	if ev == nil {
		return ""
	}
	items := make([]string, 0, len(ev.Screenshots))
	for i, s := range ev.Screenshots {
		if s.Trigger == "" {
			items = append(items, fmt.Sprintf("image %d: %s", i+1, s.Name))
			continue
		}
		items = append(items, fmt.Sprintf("image %d: %s (after %d %s interaction(s))", i+1, s.Name, s.Actions, s.Trigger))
	}
	return formatList(items)
}

func formatInteractions(log []types.Interaction) string {
	items := make([]string, 0, len(log))
	for _, it := range log {
		s := fmt.Sprintf("%s %s %s", it.Action, it.Kind, it.Selector)
		if it.Value != "" {
			s += " = " + it.Value
		}
		if it.Error != "" {
			s += " (FAILED: " + it.Error + ")"
		}
		items = append(items, s)
	}
	return formatList(items)
}

func formatConsole(msgs []types.ConsoleMessage) string {
	items := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Level == "error" || m.Level == "warning" {
			items = append(items, m.Level+": "+m.Text)
		}
	}
	return formatList(items)
}

func formatHistory(hist []types.Verdict) string {
	items := make([]string, 0, len(hist))
	for i, v := range hist {
		s := fmt.Sprintf("attempt %d: score %.0f", i, v.Score)
		if len(v.Issues) > 0 {
			s += "; issues: " + strings.Join(v.Issues, "; ")
		}
		items = append(items, s)
	}
	return formatList(items)
}

func formatListOr(items []string, empty string) string {
	if s := formatList(items); s != "" {
		return s
	}
	return empty
}

func formatList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var buf strings.Builder
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fmt.Fprintf(&buf, "- %s\n", item)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func writeSection(buf *bytes.Buffer, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	buf.WriteString("[")
	buf.WriteString(title)
	buf.WriteString("]\n")
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
}
