package oracle

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"qaloop/internal/llmclient"
	"qaloop/internal/types"
)

// RepairRequest is everything one repair call needs. Current must be the
// artifact as it is stored right now.
type RepairRequest struct {
	Current  []byte
	Verdict  types.Verdict
	Evidence *types.Evidence
	Context  types.StepContext
	// History holds verdicts of earlier attempts, oldest first.
	History []types.Verdict
}

// Repairer asks a generative model for a full replacement artifact.
type Repairer struct {
	llm llmclient.Client
	log *log.Logger
}

func NewRepairer(llm llmclient.Client, logger *log.Logger) *Repairer {
	if logger == nil {
		logger = log.Default()
	}
	return &Repairer{llm: llm, log: logger}
}

func (r *Repairer) Repair(ctx context.Context, req RepairRequest) (types.RepairResult, error) {
	if len(req.Current) == 0 {
		return types.RepairResult{}, fmt.Errorf("repair: current artifact is empty")
	}
	if req.Evidence == nil {
		req.Evidence = &types.Evidence{}
	}
	lreq := llmclient.Request{Prompt: repairPrompt(req), Images: images(req.Evidence)}
	raw, err := r.llm.Generate(llmclient.WithPurpose(ctx, "repair"), lreq)
	if err != nil {
		return types.RepairResult{}, classify(ctx, "repair", err)
	}
	out, err := ExtractArtifact(raw, req.Context.Component)
	if err != nil {
		return types.RepairResult{}, err
	}
	r.log.Printf("repair: received %d bytes (was %d)", len(out), len(req.Current))
	return types.RepairResult{NewArtifact: out}, nil
}

var fenceRE = regexp.MustCompile("(?s)```([a-zA-Z]*)[ \t]*\r?\n(.*?)\r?\n?```")

// ExtractArtifact pulls the replacement document out of a model response and
// checks that it parses as the expected kind of markup.
func ExtractArtifact(raw string, kind types.ComponentType) ([]byte, error) {
	want := "html"
	if kind == types.ComponentImage {
		want = "svg"
	}

	var body string
	matches := fenceRE.FindAllStringSubmatch(raw, -1)
	for _, m := range matches {
		if strings.EqualFold(m[1], want) {
			body = m[2]
			break
		}
	}
	if body == "" {
		for _, m := range matches {
			if m[1] == "" || strings.EqualFold(m[1], "xml") || strings.EqualFold(m[1], "html") {
				body = m[2]
				break
			}
		}
	}
	if body == "" {
		t := strings.TrimSpace(raw)
		lower := strings.ToLower(t)
		for _, p := range []string{"<!doctype", "<html", "<svg", "<?xml"} {
			if strings.HasPrefix(lower, p) {
				body = t
				break
			}
		}
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, malformed("repair", "no "+want+" document in response", raw)
	}
	if err := validateMarkup(body, kind); err != nil {
		return nil, malformed("repair", err.Error(), raw)
	}
	return []byte(body + "\n"), nil
}

func validateMarkup(doc string, kind types.ComponentType) error {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	var svg, body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Svg:
				if svg == nil {
					svg = n
				}
			case atom.Body:
				body = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if kind == types.ComponentImage {
		if svg == nil {
			return fmt.Errorf("response has no <svg> element")
		}
		return nil
	}
	if body == nil || !hasElement(body) {
		return fmt.Errorf("document body is empty")
	}
	if !bytes.Contains(bytes.ToLower([]byte(doc)), []byte("</html>")) {
		return fmt.Errorf("document is truncated (no closing </html>)")
	}
	return nil
}

func hasElement(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return true
		}
	}
	return false
}
