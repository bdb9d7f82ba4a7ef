package automation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"qaloop/internal/types"
)

// ToolServer is a Session backed by a browser tool server speaking the
// POST /call_tool protocol. One tool server drives one page, so each pool
// slot needs its own server URL.
type ToolServer struct {
	base string
	http *http.Client
}

type toolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type toolResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

// NewToolServer returns a session for the tool server at baseURL. A nil
// client uses a default with a generous timeout for slow pages.
func NewToolServer(baseURL string, client *http.Client) *ToolServer {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &ToolServer{base: strings.TrimRight(strings.TrimSpace(baseURL), "/"), http: client}
}

// ToolServerFactory maps pool slots onto the given URLs round-robin.
func ToolServerFactory(urls []string, client *http.Client) Factory {
	return func(ctx context.Context, slot int) (Session, error) {
		if len(urls) == 0 {
			return nil, fmt.Errorf("no tool server url configured")
		}
		ts := NewToolServer(urls[slot%len(urls)], client)
		if err := ts.Health(ctx); err != nil {
			return nil, err
		}
		if err := ts.call(ctx, "set_viewport", map[string]any{"width": ViewportWidth, "height": ViewportHeight}, nil); err != nil {
			return nil, err
		}
		return ts, nil
	}
}

// Health checks GET /health.
func (t *ToolServer) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("tool server %s unreachable: %w", t.base, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool server %s health: status %d", t.base, resp.StatusCode)
	}
	return nil
}

func (t *ToolServer) call(ctx context.Context, tool string, args map[string]any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(toolRequest{Tool: tool, Args: args})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/call_tool", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("call_tool %s: %w", tool, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ToolError{Tool: tool, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
	var tr toolResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("call_tool %s: decode response: %w", tool, err)
	}
	if !tr.Success {
		msg := tr.Error
		if msg == "" {
			msg = tr.Message
		}
		if msg == "" {
			msg = "unknown error"
		}
		return &ToolError{Tool: tool, Message: msg}
	}
	if out == nil || len(tr.Result) == 0 || string(tr.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(tr.Result, out); err != nil {
		return fmt.Errorf("call_tool %s: decode result: %w", tool, err)
	}
	return nil
}

func (t *ToolServer) Navigate(ctx context.Context, url string) error {
	return t.call(ctx, "navigate", map[string]any{"url": url}, nil)
}

func (t *ToolServer) Evaluate(ctx context.Context, expr string, out any) error {
	return t.call(ctx, "evaluate_js", map[string]any{"expression": expr}, out)
}

func (t *ToolServer) Screenshot(ctx context.Context) ([]byte, error) {
	var res struct {
		Base64 string `json:"base64"`
	}
	if err := t.call(ctx, "screenshot", map[string]any{"return_base64": true}, &res); err != nil {
		return nil, err
	}
	if res.Base64 == "" {
		return nil, &ToolError{Tool: "screenshot", Message: "no image data returned"}
	}
	png, err := base64.StdEncoding.DecodeString(res.Base64)
	if err != nil {
		return nil, fmt.Errorf("screenshot: decode base64: %w", err)
	}
	return png, nil
}

func (t *ToolServer) Console(ctx context.Context) ([]types.ConsoleMessage, error) {
	var msgs []types.ConsoleMessage
	if err := t.call(ctx, "get_console", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (t *ToolServer) Reset(ctx context.Context) error {
	return t.Navigate(ctx, "about:blank")
}

// Close asks the tool server to close its browser. The server itself keeps
// running.
func (t *ToolServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return t.call(ctx, "close", nil, nil)
}
