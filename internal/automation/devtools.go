package automation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/gorilla/websocket"

	"qaloop/internal/types"
)

const (
	devtoolsWriteWait = 10 * time.Second
	readyPollEvery    = 100 * time.Millisecond
)

// DevTools is a Session speaking the Chrome DevTools Protocol directly to
// one page target of a running browser (chrome --remote-debugging-port).
type DevTools struct {
	endpoint string
	targetID string
	http     *http.Client
	conn     *websocket.Conn

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan cdpMessage
	console []types.ConsoleMessage

	done      chan struct{}
	readErr   error
	shut      atomic.Bool
	closeOnce sync.Once
}

type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type cdpTarget struct {
	ID                   string `json:"id"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DevToolsFactory opens a fresh page target per pool slot on the browser at
// endpoint (e.g. http://127.0.0.1:9222).
func DevToolsFactory(endpoint string, client *http.Client) Factory {
	return func(ctx context.Context, _ int) (Session, error) {
		return DialDevTools(ctx, endpoint, client)
	}
}

// DialDevTools creates a new page target and attaches to it.
func DialDevTools(ctx context.Context, endpoint string, client *http.Client) (*DevTools, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint+"/json/new?about:blank", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("devtools %s unreachable: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("devtools new target: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var target cdpTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, fmt.Errorf("devtools new target: %w", err)
	}
	if target.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("devtools new target: no websocket url")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("devtools dial %s: %w", target.WebSocketDebuggerURL, err)
	}
	d := &DevTools{
		endpoint: endpoint,
		targetID: target.ID,
		http:     client,
		conn:     conn,
		pending:  make(map[int64]chan cdpMessage),
		done:     make(chan struct{}),
	}
	go d.readLoop()

	for _, m := range []struct {
		method string
		params any
	}{
		{runtime.CommandEnable, runtime.Enable()},
		{page.CommandEnable, page.Enable()},
		{emulation.CommandSetDeviceMetricsOverride, emulation.SetDeviceMetricsOverride(ViewportWidth, ViewportHeight, 1, false)},
	} {
		if err := d.send(ctx, m.method, m.params, nil); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *DevTools) readLoop() {
	for {
		var msg cdpMessage
		if err := d.conn.ReadJSON(&msg); err != nil {
			d.readErr = err
			close(d.done)
			return
		}
		if msg.ID != 0 {
			d.mu.Lock()
			ch := d.pending[msg.ID]
			delete(d.pending, msg.ID)
			d.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
			continue
		}
		d.handleEvent(msg)
	}
}

func (d *DevTools) handleEvent(msg cdpMessage) {
	switch cdproto.MethodType(msg.Method) {
	case cdproto.EventRuntimeConsoleAPICalled:
		var p struct {
			Type string `json:"type"`
			Args []struct {
				Value       any    `json:"value"`
				Description string `json:"description"`
			} `json:"args"`
		}
		if json.Unmarshal(msg.Params, &p) != nil {
			return
		}
		parts := make([]string, 0, len(p.Args))
		for _, a := range p.Args {
			switch {
			case a.Value != nil:
				parts = append(parts, fmt.Sprint(a.Value))
			case a.Description != "":
				parts = append(parts, a.Description)
			}
		}
		d.appendConsole(types.ConsoleMessage{Level: p.Type, Text: strings.Join(parts, " ")})
	case cdproto.EventRuntimeExceptionThrown:
		var p struct {
			ExceptionDetails cdpException `json:"exceptionDetails"`
		}
		if json.Unmarshal(msg.Params, &p) != nil {
			return
		}
		d.appendConsole(types.ConsoleMessage{Level: "error", Text: p.ExceptionDetails.message()})
	}
}

func (d *DevTools) appendConsole(m types.ConsoleMessage) {
	d.mu.Lock()
	d.console = append(d.console, m)
	d.mu.Unlock()
}

func (d *DevTools) send(ctx context.Context, method string, params any, out any) error {
	if d.shut.Load() {
		return fmt.Errorf("%s: %w", method, ErrSessionClosed)
	}
	select {
	case <-d.done:
		return fmt.Errorf("%s: %w", method, ErrSessionClosed)
	default:
	}
	id := d.nextID.Add(1)
	ch := make(chan cdpMessage, 1)
	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()
	forget := func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}

	d.writeMu.Lock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(devtoolsWriteWait))
	err := d.conn.WriteJSON(cdpRequest{ID: id, Method: method, Params: params})
	d.writeMu.Unlock()
	if err != nil {
		forget()
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-d.done:
		return fmt.Errorf("%s: %w: %v", method, ErrSessionClosed, d.readErr)
	case msg := <-ch:
		if msg.Error != nil {
			return &ToolError{Tool: method, Message: msg.Error.Message}
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

type cdpException struct {
	Text      string `json:"text"`
	Exception *struct {
		Description string `json:"description"`
	} `json:"exception,omitempty"`
}

func (e cdpException) message() string {
	if e.Exception != nil && e.Exception.Description != "" {
		return e.Exception.Description
	}
	return e.Text
}

func (d *DevTools) Navigate(ctx context.Context, url string) error {
	var res page.NavigateReturns
	if err := d.send(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return &ToolError{Tool: page.CommandNavigate, Message: res.ErrorText}
	}
	for {
		var state string
		if err := d.Evaluate(ctx, "document.readyState", &state); err != nil {
			return err
		}
		if state == "complete" {
			return nil
		}
		t := time.NewTimer(readyPollEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (d *DevTools) Evaluate(ctx context.Context, expr string, out any) error {
	var res struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *cdpException `json:"exceptionDetails"`
	}
	params := runtime.Evaluate(expr).WithReturnByValue(true).WithAwaitPromise(true)
	if err := d.send(ctx, runtime.CommandEvaluate, params, &res); err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return &ToolError{Tool: runtime.CommandEvaluate, Message: res.ExceptionDetails.message()}
	}
	if out == nil || len(res.Result.Value) == 0 {
		return nil
	}
	return json.Unmarshal(res.Result.Value, out)
}

func (d *DevTools) Screenshot(ctx context.Context) ([]byte, error) {
	var res struct {
		Data string `json:"data"`
	}
	params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
	if err := d.send(ctx, page.CommandCaptureScreenshot, params, &res); err != nil {
		return nil, err
	}
	png, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("screenshot: decode base64: %w", err)
	}
	if len(png) == 0 {
		return nil, &ToolError{Tool: page.CommandCaptureScreenshot, Message: "no image data returned"}
	}
	return png, nil
}

func (d *DevTools) Console(_ context.Context) ([]types.ConsoleMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.console
	d.console = nil
	return out, nil
}

func (d *DevTools) Reset(ctx context.Context) error {
	if err := d.Navigate(ctx, "about:blank"); err != nil {
		return err
	}
	_, _ = d.Console(ctx)
	return nil
}

// Close detaches and closes the page target.
func (d *DevTools) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.shut.Store(true)
		d.writeMu.Lock()
		_ = d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		d.writeMu.Unlock()
		err = d.conn.Close()

		if d.targetID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/json/close/"+d.targetID, nil)
		if rerr != nil {
			return
		}
		if resp, rerr := d.http.Do(req); rerr == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	})
	return err
}
