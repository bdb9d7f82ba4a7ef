package automation

import (
	"context"
	"encoding/json"
	"sync"

	"qaloop/internal/types"
)

// FakeSession is an in-memory Session for tests and dry runs. Behaviour is
// scripted through the optional funcs; every call is recorded in Ops.
type FakeSession struct {
	NavigateFunc   func(url string) error
	EvalFunc       func(expr string) (any, error)
	ScreenshotFunc func(url string) ([]byte, error)
	ResetErr       error

	mu      sync.Mutex
	url     string
	ops     []string
	console []types.ConsoleMessage
	closed  bool
}

// FakeFactory returns a Factory that hands out sessions built by mk and
// remembers them in order.
func FakeFactory(mk func(slot int) *FakeSession) (Factory, func() []*FakeSession) {
	var (
		mu   sync.Mutex
		made []*FakeSession
	)
	f := func(_ context.Context, slot int) (Session, error) {
		s := mk(slot)
		mu.Lock()
		made = append(made, s)
		mu.Unlock()
		return s, nil
	}
	return f, func() []*FakeSession {
		mu.Lock()
		defer mu.Unlock()
		return append([]*FakeSession(nil), made...)
	}
}

func (f *FakeSession) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

// Ops returns the recorded operations ("navigate <url>", "eval", ...).
func (f *FakeSession) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// Log appends a console message as if the page had printed it.
func (f *FakeSession) Log(level, text string) {
	f.mu.Lock()
	f.console = append(f.console, types.ConsoleMessage{Level: level, Text: text})
	f.mu.Unlock()
}

func (f *FakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record("navigate " + url)
	if f.NavigateFunc != nil {
		if err := f.NavigateFunc(url); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) Evaluate(ctx context.Context, expr string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.record("eval")
	if f.EvalFunc == nil {
		return nil
	}
	v, err := f.EvalFunc(expr)
	if err != nil {
		return err
	}
	if out == nil || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *FakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.record("screenshot")
	f.mu.Lock()
	url := f.url
	f.mu.Unlock()
	if f.ScreenshotFunc != nil {
		return f.ScreenshotFunc(url)
	}
	return []byte("\x89PNG " + url), nil
}

func (f *FakeSession) Console(context.Context) ([]types.ConsoleMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.console
	f.console = nil
	return out, nil
}

func (f *FakeSession) Reset(ctx context.Context) error {
	f.record("reset")
	if f.ResetErr != nil {
		return f.ResetErr
	}
	f.mu.Lock()
	f.url = "about:blank"
	f.console = nil
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
