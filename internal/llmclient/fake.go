package llmclient

import (
	"context"
	"sync"
)

// FakeClient returns scripted responses in order for offline runs and tests.
// When the script is exhausted the last entry repeats. Every request is
// recorded.
type FakeClient struct {
	mu        sync.Mutex
	name      string
	responses []FakeResponse
	calls     []Request
}

type FakeResponse struct {
	Text string
	Err  error
}

func NewFakeClient(name string, responses ...FakeResponse) *FakeClient {
	if name == "" {
		name = "FakeLLM"
	}
	return &FakeClient{name: name, responses: responses}
}

func (f *FakeClient) Name() string { return f.name }
func (f *FakeClient) Close() error { return nil }

func (f *FakeClient) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, req)
	if len(f.responses) == 0 {
		return "{}", nil
	}
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	return r.Text, r.Err
}

// Calls returns a copy of the recorded requests.
func (f *FakeClient) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}
