// Package automation drives a headless browser that renders artifacts.
//
// A Session is exclusively owned by one worker at a time; the Pool hands
// sessions out and resets them between attempts so no state leaks across
// tasks.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qaloop/internal/types"
)

// Default viewport for every session.
const (
	ViewportWidth  = 1440
	ViewportHeight = 900
)

var ErrSessionClosed = errors.New("automation session closed")

// Session is one browser page.
type Session interface {
	// Navigate loads url and waits until the document finishes loading.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JavaScript expression and decodes its JSON-serialisable
	// result into out. out may be nil.
	Evaluate(ctx context.Context, expr string, out any) error
	// Screenshot captures the visible viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Console drains console messages collected since the last call.
	Console(ctx context.Context) ([]types.ConsoleMessage, error)
	// Reset returns the page to a blank state.
	Reset(ctx context.Context) error
	Close() error
}

// Factory opens the session for pool slot i.
type Factory func(ctx context.Context, slot int) (Session, error)

// ToolError is a failure reported by the automation backend for one call.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("automation %s failed: %s", e.Tool, e.Message)
}

// Unwrap reports ErrSessionClosed when the backend says the browser or page
// is gone.
func (e *ToolError) Unwrap() error {
	msg := strings.ToLower(e.Message)
	for _, s := range closedMessages {
		if strings.Contains(msg, s) {
			return ErrSessionClosed
		}
	}
	return nil
}

var closedMessages = []string{"browser closed", "browser has been closed", "page has been closed", "target closed"}
