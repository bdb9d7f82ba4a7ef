// Package oracle adapts the external grading and repair capabilities to
// strictly validated results.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"qaloop/internal/llmclient"
)

// UnavailableError is a network or service failure calling an oracle.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s oracle unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// MalformedResponseError means the oracle answered but the answer does not
// have the expected shape.
type MalformedResponseError struct {
	Op     string
	Reason string
	Raw    string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s oracle returned malformed response: %s", e.Op, e.Reason)
}

func malformed(op, reason, raw string) error {
	if len(raw) > 2000 {
		raw = raw[:2000]
	}
	return &MalformedResponseError{Op: op, Reason: reason, Raw: raw}
}

// classify maps a client error onto the oracle taxonomy. Cancellation is
// passed through untouched.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, llmclient.ErrEmptyResponse) {
		return malformed(op, "empty response", "")
	}
	return &UnavailableError{Op: op, Err: err}
}
