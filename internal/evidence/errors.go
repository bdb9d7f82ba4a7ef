package evidence

import (
	"fmt"

	"qaloop/internal/types"
)

// RenderError means the artifact could not be loaded or inspected within
// the render timeout. It is fatal for the attempt.
type RenderError struct {
	Target string
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Target, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// InteractionError means one control could not be exercised. Capture records
// it in the interaction log and continues.
type InteractionError struct {
	Control types.Control
	Action  string
	Err     error
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Action, e.Control.Kind, e.Control.Selector, e.Err)
}

func (e *InteractionError) Unwrap() error { return e.Err }
