package llmclient

import (
	"context"
	"errors"
)

var ErrEmptyResponse = errors.New("empty response from LLM")

// Image is an inline image attached to a request.
type Image struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Request is one multimodal generation call. When JSON is set the model is
// asked for application/json output.
type Request struct {
	Prompt string
	Images []Image
	JSON   bool
}

// Bytes approximates the request payload size for logging.
func (r Request) Bytes() int {
	n := len(r.Prompt)
	for _, img := range r.Images {
		n += len(img.Data)
	}
	return n
}

// Client generates text from a prompt plus optional images.
type Client interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
	Close() error
}

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}
