package llmclient

import (
	"context"
	"strings"
)

type ctxKeyTask struct{}
type ctxKeyPurpose struct{}

// WithTask tags LLM calls made under ctx with the validation task id.
func WithTask(ctx context.Context, taskID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyTask{}, strings.TrimSpace(taskID))
}

// WithPurpose tags LLM calls with what they are for ("score", "repair").
func WithPurpose(ctx context.Context, purpose string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyPurpose{}, strings.TrimSpace(purpose))
}

func TaskFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKeyTask{}).(string); ok {
		return v
	}
	return ""
}

func PurposeFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKeyPurpose{}).(string); ok {
		return v
	}
	return ""
}

func label(ctx context.Context) string {
	task, purpose := TaskFrom(ctx), PurposeFrom(ctx)
	switch {
	case task != "" && purpose != "":
		return task + "/" + purpose
	case task != "":
		return task
	case purpose != "":
		return purpose
	}
	return "-"
}
