package llmclient

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is one request quota. Clients wrapped with the same Limiter draw
// from one bucket, so a per-key quota holds across grader and repairer.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter allows rps requests per second with the given burst. A nil
// Limiter (rps <= 0) does not limit.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may go out or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.rl.Wait(ctx)
}

// Burst reports the bucket size, 0 when unlimited.
func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.rl.Burst()
}
