package transport

import (
	"context"
	"time"

	"talkstream/pkg/ai"
)

// Backoff returns the wait before retry number attempt+1, where attempt is
// 0-based: min(BaseDelay*2^attempt, MaxDelay).
func Backoff(policy ai.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}

// Sleep waits for d or until ctx is cancelled, in which case it returns an
// *ai.AbortError built from the cancellation cause.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return abortErr(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ai.AbortErrorFrom(context.Cause(ctx))
	case <-timer.C:
		return nil
	}
}

func abortErr(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return ai.AbortErrorFrom(context.Cause(ctx))
}
