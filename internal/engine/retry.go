package engine

import (
	"context"
	"math/rand"
	"time"
)

// backoff returns the pause before the next attempt: base doubled per
// attempt with up to 10% jitter so colliding invocations spread out.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
