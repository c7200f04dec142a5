package producer

import (
	"context"
	"time"
)

func reconnectDelay(attempt int) time.Duration {
	schedule := []time.Duration{time.Second, time.Second, time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second, 15 * time.Second, 15 * time.Second, 15 * time.Second}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return 30 * time.Second
}

// RunWithReconnect runs fn and, when it returns an error, retries with
// backoff until ctx is done. fn typically dials, opens its stream and
// publishes until the connection drops.
func RunWithReconnect(ctx context.Context, fn func(context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		delay := reconnectDelay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
