package producer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnectDelaySchedule(t *testing.T) {
	want := []time.Duration{
		time.Second, time.Second, time.Second,
		5 * time.Second, 5 * time.Second, 5 * time.Second,
		15 * time.Second, 15 * time.Second, 15 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	for attempt, w := range want {
		if d := reconnectDelay(attempt); d != w {
			t.Fatalf("delay(%d) = %v, want %v", attempt, d, w)
		}
	}
}

func TestRunWithReconnectStopsOnSuccess(t *testing.T) {
	calls := 0
	err := RunWithReconnect(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRunWithReconnectHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := RunWithReconnect(ctx, func(context.Context) error {
		calls++
		return errors.New("connection dropped")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	// the context expired during the first backoff wait
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}
