package client

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"mini-ipc/message"
)

// Retry calls fn until it succeeds, fails with anything but COMM_FAILURE, or has been
// retried n times. Waits between attempts grow exponentially. Whether a call is safe
// to repeat is for the caller to decide.
func Retry(ctx context.Context, n int, fn func() error) error {
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || message.StatusOf(err) != message.StatusCommFailure || attempt >= n {
			return err
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return err
		}
	}
}
