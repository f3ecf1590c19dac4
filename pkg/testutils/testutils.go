package testutils

import (
	"context"
	"testing"
	"time"
)

var (
	PollTimeout = 10 * time.Second
)

// WithTimeout polls f until it returns "", failing the test with the
// last reported state once the timeout elapses. Use it for conditions
// that settle asynchronously, like callback delivery.
func WithTimeout(t *testing.T, f func() string) {
	ctx, cancel := context.WithTimeout(context.Background(), PollTimeout)
	defer cancel()
	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			if lastErr != "" {
				t.Fatalf("did not reach expected state after %v: %s", PollTimeout, lastErr)
			}
			return
		case <-time.After(10 * time.Millisecond):
			lastErr = f()
			if lastErr == "" {
				return
			}
		}
	}
}
