// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"time"
)

// sleepChunk bounds each uninterruptible slice of a wait so cancellation is
// observed promptly.
const sleepChunk = 500 * time.Millisecond

// SleepChunked waits for d, waking at least every 500ms to check the
// context. It returns the context error when cancelled mid-wait.
func SleepChunked(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if remaining > sleepChunk {
			remaining = sleepChunk
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
