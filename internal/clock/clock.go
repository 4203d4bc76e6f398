// Package clock abstracts wall-clock reads and waits so retry and polling
// loops can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock returns the current time and blocks for a duration.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, whichever happens first.
	Sleep(ctx context.Context, d time.Duration) error
}
