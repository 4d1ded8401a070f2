package mediator

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReconnectBackoff returns the exponential-backoff policy that
// OpenStore's initial database connect retry uses: starts at one second,
// caps at thirty, and never gives up on its own (OpenStore stops after
// its own attempt limit or on ctx cancellation).
func newReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}
