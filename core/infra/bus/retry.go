package bus

import (
	"errors"
	"fmt"
	"time"
)

// Unavailable reports a broadcast the transport could not carry right now,
// such as a NATS link that is reconnecting or a team with no linked peers.
// Wait is how long the sender should keep its frames parked; zero means the
// next flush may try again.
type Unavailable struct {
	Cause error
	Wait  time.Duration
}

func (u *Unavailable) Error() string {
	if u.Wait > 0 {
		return fmt.Sprintf("transport unavailable for %s: %v", u.Wait, u.Cause)
	}
	return fmt.Sprintf("transport unavailable: %v", u.Cause)
}

func (u *Unavailable) Unwrap() error { return u.Cause }

// RetryAfter marks cause as temporary with a backoff of wait.
func RetryAfter(cause error, wait time.Duration) error {
	if cause == nil {
		cause = errors.New("transport busy")
	}
	return &Unavailable{Cause: cause, Wait: max(wait, 0)}
}

// RetryDelay returns the backoff carried by err and whether err marks a
// temporary outage.
func RetryDelay(err error) (time.Duration, bool) {
	var u *Unavailable
	if !errors.As(err, &u) {
		return 0, false
	}
	return u.Wait, true
}
