package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds automatic recovery of a failed service.
type RetryPolicy struct {
	// MaxAttempts is the number of recovery attempts after a failure. Zero
	// disables recovery; the service stays Failed on its first failure.
	MaxAttempts int

	// Backoff is the delay before the first attempt. Later attempts back off
	// exponentially. Zero recovers immediately.
	Backoff time.Duration
}

// DefaultRetryPolicy performs exactly one immediate recovery attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// newBackOff returns the per-service schedule of recovery delays. It yields
// backoff.Stop once MaxAttempts delays have been handed out.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.MaxAttempts <= 0 {
		return &backoff.StopBackOff{}
	}

	var schedule backoff.BackOff = &backoff.ZeroBackOff{}

	if p.Backoff > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.Backoff
		exp.MaxElapsedTime = 0
		exp.Reset()

		schedule = exp
	}

	return backoff.WithMaxRetries(schedule, uint64(p.MaxAttempts))
}
