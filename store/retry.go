package store

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gurre/ddlog-backup/ddlogerr"
)

// Retrier implements the capped exponential backoff policy from spec §4.1:
// base 1s, factor 2, max 16s, jitter +/-20%, up to 5 attempts. Grounded on
// writer.backoffWait/writer.isThrottlingError, generalized from a single
// DynamoDB-throttle predicate to the §7 error-Kind classifier so any
// store backend can reuse the same policy.
type Retrier struct {
	Base       time.Duration
	Factor     float64
	Max        time.Duration
	JitterFrac float64
	MaxAttempts int
}

// DefaultRetrier returns the policy mandated by spec §4.1.
func DefaultRetrier() Retrier {
	return Retrier{
		Base:        1 * time.Second,
		Factor:      2,
		Max:         16 * time.Second,
		JitterFrac:  0.20,
		MaxAttempts: 5,
	}
}

// Do runs fn, retrying while it returns a *ddlogerr.Error of Kind Transient,
// until MaxAttempts is reached or ctx is cancelled. On exhaustion it
// returns a Transient-kind error whose message starts with
// "transient_exhausted", wrapping the last failure.
func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := r.Base
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration((rand.Float64()*2 - 1) * r.JitterFrac * float64(delay))
			wait := delay + jitter
			if wait < 0 {
				wait = delay
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay = time.Duration(float64(delay) * r.Factor)
			if delay > r.Max {
				delay = r.Max
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !ddlogerr.Is(err, ddlogerr.Transient) {
			return err
		}
	}
	return ddlogerr.Wrap(ddlogerr.Transient, "transient_exhausted: retries exhausted", lastErr)
}
