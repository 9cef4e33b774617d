package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Class splits errors into the two halves of the provider error taxonomy:
// transient errors are retried with backoff, permanent errors abort the
// attempt loop immediately.
type Class int

const (
	Transient Class = iota
	Permanent
)

// Policy is an explicit retry configuration passed to callers instead of
// embedding backoff control flow in them.
type Policy struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 100ms
	MaxDelay    time.Duration // default 5s
	Jitter      time.Duration // default 0

	// Classify decides whether an error is worth retrying.
	// If nil, every non-nil error is treated as transient.
	Classify func(error) Class

	// OnRetry is an optional hook for logging and metrics.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Do runs fn until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or ctx is canceled. The wait between attempts doubles each
// time, capped at MaxDelay, with optional jitter.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}

	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return Transient }
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if classify(err) == Permanent {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.BaseDelay << (attempt - 1)
		if wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return errors.Wrapf(lastErr, "retry exhausted after %d attempts", p.MaxAttempts)
}
