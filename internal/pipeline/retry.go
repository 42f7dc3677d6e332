package pipeline

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/crimson-sun/tributary/internal/connector"
	"github.com/crimson-sun/tributary/internal/output"
)

// RetryPolicy bounds the attempts of one stage. The delay after failed
// attempt n is BaseDelay*2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is 5 attempts with 1s, 2s, 4s, 8s between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Minute}
}

// Delay returns the wait after failed attempt n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 32 {
		return p.MaxDelay
	}
	d := p.BaseDelay << (n - 1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

// PublishError reports a fetched batch that could not be handed to the
// index queue.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string { return "publish index job: " + e.Err.Error() }

func (e *PublishError) Unwrap() error { return e.Err }

// Retryable reports whether err is transient. Anything not recognised as
// transient is fatal: credentials, windows, validation and unknown errors
// fail the unit on the first attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *connector.FetchError
	if errors.As(err, &fe) {
		return fe.Temporary()
	}
	var ie *output.IndexError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// retryAfter extracts a server-requested delay from err.
func retryAfter(err error) time.Duration {
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// stage describes one retried step of a unit.
type stage struct {
	name    string
	policy  RetryPolicy
	timeout time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	// onAttempt runs before every attempt, onRetry before every backoff.
	onAttempt func(attempt int)
	onRetry   func(attempt int, err error, delay time.Duration)
}

// run executes fn until it succeeds, fails fatally, or exhausts the policy.
// It returns the number of attempts made and the last error. A deadline hit
// by a single attempt is transient; cancellation of ctx is not.
func (s stage) run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := s.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if s.onAttempt != nil {
			s.onAttempt(attempt)
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if s.timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		err = fn(actx)
		cancel()

		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if !Retryable(err) || attempt >= maxAttempts {
			return attempt, err
		}

		delay := max(s.policy.Delay(attempt), retryAfter(err))
		if s.policy.MaxDelay > 0 {
			delay = min(delay, s.policy.MaxDelay)
		}
		if s.onRetry != nil {
			s.onRetry(attempt, err, delay)
		}
		if serr := s.sleep(ctx, delay); serr != nil {
			return attempt, serr
		}
	}
}
