package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/execution-hub/otrun/internal/domain/run"
)

// RetryPolicy bounds retries of transient network errors.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns 3 attempts backing off 500ms, 1s (capped at 5s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// retry runs fn until it succeeds, fails with a non-network error, or the
// attempts run out. It returns the number of attempts made. Once ctx is done
// the returned error also matches ctx.Err().
func (o *Orchestrator) retry(ctx context.Context, op string, fn func() error) (int, error) {
	policy := o.cfg.Retry
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, withContextErr(ctx, err)
		}
		if !run.IsNetworkError(err) || attempt == policy.MaxAttempts {
			return attempt, err
		}
		wait := policy.Backoff(attempt)
		o.logger.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("transient robot error; retrying")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, withContextErr(ctx, err)
		case <-t.C:
		}
	}
	return policy.MaxAttempts, err
}

func withContextErr(ctx context.Context, err error) error {
	if errors.Is(err, ctx.Err()) {
		return err
	}
	return errors.Join(ctx.Err(), err)
}
