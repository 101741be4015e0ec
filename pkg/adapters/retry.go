package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"strconv"
	"time"

	"github.com/octavolabs/octavo/pkg/fault"
)

// RetryPolicy shapes the backoff schedule for transient adapter
// failures. Jitter is derived deterministically from Seed and the
// attempt number, so identical runs retry on identical schedules.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Seed         string
}

// DefaultRetryPolicy matches the pipeline default of three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Factor <= 1 {
		p.Factor = d.Factor
	}
	return p
}

// DelayForAttempt returns the pause before retry number attempt
// (1-based): InitialDelay * Factor^(attempt-1), capped at MaxDelay, plus
// up to 25% seeded jitter.
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	p = p.withDefaults()
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
		if delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	jitter := delay * 0.25 * jitterFraction(p.Seed, attempt)
	return time.Duration(delay + jitter)
}

// jitterFraction maps (seed, attempt) to [0, 1) via SHA-256 so the
// schedule is stable across runs with the same seed.
func jitterFraction(seed string, attempt int) float64 {
	h := sha256.Sum256([]byte(seed + "#" + strconv.Itoa(attempt)))
	v := binary.BigEndian.Uint64(h[:8])
	return float64(v%10_000) / 10_000
}

// Retry runs fn up to MaxAttempts times, backing off between attempts.
// Only failures classified ExternalUnavailable are retried; every other
// kind is deterministic and surfaces immediately. Context cancellation
// aborts the wait and reports fault.Cancelled.
func Retry(ctx context.Context, op string, pol RetryPolicy, logger *slog.Logger, fn func() error) error {
	pol = pol.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fault.Wrap(fault.Cancelled, op, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !fault.Retryable(lastErr) {
			return lastErr
		}
		if attempt == pol.MaxAttempts {
			break
		}

		delay := pol.DelayForAttempt(attempt)
		logger.Warn("transient failure, backing off",
			"op", op, "attempt", attempt, "delay", delay, "error", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fault.Wrap(fault.Cancelled, op, ctx.Err())
		}
	}
	return lastErr
}
