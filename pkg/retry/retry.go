// Package retry implements a bounded exponential-backoff retry engine,
// built on cenkalti/backoff/v4's exponential sequence generator with a
// zero-mean Gaussian jitter layer on top of it. Errors are classified
// through pkg/errors: transport failures retry, everything else
// surfaces immediately.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/xiebiao/fulfillment/pkg/errors"
)

// Config holds the retry parameters. MaxAttempts counts total attempts,
// first call included, so 3 retries means MaxAttempts=4.
type Config struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterStdDev float64 // fraction of the base delay, e.g. 0.10 for 10%
}

// DefaultConfig is 3 retries over an exponential 1s..30s backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterStdDev: 0.10,
	}
}

// Op is a unit of work the engine retries. Returning a nil error signals
// success; any non-nil error is classified via pkg/errors.Classify to
// decide whether another attempt is warranted.
type Op func(ctx context.Context) error

// Do runs fn, retrying on retryable errors up to cfg.MaxAttempts total
// attempts (the first attempt plus cfg.MaxAttempts-1 retries). Context
// cancellation aborts immediately, including during a backoff sleep. The
// delay before retry k (k = 0 for the first retry) is
// min(MaxDelay, BaseDelay * Multiplier^k) with independent zero-mean
// Gaussian jitter of standard deviation JitterStdDev applied multiplicatively,
// clamped to a non-negative duration.
func Do(ctx context.Context, cfg Config, fn Op) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	seq := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseDelay,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.MaxDelay,
		RandomizationFactor: 0, // Gaussian jitter is applied separately below
		MaxElapsedTime:      0, // attempt count bounds retries, not elapsed time
		Clock:               backoff.SystemClock,
	}
	seq.Reset()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !apperrors.Classify(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		base := seq.NextBackOff()
		delay := jitter(base, cfg.JitterStdDev)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// jitter applies independent zero-mean Gaussian noise with standard
// deviation stddevFraction*base to base, clamped at zero.
func jitter(base time.Duration, stddevFraction float64) time.Duration {
	if stddevFraction <= 0 {
		return base
	}
	stddev := float64(base) * stddevFraction
	noisy := float64(base) + rand.NormFloat64()*stddev
	if noisy < 0 {
		noisy = 0
	}
	return time.Duration(math.Round(noisy))
}
