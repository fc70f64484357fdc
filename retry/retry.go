// Package retry implements the classification and backoff schedule
// shared by the query and mutation executors, grounded on the
// teacher's exponential-backoff worker pool (warming/worker_pool.go)
// and its warming Config fields (warming/service.go).
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/otero/querycache/errs"
)

// Policy configures retry eligibility and the delay schedule.
// Invariants: 0 <= MaxRetries <= 10, 0 <= BaseDelay <= MaxDelay.
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Exponential    bool
	RetryOnNetwork bool
	RetryOnTimeout bool
	// Jitter bounds the optional jitter applied to each delay to ±25%,
	// as permitted (not mandated) by the design notes. Zero disables it.
	Jitter bool
}

// DefaultPolicy mirrors the teacher's warming defaults
// (MaxBatchSize/RetryAttempts/BackoffBase in warming/service.go),
// retuned for a client-side fetch rather than an origin warm-up.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Exponential:    true,
		RetryOnNetwork: true,
		RetryOnTimeout: true,
	}
}

// Delay returns the sleep duration before attempt n (0-indexed; the
// first retry is n=0).
func (p Policy) Delay(n int) time.Duration {
	var d time.Duration
	if p.Exponential {
		d = p.BaseDelay << uint(n)
		if d <= 0 || d > p.MaxDelay { // overflow or exceeded cap
			d = p.MaxDelay
		}
	} else {
		d = p.BaseDelay
	}
	if p.Jitter && d > 0 {
		// bounded to +/-25%, never exceeding MaxDelay, per the design
		// notes' allowance for optional jitter.
		spread := d / 4
		offset := time.Duration(rand.Int63n(int64(2*spread+1))) - spread
		d += offset
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Retryable reports whether tag is eligible for retry under p.
func (p Policy) Retryable(tag errs.Tag) bool {
	return tag.Retryable(p.RetryOnNetwork, p.RetryOnTimeout)
}

// Fetch is the user-supplied async function the loop wraps: returns a
// value or a classified error.
type Fetch func(ctx context.Context) (interface{}, *errs.ClassifiedError)

// OnAttempt, if non-nil, is invoked before each attempt including the
// first, with the 0-indexed attempt number.
type OnAttempt func(attempt int)

// Run executes fetch, retrying per p's classification and delay
// schedule. Total attempts never exceed MaxRetries+1. The loop exits
// immediately (as Cancelled, non-retryable) if ctx is done during a
// backoff sleep.
func Run(ctx context.Context, p Policy, fetch Fetch, onAttempt OnAttempt) (interface{}, *errs.ClassifiedError) {
	var lastErr *errs.ClassifiedError
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if onAttempt != nil {
			onAttempt(attempt)
		}
		val, cerr := fetch(ctx)
		if cerr == nil {
			return val, nil
		}
		lastErr = cerr

		if !p.Retryable(cerr.Tag) || attempt == p.MaxRetries {
			return nil, cerr
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return nil, errs.New(errs.Cancelled, "retry backoff cancelled")
		}
	}
	return nil, lastErr
}
