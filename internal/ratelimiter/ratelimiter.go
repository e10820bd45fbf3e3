// Package ratelimiter throttles background record copying.
//
// The compactor copies every live record of a log while the namespace keeps
// serving writes; a token bucket on the copy loop bounds the I/O it steals
// from the foreground.
package ratelimiter

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// RateLimiter wraps golang.org/x/time/rate with record-oriented helpers.
//
// A zero rate means unlimited: Wait and WaitN return immediately.
//
// Thread safety:
// All methods are safe for concurrent use. A nil *RateLimiter is valid and
// never blocks.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing recordsPerSecond sustained with the given
// burst. A zero burst defaults to one second worth of records.
//
// Example:
//
//	// Copy at most 5000 records/s, 10000 in a burst
//	limiter := New(5000, 10000)
func New(recordsPerSecond, burst uint) *RateLimiter {
	if recordsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = recordsPerSecond
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(recordsPerSecond), int(burst))}
}

// Wait blocks until one record may be copied or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.WaitN(ctx, 1)
}

// WaitN blocks until n records may be copied or ctx is done. Requests larger
// than the burst are split so they never fail on size alone.
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	if r == nil || r.limiter.Limit() == rate.Inf {
		return ctx.Err()
	}

	burst := r.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := r.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// SetLimit changes the sustained rate. Zero removes the limit. Waiters
// pick up the new rate on their next token.
//
// The burst follows the new rate when it was tracking the old one.
func (r *RateLimiter) SetLimit(recordsPerSecond uint) {
	if r == nil {
		return
	}
	if recordsPerSecond == 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}

	oldRate := r.limiter.Limit()
	oldBurst := r.limiter.Burst()
	r.limiter.SetLimit(rate.Limit(recordsPerSecond))

	if oldRate == rate.Inf || float64(oldBurst) <= float64(oldRate) {
		r.limiter.SetBurst(int(recordsPerSecond))
	}
}

// Limit returns the sustained rate, 0 when unlimited.
func (r *RateLimiter) Limit() uint {
	if r == nil {
		return 0
	}
	l := r.limiter.Limit()
	if l == rate.Inf || l > math.MaxUint32 {
		return 0
	}
	return uint(l)
}
