// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"time"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/time/rate"
)

// Throttle paces outgoing requests with a token bucket: at most bucketSize
// requests in flight per refill period, refilled continuously. A nil Throttle
// never delays.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle builds a bucket holding bucketSize tokens that refills fully
// once per period.
func NewThrottle(bucketSize int, period time.Duration) *Throttle {
	if bucketSize <= 0 || period <= 0 {
		return nil
	}
	interval := period / time.Duration(bucketSize)
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(interval), bucketSize),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (t *Throttle) Wait(ctx context.Context) errors.E {
	if t == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Allow reports whether a token is available right now, consuming it if so.
func (t *Throttle) Allow() bool {
	if t == nil {
		return true
	}
	return t.limiter.Allow()
}
