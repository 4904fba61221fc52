// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"testing"
	"time"
)

func TestThrottleBurst(t *testing.T) {
	throttle := NewThrottle(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !throttle.Allow() {
			t.Fatalf("token %d should be available from a full bucket", i)
		}
	}
	if throttle.Allow() {
		t.Error("sixth token should not be available from a 5-token bucket")
	}
}

func TestThrottleRefill(t *testing.T) {
	throttle := NewThrottle(10, 100*time.Millisecond)
	for i := 0; i < 10; i++ {
		throttle.Allow()
	}
	if throttle.Allow() {
		t.Fatal("bucket should be empty")
	}
	// One token refills every period/bucketSize = 10ms.
	time.Sleep(30 * time.Millisecond)
	if !throttle.Allow() {
		t.Error("bucket should have refilled at least one token")
	}
}

func TestThrottleWaitCancelled(t *testing.T) {
	throttle := NewThrottle(1, time.Hour)
	if err := throttle.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := throttle.Wait(ctx); err == nil {
		t.Error("wait on empty bucket with cancelled context should fail")
	}
}

func TestThrottleNil(t *testing.T) {
	var throttle *Throttle
	if err := throttle.Wait(context.Background()); err != nil {
		t.Errorf("nil throttle should never delay: %v", err)
	}
	if !throttle.Allow() {
		t.Error("nil throttle should always allow")
	}
	if NewThrottle(0, time.Second) != nil {
		t.Error("zero bucket size should disable throttling")
	}
}
