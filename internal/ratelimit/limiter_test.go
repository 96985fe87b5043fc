package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinWindow(t *testing.T) {
	limiter := NewLimiter(time.Second, 3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("conn-1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow("conn-1") {
		t.Fatal("4th request in the same window should be denied")
	}
}

func TestAllowAfterWindowReset(t *testing.T) {
	limiter := NewLimiter(50*time.Millisecond, 2)

	if !limiter.Allow("conn-1") || !limiter.Allow("conn-1") {
		t.Fatal("first two requests should be allowed")
	}
	if limiter.Allow("conn-1") {
		t.Fatal("third request in window should be denied")
	}

	time.Sleep(60 * time.Millisecond)

	if !limiter.Allow("conn-1") {
		t.Fatal("request after window reset should be allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(time.Second, 1)

	if !limiter.Allow("conn-1") {
		t.Fatal("first key should be allowed")
	}
	if !limiter.Allow("conn-2") {
		t.Fatal("second key has its own bucket")
	}
	if limiter.Allow("conn-1") {
		t.Fatal("first key should now be denied")
	}
}

func TestRemoveResetsBucket(t *testing.T) {
	limiter := NewLimiter(time.Second, 1)

	if !limiter.Allow("conn-1") {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow("conn-1") {
		t.Fatal("second request should be denied")
	}

	limiter.Remove("conn-1")

	if !limiter.Allow("conn-1") {
		t.Fatal("request after bucket removal should be allowed")
	}
}

func TestCleanupDropsIdleBuckets(t *testing.T) {
	limiter := NewLimiter(10*time.Millisecond, 5)

	limiter.Allow("idle")
	if limiter.Size() != 1 {
		t.Fatalf("expected 1 bucket, got %d", limiter.Size())
	}

	time.Sleep(60 * time.Millisecond)
	limiter.Cleanup()

	if limiter.Size() != 0 {
		t.Fatalf("expected idle bucket to be swept, got %d", limiter.Size())
	}
}

func TestConcurrentAllow(t *testing.T) {
	limiter := NewLimiter(time.Second, 100)

	done := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		go func() {
			done <- limiter.Allow("shared")
		}()
	}

	allowed := 0
	for i := 0; i < 200; i++ {
		if <-done {
			allowed++
		}
	}
	if allowed != 100 {
		t.Fatalf("expected exactly 100 allowed under contention, got %d", allowed)
	}
}
