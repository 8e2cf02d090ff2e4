package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestClaim_SecondCallerIsNotOwner(t *testing.T) {
	c := New()
	if !c.Claim("d1") {
		t.Fatal("first Claim should succeed as owner")
	}
	if c.Claim("d1") {
		t.Fatal("second concurrent Claim for the same id should not be owner")
	}
	if c.Claim("d2") != true {
		t.Fatal("Claim for a different id should succeed independently")
	}
}

func TestRelease_AllowsReclaim(t *testing.T) {
	c := New()
	c.Claim("d1")
	c.Release("d1")
	if !c.Claim("d1") {
		t.Fatal("expected to reclaim d1 after Release")
	}
}

func TestWait_WakesOnlyForMatchingID(t *testing.T) {
	c := New()
	c.Claim("d1")
	c.Claim("d2")

	sub := c.Subscribe()
	done := make(chan error, 1)
	go func() {
		done <- c.Wait(context.Background(), sub, "d2")
	}()

	// Release an unrelated id first; the waiter must not wake for it.
	c.Release("d1")
	select {
	case err := <-done:
		t.Fatalf("Wait woke early on an unrelated release, err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	c.Release("d2")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on matching release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake after the matching release")
	}
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	c := New()
	c.Claim("d1")
	sub := c.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Wait(ctx, sub, "d1") }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return promptly after cancellation")
	}
}

func TestSubscribeBeforeUnlock_NoMissedRelease(t *testing.T) {
	// Simulates the orchestrator's required ordering: subscribe while still
	// holding the cache lock, release the lock, only then call Release from
	// the owner. No wakeup may be lost even if Release races the Subscribe.
	c := New()
	c.Claim("d1")

	var wg sync.WaitGroup
	results := make([]error, 20)
	sub := c.Subscribe() // analogous to "subscribe before releasing the cache lock"

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Wait(context.Background(), sub, "d1")
		}(i)
	}

	c.Release("d1")
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("waiter %d: unexpected error %v", i, err)
		}
	}
}

func TestWait_SurvivesConcurrentReleasesForOtherDevices(t *testing.T) {
	// Regression test: a waiter for "d3" must not hang even when many other
	// devices are claimed and released concurrently around it, interleaving
	// arbitrarily with its own wakeups.
	c := New()
	c.Claim("d3")
	sub := c.Subscribe()

	done := make(chan error, 1)
	go func() {
		done <- c.Wait(context.Background(), sub, "d3")
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "other"
			if i%2 == 0 {
				id = "other2"
			}
			if c.Claim(id) {
				c.Release(id)
			}
		}(i)
	}
	wg.Wait()

	// Only now release the device the waiter actually cares about.
	c.Release("d3")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on matching release, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait hung despite concurrent releases for unrelated devices")
	}
}

func TestClaimReleaseLiveness_NoStuckInFlight(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Claim("d") {
				defer c.Release("d")
			}
		}()
	}
	wg.Wait()
	if !c.Claim("d") {
		t.Fatal("expected d to be reclaimable: an in-flight entry leaked")
	}
}
