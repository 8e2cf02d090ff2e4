// Package coordinator implements the Single-Flight Coordinator (C3): it
// ensures at most one fetch is in flight per device ID and wakes every
// duplicate caller once that fetch completes, via a broadcast channel of
// completion identifiers as described for the resolution subsystem's
// thundering-herd mitigation.
package coordinator

import (
	"context"
	"sync"
)

// broadcast is one generation of the completion signal. deviceId is written
// at most once, by the single Release that closes ch, strictly before the
// close: every waiter that observes ch closed therefore observes a fully
// set deviceId too (the channel close happens-after the write, and a
// receive from a closed channel happens-after the close). This keeps the
// device ID that identifies a completion tied to the exact generation that
// announced it, rather than a field any later, unrelated Release could
// overwrite. next is written by the same Release, also before the close,
// and points at the generation that Release installed as current, so a
// waiter can walk every later generation in order without skipping one.
type broadcast struct {
	ch       chan struct{}
	deviceId string
	next     *broadcast
}

// Coordinator tracks in-flight device IDs and broadcasts their completion.
type Coordinator struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
	current  *broadcast
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		inFlight: make(map[string]struct{}),
		current:  &broadcast{ch: make(chan struct{})},
	}
}

// Claim atomically marks deviceId in-flight and reports whether the caller
// became the owner (true) or must wait for an already-owning caller (false).
func (c *Coordinator) Claim(deviceId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[deviceId]; ok {
		return false
	}
	c.inFlight[deviceId] = struct{}{}
	return true
}

// Release removes deviceId from the in-flight set and broadcasts its
// completion to every current subscriber. It is idempotent and must run on
// every exit path of the owning fetch, success or failure.
func (c *Coordinator) Release(deviceId string) {
	c.mu.Lock()
	delete(c.inFlight, deviceId)
	closing := c.current
	closing.deviceId = deviceId
	closing.next = &broadcast{ch: make(chan struct{})}
	c.current = closing.next
	c.mu.Unlock()
	close(closing.ch)
}

// Subscription is a snapshot of the coordinator's current broadcast
// generation, taken by Subscribe.
type Subscription struct {
	b *broadcast
}

// Subscribe must be called while still holding the cache lock that decided
// to wait, so that no Release between the decision and the Subscribe call
// can be missed: the returned Subscription already points at the
// generation that the next Release will close.
func (c *Coordinator) Subscribe() Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Subscription{b: c.current}
}

// Wait blocks until a completion broadcast naming deviceId is observed, or
// ctx is done. Broadcasts for other device IDs do not wake the caller
// early with a false match; the wait loops until its own ID fires.
func (c *Coordinator) Wait(ctx context.Context, sub Subscription, deviceId string) error {
	for {
		select {
		case <-sub.b.ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		if sub.b.deviceId == deviceId {
			return nil
		}
		sub = Subscription{b: sub.b.next}
	}
}
