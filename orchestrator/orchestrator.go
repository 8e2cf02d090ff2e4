// Package orchestrator implements the Fetch Orchestrator (C4): it composes
// the Resolver, Cache Store, and Single-Flight Coordinator into the public
// GetFirmware contract, deciding cache hit/miss and delegating to exactly
// one owning fetch per device ID.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sharedcode/otaflux"
	"github.com/sharedcode/otaflux/cache"
	"github.com/sharedcode/otaflux/coordinator"
	"github.com/sharedcode/otaflux/resolver"
)

// Orchestrator implements GetFirmware(deviceId) by composing the
// resolution, caching, and single-flight components.
type Orchestrator struct {
	gateway  otaflux.Gateway
	metrics  otaflux.MetricsSink
	resolver *resolver.Resolver
	store    *cache.Store
	coord    *coordinator.Coordinator
	tasks    *otaflux.TaskRunner

	// decisionMu is "the cache lock" referred to throughout the design:
	// it serializes the read-cache/decide-to-fetch-or-wait step so that a
	// waiter's Subscribe always happens before the lock is released,
	// never after — otherwise a completion broadcast between release and
	// subscribe could be missed.
	decisionMu sync.Mutex
}

// New constructs an Orchestrator. cacheCapacity must be strictly positive.
// negativeTTL configures the resolver's negative-resolution cache; zero
// disables it. maxConcurrentFetches bounds how many owner-path blob
// downloads may run at once fleet-wide; zero or negative means unbounded.
func New(gateway otaflux.Gateway, metrics otaflux.MetricsSink, cacheCapacity int, negativeTTL time.Duration, maxConcurrentFetches int) (*Orchestrator, error) {
	store, err := cache.NewStore(cacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		gateway:  gateway,
		metrics:  metrics,
		resolver: resolver.New(gateway, negativeTTL),
		store:    store,
		coord:    coordinator.New(),
		tasks:    otaflux.NewTaskRunner(maxConcurrentFetches),
	}, nil
}

// GetFirmware resolves deviceId to its latest firmware record, serving a
// cached copy when it is still current, otherwise fetching it exactly once
// even under concurrent overlapping calls.
func (o *Orchestrator) GetFirmware(ctx context.Context, deviceId string) (*otaflux.FirmwareRecord, error) {
	if deviceId == "" {
		return nil, otaflux.NewError(otaflux.NotFound, errors.New("device id must not be empty"))
	}

	resolved, err := o.resolver.ResolveLatest(ctx, deviceId)
	if err != nil {
		return nil, err
	}

	o.decisionMu.Lock()
	cached := o.store.Get(deviceId)
	if cached != nil && resolved.Version.Compare(cached.Version) <= 0 && resolved.Digest == cached.ManifestDigest {
		o.decisionMu.Unlock()
		o.metrics.IncCacheHit(deviceId)
		return cached, nil
	}

	owner := o.coord.Claim(deviceId)
	if owner {
		o.decisionMu.Unlock()
		o.metrics.IncCacheMiss(deviceId)
		return o.fetchAndInstall(ctx, deviceId, resolved)
	}

	// Not the owner: subscribe before releasing decisionMu so the owner's
	// Release cannot race ahead of us unobserved.
	sub := o.coord.Subscribe()
	o.decisionMu.Unlock()

	if err := o.coord.Wait(ctx, sub, deviceId); err != nil {
		return nil, err
	}
	if rec := o.store.Peek(deviceId); rec != nil {
		return rec, nil
	}
	log.Warn("firmware unavailable after waiting for in-flight fetch", "device_id", deviceId)
	return nil, otaflux.NewError(otaflux.InvariantError, fmt.Errorf("firmware unavailable after waiting for device %q", deviceId))
}

// fetchAndInstall runs the owner path: fetch the blob with no cache lock
// held, install the resulting record, and release the claim on every exit.
// The fetch itself runs through the shared TaskRunner, which bounds how
// many owner-path fetches may be in flight fleet-wide at once. Release
// runs under decisionMu so it cannot fall between a waiter's failed Claim
// and its Subscribe.
func (o *Orchestrator) fetchAndInstall(ctx context.Context, deviceId string, resolved *resolver.Resolution) (*otaflux.FirmwareRecord, error) {
	defer func() {
		o.decisionMu.Lock()
		o.coord.Release(deviceId)
		o.decisionMu.Unlock()
	}()

	var record *otaflux.FirmwareRecord
	err := o.tasks.Run(ctx, func() error {
		data, digest, err := o.gateway.FetchBlob(ctx, deviceId, resolved.Tag)
		if err != nil {
			return otaflux.NewError(otaflux.UpstreamError, fmt.Errorf("fetching blob for %q@%s: %w", deviceId, resolved.Tag, err))
		}
		record = otaflux.NewFirmwareRecord(resolved.Version, data, digest)
		o.store.Put(deviceId, record)
		o.metrics.SetCacheEntries(o.store.Size())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}
