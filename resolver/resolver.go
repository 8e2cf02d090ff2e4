// Package resolver implements the Resolver (C1): given a device ID, it
// consults the registry for the highest semantically-versioned tag and
// that tag's current manifest digest. It performs no caching of firmware
// bytes and never downloads a blob.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	gocache "github.com/patrickmn/go-cache"

	"github.com/sharedcode/otaflux"
)

// Resolution is the outcome of a successful ResolveLatest call.
type Resolution struct {
	Tag     string
	Version *semver.Version
	Digest  string
}

// Resolver selects the latest semver tag for a device and its manifest digest.
type Resolver struct {
	gateway otaflux.Gateway

	// negative short-circuits repeat lookups for devices that had no
	// parsable tag on the last check, sparing the registry a redundant
	// ListTags call within the TTL window. It does not change the
	// contract: a hit still returns NotFound, exactly as a fresh upstream
	// call would have (see the supplemented feature note in the design).
	negative *gocache.Cache
}

// New constructs a Resolver. negativeTTL of zero disables the negative
// cache entirely (every call hits the registry).
func New(gateway otaflux.Gateway, negativeTTL time.Duration) *Resolver {
	var neg *gocache.Cache
	if negativeTTL > 0 {
		neg = gocache.New(negativeTTL, 2*negativeTTL)
	}
	return &Resolver{gateway: gateway, negative: neg}
}

// ResolveLatest returns the highest parsable semver tag for deviceId and
// its manifest digest, or a NotFound/UpstreamError *otaflux.Error.
func (r *Resolver) ResolveLatest(ctx context.Context, deviceId string) (*Resolution, error) {
	if r.negative != nil {
		if _, hit := r.negative.Get(deviceId); hit {
			return nil, otaflux.NewError(otaflux.NotFound, fmt.Errorf("no semver tag for device %q", deviceId))
		}
	}

	tags, err := r.gateway.ListTags(ctx, deviceId)
	if err != nil {
		return nil, otaflux.NewError(otaflux.UpstreamError, fmt.Errorf("listing tags for %q: %w", deviceId, err))
	}

	var bestTag string
	var best *semver.Version
	for _, tag := range tags {
		v, parseErr := semver.NewVersion(tag)
		if parseErr != nil {
			continue
		}
		if best == nil || v.Compare(best) > 0 {
			best = v
			bestTag = tag
		}
	}
	if best == nil {
		if r.negative != nil {
			r.negative.SetDefault(deviceId, struct{}{})
		}
		return nil, otaflux.NewError(otaflux.NotFound, fmt.Errorf("no semver tag for device %q among %d tags", deviceId, len(tags)))
	}

	digest, err := r.gateway.FetchManifestDigest(ctx, deviceId, bestTag)
	if err != nil {
		return nil, otaflux.NewError(otaflux.UpstreamError, fmt.Errorf("fetching manifest digest for %q@%s: %w", deviceId, bestTag, err))
	}
	if digest == "" {
		return nil, otaflux.NewError(otaflux.UpstreamError, errors.New("registry returned an empty manifest digest"))
	}

	return &Resolution{Tag: bestTag, Version: best, Digest: digest}, nil
}
