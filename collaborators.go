package otaflux

import "context"

// Gateway is the registry collaborator the core consults to discover tags
// and fetch artifacts. Implementations own authentication, transport
// security, manifest-index traversal, and any signature verification; the
// core treats digests as opaque equality keys.
type Gateway interface {
	// ListTags returns every tag published for deviceId's repository.
	ListTags(ctx context.Context, deviceId string) ([]string, error)
	// FetchManifestDigest returns the current manifest digest for tag,
	// without downloading the blob.
	FetchManifestDigest(ctx context.Context, deviceId, tag string) (string, error)
	// FetchBlob downloads the artifact for tag and returns its bytes along
	// with the manifest digest observed at fetch time.
	FetchBlob(ctx context.Context, deviceId, tag string) (data []byte, manifestDigest string, err error)
}

// Notifier publishes a device update notification. Used only by the
// webhook path, never on the hot read path.
type Notifier interface {
	Publish(ctx context.Context, deviceId string, payload []byte) error
}

// MetricsSink records the orchestrator's normative metric surface.
type MetricsSink interface {
	IncCacheHit(deviceId string)
	IncCacheMiss(deviceId string)
	SetCacheEntries(n int)
}
