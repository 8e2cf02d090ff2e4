// Package otaflux defines the core types, error taxonomy, and shared
// helpers used across the otaflux codebase. The firmware resolution and
// caching subsystem itself lives in the cache, coordinator, resolver, and
// orchestrator subpackages; this package holds what they all depend on.
package otaflux

// Suspension model
//
// otaflux's hot path (orchestrator.GetFirmware) suspends only at I/O calls
// to external collaborators (Gateway methods, and on the webhook path only
// Notifier.Publish), the coordinator's broadcast Wait, and, when fetches
// are bounded, the TaskRunner's wait for a free slot. The
// cache mutex is a short, CPU-only critical section and is never held
// across any of those suspension points. Cancellation is threaded through
// via context.Context on every blocking call.
