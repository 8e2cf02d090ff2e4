package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharedcode/otaflux"
)

type fakeMetrics struct {
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
	lastSz int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{hits: map[string]int{}, misses: map[string]int{}}
}
func (m *fakeMetrics) IncCacheHit(deviceId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[deviceId]++
}
func (m *fakeMetrics) IncCacheMiss(deviceId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[deviceId]++
}
func (m *fakeMetrics) SetCacheEntries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSz = n
}

// fakeGateway lets tests script tags/digests/blobs per call and count
// FetchBlob invocations, with an optional artificial delay to simulate the
// thundering-herd scenario.
type fakeGateway struct {
	mu         sync.Mutex
	tags       []string
	digestOf   map[string]string
	blobOf     map[string][]byte
	fetchDelay time.Duration
	fetchCalls int32
	listErr    error

	// onFetchStart/onFetchEnd, when set, bracket the delay window of each
	// FetchBlob call, letting tests observe how many run concurrently.
	onFetchStart func()
	onFetchEnd   func()
}

func (g *fakeGateway) ListTags(ctx context.Context, deviceId string) ([]string, error) {
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.tags, nil
}

func (g *fakeGateway) FetchManifestDigest(ctx context.Context, deviceId, tag string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.digestOf[tag], nil
}

func (g *fakeGateway) FetchBlob(ctx context.Context, deviceId, tag string) ([]byte, string, error) {
	atomic.AddInt32(&g.fetchCalls, 1)
	if g.onFetchStart != nil {
		g.onFetchStart()
	}
	if g.fetchDelay > 0 {
		select {
		case <-time.After(g.fetchDelay):
		case <-ctx.Done():
			if g.onFetchEnd != nil {
				g.onFetchEnd()
			}
			return nil, "", ctx.Err()
		}
	}
	if g.onFetchEnd != nil {
		g.onFetchEnd()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blobOf[tag], g.digestOf[tag], nil
}

func TestGetFirmware_BasicMissThenHit(t *testing.T) {
	gw := &fakeGateway{
		tags:     []string{"1.0.0"},
		digestOf: map[string]string{"1.0.0": "sha256:a"},
		blobOf:   map[string][]byte{"1.0.0": []byte("abc")},
	}
	m := newFakeMetrics()
	o, err := New(gw, m, 10, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := o.GetFirmware(context.Background(), "d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Size != 3 || first.CRC != crc32.ChecksumIEEE([]byte("abc")) {
		t.Fatalf("record mismatch: %+v", first)
	}

	second, err := o.GetFirmware(context.Background(), "d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Fatalf("expected the byte-identical cached record, got a different instance")
	}
	if m.hits["d"] != 1 {
		t.Fatalf("expected exactly one cache hit, got %d", m.hits["d"])
	}
	if atomic.LoadInt32(&gw.fetchCalls) != 1 {
		t.Fatalf("expected exactly one FetchBlob call, got %d", gw.fetchCalls)
	}
}

func TestGetFirmware_NonSemverTagsIgnored(t *testing.T) {
	gw := &fakeGateway{
		tags:     []string{"latest", "1.0.0"},
		digestOf: map[string]string{"1.0.0": "sha256:a"},
		blobOf:   map[string][]byte{"1.0.0": []byte("x")},
	}
	o, _ := New(gw, newFakeMetrics(), 10, 0, 0)
	rec, err := o.GetFirmware(context.Background(), "d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Version.String() != "1.0.0" {
		t.Fatalf("expected version 1.0.0, got %s", rec.Version.String())
	}
}

func TestGetFirmware_ThunderingHerd(t *testing.T) {
	gw := &fakeGateway{
		tags:       []string{"1.0.0"},
		digestOf:   map[string]string{"1.0.0": "sha256:a"},
		blobOf:     map[string][]byte{"1.0.0": []byte("payload")},
		fetchDelay: 50 * time.Millisecond,
	}
	o, _ := New(gw, newFakeMetrics(), 10, 0, 0)

	const n = 10
	results := make([]*otaflux.FirmwareRecord, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.GetFirmware(context.Background(), "d")
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("call %d: unexpected error %v", i, errs[i])
		}
		if string(results[i].Binary) != "payload" {
			t.Fatalf("call %d: unexpected bytes %q", i, results[i].Binary)
		}
	}
	if got := atomic.LoadInt32(&gw.fetchCalls); got != 1 {
		t.Fatalf("expected exactly 1 FetchBlob call across %d concurrent callers, got %d", n, got)
	}
}

func TestGetFirmware_RebuildDetection(t *testing.T) {
	gw := &fakeGateway{
		tags:     []string{"1.0.0"},
		digestOf: map[string]string{"1.0.0": "sha256:A"},
		blobOf:   map[string][]byte{"1.0.0": []byte("X")},
	}
	o, _ := New(gw, newFakeMetrics(), 10, 0, 0)

	first, err := o.GetFirmware(context.Background(), "d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ManifestDigest != "sha256:A" {
		t.Fatalf("unexpected digest: %s", first.ManifestDigest)
	}

	// Registry rebuilds the same tag under a new digest.
	gw.mu.Lock()
	gw.digestOf["1.0.0"] = "sha256:B"
	gw.blobOf["1.0.0"] = []byte("Y")
	gw.mu.Unlock()

	second, err := o.GetFirmware(context.Background(), "d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ManifestDigest != "sha256:B" || string(second.Binary) != "Y" {
		t.Fatalf("expected rebuild to be detected, got digest=%s binary=%q", second.ManifestDigest, second.Binary)
	}
}

func TestGetFirmware_ResolveErrorPropagates(t *testing.T) {
	gw := &fakeGateway{listErr: errors.New("registry down")}
	o, _ := New(gw, newFakeMetrics(), 10, 0, 0)
	_, err := o.GetFirmware(context.Background(), "d")
	if !errors.Is(err, otaflux.ErrUpstreamError) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
}

func TestGetFirmware_EmptyDeviceID(t *testing.T) {
	gw := &fakeGateway{}
	o, _ := New(gw, newFakeMetrics(), 10, 0, 0)
	_, err := o.GetFirmware(context.Background(), "")
	if !errors.Is(err, otaflux.ErrNotFound) {
		t.Fatalf("expected NotFound for an empty device id, got %v", err)
	}
}

func TestGetFirmware_FailedFetchLeavesCacheIntactAndReleases(t *testing.T) {
	gw := &fakeGateway{
		tags:     []string{"1.0.0"},
		digestOf: map[string]string{"1.0.0": "sha256:a"},
		blobOf:   map[string][]byte{"1.0.0": []byte("ok")},
	}
	o, _ := New(gw, newFakeMetrics(), 10, 0, 0)

	good, err := o.GetFirmware(context.Background(), "d")
	if err != nil {
		t.Fatalf("seed fetch failed: %v", err)
	}

	// Now force the next fetch to fail via a canceled context; version/digest
	// must change to force past the cache-hit fast path. The fake FetchBlob
	// only observes ctx while it waits out fetchDelay, so give it one.
	gw.mu.Lock()
	gw.digestOf["1.0.0"] = "sha256:b"
	gw.mu.Unlock()
	gw.fetchDelay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.GetFirmware(ctx, "d"); err == nil {
		t.Fatal("expected an error from the canceled fetch")
	}

	// The previous good record must still be retrievable by a fresh Peek,
	// i.e. the failed fetch did not poison the cache, and Claim/Release did
	// not leak (a subsequent call can become owner again).
	if rec := o.store.Peek("d"); rec != good {
		t.Fatalf("expected the prior record to remain cached after a failed fetch")
	}
	if !o.coord.Claim("d") {
		t.Fatal("expected Claim to succeed: a failed fetch must still Release")
	}
	o.coord.Release("d")
}

func TestGetFirmware_MaxConcurrentFetchesBoundsInFlightDownloads(t *testing.T) {
	// gw.fetchDelay holds each owner-path fetch open long enough to observe
	// concurrency; distinct device IDs mean each gets its own owner, so
	// without a bound all n fetches would run at once.
	gw := &fakeGateway{
		tags:       []string{"1.0.0"},
		digestOf:   map[string]string{"1.0.0": "sha256:a"},
		blobOf:     map[string][]byte{"1.0.0": []byte("payload")},
		fetchDelay: 30 * time.Millisecond,
	}
	const maxConcurrent = 2
	o, err := New(gw, newFakeMetrics(), 10, 0, maxConcurrent)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 6
	var inFlight, maxObserved int32
	gw.onFetchStart = func() {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxObserved)
			if cur <= m || atomic.CompareAndSwapInt32(&maxObserved, m, cur) {
				break
			}
		}
	}
	gw.onFetchEnd = func() { atomic.AddInt32(&inFlight, -1) }

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := o.GetFirmware(context.Background(), fmt.Sprintf("dev-%d", i)); err != nil {
				t.Errorf("dev-%d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxObserved); got > maxConcurrent {
		t.Fatalf("observed %d concurrent owner-path fetches, want at most %d", got, maxConcurrent)
	}
}

func TestGetFirmware_CacheNeverExceedsCapacity(t *testing.T) {
	gw := &fakeGateway{}
	o, _ := New(gw, newFakeMetrics(), 2, 0, 0)
	for i := 0; i < 10; i++ {
		tag := fmt.Sprintf("1.0.%d", i)
		gw.tags = []string{tag}
		gw.digestOf = map[string]string{tag: fmt.Sprintf("sha256:%d", i)}
		gw.blobOf = map[string][]byte{tag: []byte("x")}
		if _, err := o.GetFirmware(context.Background(), fmt.Sprintf("dev-%d", i)); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if o.store.Size() > 2 {
			t.Fatalf("cache size %d exceeds capacity 2 after iteration %d", o.store.Size(), i)
		}
	}
}
