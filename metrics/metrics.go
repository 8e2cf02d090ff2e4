// Package metrics implements the core's MetricsSink via
// github.com/prometheus/client_golang, exposing the normative counter and
// gauge names the orchestrator records against.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is a prometheus-backed otaflux.MetricsSink.
type Sink struct {
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheEntries prometheus.Gauge
}

// New registers the firmware_cache_* metrics against registerer and
// returns a Sink backed by them.
func New(registerer prometheus.Registerer) *Sink {
	s := &Sink{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firmware_cache_hit_total",
			Help: "Number of GetFirmware calls served from the cache without a registry fetch.",
		}, []string{"device_id"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firmware_cache_miss_total",
			Help: "Number of GetFirmware calls that triggered a registry fetch.",
		}, []string{"device_id"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firmware_cache_entries",
			Help: "Current number of entries held in the firmware cache.",
		}),
	}
	registerer.MustRegister(s.cacheHits, s.cacheMisses, s.cacheEntries)
	return s
}

func (s *Sink) IncCacheHit(deviceId string) {
	s.cacheHits.WithLabelValues(deviceId).Inc()
}

func (s *Sink) IncCacheMiss(deviceId string) {
	s.cacheMisses.WithLabelValues(deviceId).Inc()
}

func (s *Sink) SetCacheEntries(n int) {
	s.cacheEntries.Set(float64(n))
}
