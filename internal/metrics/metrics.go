package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Collector tracks cache engine metrics for Prometheus-compatible export
type Collector struct {
	mu sync.RWMutex

	// Per-layer counters, keyed by layer name
	hits        map[string]int64
	misses      map[string]int64
	evictions   map[string]int64
	expirations map[string]int64
	layerErrors map[string]int64 // key: layer|kind (get/set/delete/scan)
	authFails   map[string]int64

	// Per-layer gauges
	sizeBytes map[string]int64
	itemCount map[string]int64

	// Operation latencies, keyed by operation (get/set/delete/invalidate)
	opDurations map[string]*HistogramData
}

// HistogramData stores histogram-like data for durations
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		hits:        make(map[string]int64),
		misses:      make(map[string]int64),
		evictions:   make(map[string]int64),
		expirations: make(map[string]int64),
		layerErrors: make(map[string]int64),
		authFails:   make(map[string]int64),
		sizeBytes:   make(map[string]int64),
		itemCount:   make(map[string]int64),
		opDurations: make(map[string]*HistogramData),
	}
}

// RecordHit records a cache hit on a layer
func (c *Collector) RecordHit(layer string) {
	c.mu.Lock()
	c.hits[layer]++
	c.mu.Unlock()
}

// RecordMiss records a cache miss on a layer
func (c *Collector) RecordMiss(layer string) {
	c.mu.Lock()
	c.misses[layer]++
	c.mu.Unlock()
}

// RecordEviction records capacity evictions on a layer
func (c *Collector) RecordEviction(layer string, n int) {
	c.mu.Lock()
	c.evictions[layer] += int64(n)
	c.mu.Unlock()
}

// RecordExpiration records TTL expirations removed by a sweep or lazy read
func (c *Collector) RecordExpiration(layer string, n int) {
	c.mu.Lock()
	c.expirations[layer] += int64(n)
	c.mu.Unlock()
}

// RecordLayerError records a swallowed storage error on a layer
func (c *Collector) RecordLayerError(layer, op string) {
	c.mu.Lock()
	c.layerErrors[layer+"|"+op]++
	c.mu.Unlock()
}

// RecordAuthFailure records an authenticated-decryption failure on a layer
func (c *Collector) RecordAuthFailure(layer string) {
	c.mu.Lock()
	c.authFails[layer]++
	c.mu.Unlock()
}

// SetLayerSize sets the current byte size and item count gauges for a layer
func (c *Collector) SetLayerSize(layer string, bytes, items int64) {
	c.mu.Lock()
	c.sizeBytes[layer] = bytes
	c.itemCount[layer] = items
	c.mu.Unlock()
}

// RecordOperation records a completed manager-level operation
func (c *Collector) RecordOperation(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hd, ok := c.opDurations[op]
	if !ok {
		hd = &HistogramData{
			Buckets: make(map[float64]int64),
		}
		for _, b := range DefaultBuckets {
			hd.Buckets[b] = 0
		}
		c.opDurations[op] = hd
	}

	secs := duration.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// Snapshot holds a point-in-time copy of all counters
type Snapshot struct {
	Hits        map[string]int64 `json:"hits"`
	Misses      map[string]int64 `json:"misses"`
	Evictions   map[string]int64 `json:"evictions"`
	Expirations map[string]int64 `json:"expirations"`
	LayerErrors map[string]int64 `json:"layer_errors"`
	AuthFails   map[string]int64 `json:"auth_failures"`
	SizeBytes   map[string]int64 `json:"size_bytes"`
	ItemCount   map[string]int64 `json:"item_count"`
}

// Snapshot returns a point-in-time snapshot of all metrics
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{
		Hits:        make(map[string]int64, len(c.hits)),
		Misses:      make(map[string]int64, len(c.misses)),
		Evictions:   make(map[string]int64, len(c.evictions)),
		Expirations: make(map[string]int64, len(c.expirations)),
		LayerErrors: make(map[string]int64, len(c.layerErrors)),
		AuthFails:   make(map[string]int64, len(c.authFails)),
		SizeBytes:   make(map[string]int64, len(c.sizeBytes)),
		ItemCount:   make(map[string]int64, len(c.itemCount)),
	}

	for k, v := range c.hits {
		snap.Hits[k] = v
	}
	for k, v := range c.misses {
		snap.Misses[k] = v
	}
	for k, v := range c.evictions {
		snap.Evictions[k] = v
	}
	for k, v := range c.expirations {
		snap.Expirations[k] = v
	}
	for k, v := range c.layerErrors {
		snap.LayerErrors[k] = v
	}
	for k, v := range c.authFails {
		snap.AuthFails[k] = v
	}
	for k, v := range c.sizeBytes {
		snap.SizeBytes[k] = v
	}
	for k, v := range c.itemCount {
		snap.ItemCount[k] = v
	}

	return snap
}

// Reset zeroes every counter. Operator action only, never called implicitly.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hits = make(map[string]int64)
	c.misses = make(map[string]int64)
	c.evictions = make(map[string]int64)
	c.expirations = make(map[string]int64)
	c.layerErrors = make(map[string]int64)
	c.authFails = make(map[string]int64)
	c.opDurations = make(map[string]*HistogramData)
}

// WritePrometheus writes metrics in Prometheus text exposition format
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeHelp(w, "cascade_cache_hits_total", "Total cache hits per layer", "counter")
	for layer, count := range c.hits {
		writeMetric(w, "cascade_cache_hits_total", count, "layer", layer)
	}

	writeHelp(w, "cascade_cache_misses_total", "Total cache misses per layer", "counter")
	for layer, count := range c.misses {
		writeMetric(w, "cascade_cache_misses_total", count, "layer", layer)
	}

	writeHelp(w, "cascade_cache_evictions_total", "Total capacity evictions per layer", "counter")
	for layer, count := range c.evictions {
		writeMetric(w, "cascade_cache_evictions_total", count, "layer", layer)
	}

	writeHelp(w, "cascade_cache_expirations_total", "Total TTL expirations per layer", "counter")
	for layer, count := range c.expirations {
		writeMetric(w, "cascade_cache_expirations_total", count, "layer", layer)
	}

	writeHelp(w, "cascade_layer_errors_total", "Swallowed storage errors per layer and op", "counter")
	for key, count := range c.layerErrors {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "cascade_layer_errors_total", count,
				"layer", parts[0], "op", parts[1])
		}
	}

	writeHelp(w, "cascade_auth_failures_total", "Authenticated decryption failures per layer", "counter")
	for layer, count := range c.authFails {
		writeMetric(w, "cascade_auth_failures_total", count, "layer", layer)
	}

	writeHelp(w, "cascade_layer_size_bytes", "Current stored bytes per layer", "gauge")
	for layer, v := range c.sizeBytes {
		writeMetric(w, "cascade_layer_size_bytes", v, "layer", layer)
	}

	writeHelp(w, "cascade_layer_items", "Current item count per layer", "gauge")
	for layer, v := range c.itemCount {
		writeMetric(w, "cascade_layer_items", v, "layer", layer)
	}

	writeHelp(w, "cascade_operation_duration_seconds", "Manager operation duration in seconds", "histogram")
	for op, hd := range c.opDurations {
		for _, bound := range DefaultBuckets {
			cnt := hd.Buckets[bound]
			writeMetricFloat(w, "cascade_operation_duration_seconds_bucket", float64(cnt),
				"op", op, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "cascade_operation_duration_seconds_bucket", float64(hd.Count),
			"op", op, "le", "+Inf")
		writeMetricFloat(w, "cascade_operation_duration_seconds_sum", hd.Sum, "op", op)
		writeMetric(w, "cascade_operation_duration_seconds_count", hd.Count, "op", op)
	}
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
