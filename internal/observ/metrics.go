package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	k := canonLabels(labels)
	m[k] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	k := canonLabels(labels)
	m[k] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// RecordDuration records a duration metric
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Basic text/JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus summarizes the resilience layer for dashboards
type HealthStatus struct {
	Status    string        `json:"status"`    // "healthy", "degraded", "failed"
	Timestamp string        `json:"timestamp"` // ISO 8601
	Uptime    string        `json:"uptime"`    // Duration since start
	Version   string        `json:"version"`   // Build version
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics holds the key signals a health probe cares about
type HealthMetrics struct {
	DegradationLevel    float64 `json:"degradation_level"`     // 0 = none .. 4 = emergency
	CacheHitRate        float64 `json:"cache_hit_rate"`        // hits / (hits + misses)
	RateLimitedTotal    int64   `json:"rate_limited_total"`    // rejected acquisitions
	RequestsTotal       int64   `json:"requests_total"`        // acquisitions attempted
	QueueUtilizationPct float64 `json:"queue_utilization_pct"` // request queue fill
	ServicesUnavailable int64   `json:"services_unavailable"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler reports overall resilience health derived from live telemetry
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		metrics := calculateHealthMetrics()

		status := "healthy"
		switch {
		case metrics.DegradationLevel >= 3: // read-only or worse
			status = "failed"
		case metrics.DegradationLevel >= 1 || metrics.ServicesUnavailable > 0:
			status = "degraded"
		}

		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   metrics,
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent // 206
		case "failed":
			statusCode = http.StatusServiceUnavailable // 503
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// calculateHealthMetrics computes key signals from raw telemetry; caller holds reg.mu
func calculateHealthMetrics() HealthMetrics {
	metrics := HealthMetrics{}

	if levels, exists := reg.gauges["degradation_level"]; exists {
		for _, v := range levels {
			metrics.DegradationLevel = v
			break
		}
	}

	var hits, misses int64
	if m, exists := reg.counters["cache_hits_total"]; exists {
		for _, c := range m {
			hits += c
		}
	}
	if m, exists := reg.counters["cache_misses_total"]; exists {
		for _, c := range m {
			misses += c
		}
	}
	if hits+misses > 0 {
		metrics.CacheHitRate = float64(hits) / float64(hits+misses)
	}

	if m, exists := reg.counters["rate_limit_requests_total"]; exists {
		for _, c := range m {
			metrics.RequestsTotal += c
		}
	}
	if m, exists := reg.counters["rate_limited_total"]; exists {
		for _, c := range m {
			metrics.RateLimitedTotal += c
		}
	}

	if m, exists := reg.gauges["request_queue_utilization_pct"]; exists {
		for _, v := range m {
			metrics.QueueUtilizationPct = v
			break
		}
	}

	if m, exists := reg.gauges["service_health"]; exists {
		for _, v := range m {
			if v == 0 { // 0 = unavailable, 0.5 = degraded, 1 = healthy
				metrics.ServicesUnavailable++
			}
		}
	}

	return metrics
}

// Simple health handler (legacy)
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
