package observ

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestCanonLabels(t *testing.T) {
	cases := []struct {
		in   map[string]string
		want string
	}{
		{nil, ""},
		{map[string]string{}, ""},
		{map[string]string{"a": "1"}, "a=1"},
		{map[string]string{"b": "2", "a": "1"}, "a=1,b=2"},
	}
	for _, tc := range cases {
		if got := canonLabels(tc.in); got != tc.want {
			t.Errorf("canonLabels(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCountersAndGauges(t *testing.T) {
	IncCounter("test_total", map[string]string{"bucket": "pricing"})
	IncCounterBy("test_total", map[string]string{"bucket": "pricing"}, 2)
	SetGauge("test_gauge", 42, nil)

	reg.mu.Lock()
	count := reg.counters["test_total"]["bucket=pricing"]
	gauge := reg.gauges["test_gauge"][""]
	reg.mu.Unlock()

	if count != 3 {
		t.Errorf("counter = %d, want 3", count)
	}
	if gauge != 42 {
		t.Errorf("gauge = %v, want 42", gauge)
	}
}

func TestHealthHandlerReflectsDegradation(t *testing.T) {
	SetGauge("degradation_level", 0, nil)
	SetGauge("service_health", 1, map[string]string{"service": "oanda_api"})

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("healthy system returned %d", rec.Code)
	}

	var hs HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &hs); err != nil {
		t.Fatal(err)
	}
	if hs.Status != "healthy" {
		t.Errorf("status = %q", hs.Status)
	}

	// Escalate to read_only: the probe must report failed with a 503.
	SetGauge("degradation_level", 3, nil)
	rec = httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 503 {
		t.Errorf("read_only system returned %d, want 503", rec.Code)
	}

	// Partial trouble: one unavailable service means degraded, 206.
	SetGauge("degradation_level", 0, nil)
	SetGauge("service_health", 0, map[string]string{"service": "oanda_api"})
	rec = httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 206 {
		t.Errorf("degraded system returned %d, want 206", rec.Code)
	}
	SetGauge("service_health", 1, map[string]string{"service": "oanda_api"})
}
