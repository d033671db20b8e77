package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(Config{
		GlobalRate:  100,
		GlobalBurst: 200,
		Endpoints: map[string]Limits{
			"pricing": {RatePerSecond: 50, Burst: 100},
			"orders":  {RatePerSecond: 2, Burst: 2},
		},
		Critical: []string{"emergency_close"},
	})
}

func TestCheckRateLimitAllowed(t *testing.T) {
	m := newTestManager()
	d := m.CheckRateLimit("pricing", 1, "client-1", false)
	assert.True(t, d.Allowed())
	assert.Equal(t, ResultAllowed, d.Result)
	assert.Equal(t, "pricing", d.Endpoint)
}

func TestCheckRateLimitEndpointExhausted(t *testing.T) {
	m := newTestManager()

	// The orders bucket holds two tokens; the third request must be rejected
	// and attributed to the endpoint, not the global bucket.
	require.True(t, m.CheckRateLimit("orders", 1, "", false).Allowed())
	require.True(t, m.CheckRateLimit("orders", 1, "", false).Allowed())

	d := m.CheckRateLimit("orders", 1, "", false)
	assert.False(t, d.Allowed())
	assert.Equal(t, "orders", d.Endpoint)
}

func TestCheckRateLimitGlobalFirst(t *testing.T) {
	m := NewManager(Config{GlobalRate: 1, GlobalBurst: 1})
	require.True(t, m.CheckRateLimit("pricing", 1, "", false).Allowed())

	d := m.CheckRateLimit("pricing", 1, "", false)
	assert.False(t, d.Allowed())
	assert.Equal(t, "global", d.Endpoint, "global rejection must win before the endpoint bucket is consulted")
}

func TestCriticalBypass(t *testing.T) {
	m := newTestManager()

	// Exhaust the global bucket entirely.
	m.global.Acquire(context.Background(), 200, false)

	d := m.CheckRateLimit("emergency_close", 1, "risk", true)
	assert.True(t, d.Allowed())
	assert.Equal(t, "critical_bypass", d.Reason)

	// The flag alone is not enough; the endpoint must be registered critical.
	d = m.CheckRateLimit("orders", 1, "risk", true)
	assert.False(t, d.Allowed())
}

func TestAcquireWithWaitEventuallySucceeds(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	// Drain orders (2 tokens at 2/s), then a blocking acquire should succeed
	// within the wait budget.
	require.True(t, m.AcquireWithWait(ctx, "orders", 2, "", time.Second))
	ok := m.AcquireWithWait(ctx, "orders", 1, "", 2*time.Second)
	assert.True(t, ok)
}

func TestAcquireWithWaitTimeout(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	require.True(t, m.AcquireWithWait(ctx, "orders", 2, "", time.Second))
	// Refilling one token takes 500ms; a 50ms budget cannot cover it.
	ok := m.AcquireWithWait(ctx, "orders", 1, "", 50*time.Millisecond)
	assert.False(t, ok)
}

func TestUnknownEndpointGetsDefaultBucket(t *testing.T) {
	m := newTestManager()
	d := m.CheckRateLimit("instruments", 1, "", false)
	assert.True(t, d.Allowed())

	status := m.AllStatus()
	st, ok := status["instruments"]
	require.True(t, ok, "bucket should be created lazily")
	assert.Equal(t, defaultLimits.RatePerSecond, st.RatePerSecond)
	assert.Equal(t, defaultLimits.Burst, st.BurstCapacity)
}

func TestResetLimiter(t *testing.T) {
	m := newTestManager()
	require.True(t, m.CheckRateLimit("orders", 2, "", false).Allowed())
	assert.False(t, m.CheckRateLimit("orders", 1, "", false).Allowed())

	m.ResetLimiter("orders")
	assert.True(t, m.CheckRateLimit("orders", 1, "", false).Allowed())

	m.global.Acquire(context.Background(), 200, false)
	m.ResetLimiter("global")
	assert.True(t, m.CheckRateLimit("pricing", 1, "", false).Allowed())
}

func TestAddEndpointLimiter(t *testing.T) {
	m := newTestManager()
	m.AddEndpointLimiter("reports", 1, 1)

	assert.True(t, m.CheckRateLimit("reports", 1, "", false).Allowed())
	assert.False(t, m.CheckRateLimit("reports", 1, "", false).Allowed())
}

func TestEventsRecorded(t *testing.T) {
	m := newTestManager()
	m.CheckRateLimit("pricing", 1, "client-7", false)
	m.CheckRateLimit("orders", 5, "client-7", false) // exceeds burst, rejected

	events := m.RecentEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "pricing", events[0].Endpoint)
	assert.Equal(t, ResultAllowed, events[0].Result)
	assert.Equal(t, "client-7", events[0].ClientID)
	assert.Equal(t, ResultRateLimited, events[1].Result)
}

func TestAllMetricsIncludesGlobal(t *testing.T) {
	m := newTestManager()
	m.CheckRateLimit("pricing", 1, "", false)

	metrics := m.AllMetrics()
	require.Contains(t, metrics, "global")
	require.Contains(t, metrics, "pricing")
	assert.Equal(t, int64(1), metrics["global"].TotalRequests)
	assert.Equal(t, int64(1), metrics["pricing"].TotalRequests)
}
