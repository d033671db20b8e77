package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Rajchodisetti/broker-resilience/internal/observ"
)

// Result classifies the outcome of a token acquisition
type Result string

const (
	ResultAllowed     Result = "allowed"      // tokens granted immediately
	ResultRateLimited Result = "rate_limited" // rejected, no tokens consumed
	ResultQueued      Result = "queued"       // granted after a computed wait
)

// maxSleepIncrement bounds each sleep so cancellation stays responsive
const maxSleepIncrement = 100 * time.Millisecond

// TokenBucket is a leaky-bucket limiter with continuous refill and
// fractional tokens. Token arithmetic is confined to the mutex; waits
// always happen outside it so one caller's wait never blocks another.
type TokenBucket struct {
	mu            sync.Mutex
	name          string
	ratePerSecond float64
	burstCapacity float64
	tokens        float64
	lastRefill    time.Time

	// Metrics (guarded by mu)
	totalRequests int64
	allowedCount  int64
	limitedCount  int64
	queuedCount   int64
	waitedCount   int64
	totalWait     time.Duration
	maxWait       time.Duration
	recent        []time.Time // request timestamps inside a sliding 1s window
}

// Status is a point-in-time snapshot of bucket capacity
type Status struct {
	Name           string  `json:"name"`
	RatePerSecond  float64 `json:"rate_per_second"`
	BurstCapacity  float64 `json:"burst_capacity"`
	Tokens         float64 `json:"tokens"`
	UtilizationPct float64 `json:"utilization_pct"` // share of burst currently consumed
}

// Metrics aggregates acquisition outcomes since creation (or last reset)
type Metrics struct {
	TotalRequests     int64   `json:"total_requests"`
	Allowed           int64   `json:"allowed"`
	RateLimited       int64   `json:"rate_limited"`
	Queued            int64   `json:"queued"`
	AvgWaitMs         float64 `json:"avg_wait_ms"` // over waited requests only
	MaxWaitMs         float64 `json:"max_wait_ms"`
	RequestsPerSecond float64 `json:"requests_per_second"`
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(name string, ratePerSecond, burstCapacity float64) *TokenBucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burstCapacity <= 0 {
		burstCapacity = ratePerSecond
	}
	return &TokenBucket{
		name:          name,
		ratePerSecond: ratePerSecond,
		burstCapacity: burstCapacity,
		tokens:        burstCapacity,
		lastRefill:    time.Now(),
	}
}

// Acquire tries to take tokens from the bucket. With waitIfNeeded it
// reserves what is available, sleeps once for the computed deficit, and
// retries; the retry can still lose the refill to a concurrent caller, in
// which case the reservation is returned and the request is rate limited.
// Reserving up front is what lets a request larger than the burst capacity
// succeed after a proportional wait.
func (tb *TokenBucket) Acquire(ctx context.Context, tokens float64, waitIfNeeded bool) Result {
	now := time.Now()

	tb.mu.Lock()
	tb.noteRequestLocked(now)
	tb.refillLocked(now)

	if tb.tokens >= tokens {
		tb.tokens -= tokens
		tb.allowedCount++
		tb.mu.Unlock()
		return ResultAllowed
	}

	if !waitIfNeeded {
		tb.limitedCount++
		tb.mu.Unlock()
		observ.IncCounter("rate_limited_total", map[string]string{"bucket": tb.name})
		return ResultRateLimited
	}

	reserved := tb.tokens
	missing := tokens - reserved
	tb.tokens = 0
	wait := time.Duration(missing / tb.ratePerSecond * float64(time.Second))
	tb.mu.Unlock()

	start := time.Now()
	if !sleepCtx(ctx, wait) {
		tb.refund(reserved)
		tb.mu.Lock()
		tb.limitedCount++
		tb.mu.Unlock()
		observ.IncCounter("rate_limited_total", map[string]string{"bucket": tb.name})
		return ResultRateLimited
	}

	tb.mu.Lock()
	tb.refillLocked(time.Now())
	if tb.tokens >= missing {
		tb.tokens -= missing
		tb.queuedCount++
		tb.recordWaitLocked(time.Since(start))
		tb.mu.Unlock()
		return ResultQueued
	}
	// A concurrent caller drained the refill during our sleep; give the
	// reservation back.
	tb.tokens += reserved
	if tb.tokens > tb.burstCapacity {
		tb.tokens = tb.burstCapacity
	}
	tb.limitedCount++
	tb.mu.Unlock()
	observ.IncCounter("rate_limited_total", map[string]string{"bucket": tb.name})
	return ResultRateLimited
}

// WaitForTokens blocks until the requested tokens have been consumed or ctx
// expires. Available tokens are consumed incrementally each iteration, so
// requests larger than the burst capacity complete once enough refill has
// accrued. Sleeps are bounded increments so cancellation stays responsive;
// a ctx error means the deadline passed, which callers treat as a normal
// rate-limit outcome, not a fault. Returns the total time waited.
func (tb *TokenBucket) WaitForTokens(ctx context.Context, tokens float64) (time.Duration, error) {
	start := time.Now()
	remaining := tokens
	slept := false

	tb.mu.Lock()
	tb.noteRequestLocked(start)
	tb.mu.Unlock()

	for {
		tb.mu.Lock()
		tb.refillLocked(time.Now())
		take := tb.tokens
		if take > remaining {
			take = remaining
		}
		tb.tokens -= take
		remaining -= take
		if remaining <= 0 {
			if slept {
				tb.queuedCount++
				tb.recordWaitLocked(time.Since(start))
			} else {
				tb.allowedCount++
			}
			tb.mu.Unlock()
			return time.Since(start), nil
		}
		wait := time.Duration(remaining / tb.ratePerSecond * float64(time.Second))
		tb.mu.Unlock()

		if wait > maxSleepIncrement {
			wait = maxSleepIncrement
		}
		slept = true
		if !sleepCtx(ctx, wait) {
			tb.refund(tokens - remaining)
			tb.mu.Lock()
			tb.limitedCount++
			tb.mu.Unlock()
			observ.IncCounter("rate_limited_total", map[string]string{"bucket": tb.name})
			return time.Since(start), ctx.Err()
		}
	}
}

// refund returns tokens consumed by an abandoned wait, capped at burst.
func (tb *TokenBucket) refund(tokens float64) {
	if tokens <= 0 {
		return
	}
	tb.mu.Lock()
	tb.tokens += tokens
	if tb.tokens > tb.burstCapacity {
		tb.tokens = tb.burstCapacity
	}
	tb.mu.Unlock()
}

// Reset refills the bucket and clears its metrics.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = tb.burstCapacity
	tb.lastRefill = time.Now()
	tb.totalRequests = 0
	tb.allowedCount = 0
	tb.limitedCount = 0
	tb.queuedCount = 0
	tb.waitedCount = 0
	tb.totalWait = 0
	tb.maxWait = 0
	tb.recent = nil
}

// Status refreshes the token count and reports capacity.
func (tb *TokenBucket) Status() Status {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	return Status{
		Name:           tb.name,
		RatePerSecond:  tb.ratePerSecond,
		BurstCapacity:  tb.burstCapacity,
		Tokens:         tb.tokens,
		UtilizationPct: (tb.burstCapacity - tb.tokens) / tb.burstCapacity * 100,
	}
}

// Metrics reports acquisition counters and the sliding-window request rate.
func (tb *TokenBucket) Metrics() Metrics {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.pruneRecentLocked(time.Now())

	m := Metrics{
		TotalRequests:     tb.totalRequests,
		Allowed:           tb.allowedCount,
		RateLimited:       tb.limitedCount,
		Queued:            tb.queuedCount,
		MaxWaitMs:         float64(tb.maxWait.Milliseconds()),
		RequestsPerSecond: float64(len(tb.recent)),
	}
	if tb.waitedCount > 0 {
		m.AvgWaitMs = float64(tb.totalWait.Milliseconds()) / float64(tb.waitedCount)
	}
	return m
}

// refillLocked adds elapsed*rate tokens capped at burst; caller holds mu
func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.ratePerSecond
	if tb.tokens > tb.burstCapacity {
		tb.tokens = tb.burstCapacity
	}
	tb.lastRefill = now
}

func (tb *TokenBucket) noteRequestLocked(now time.Time) {
	tb.totalRequests++
	tb.recent = append(tb.recent, now)
	tb.pruneRecentLocked(now)
	observ.IncCounter("rate_limit_requests_total", map[string]string{"bucket": tb.name})
}

func (tb *TokenBucket) pruneRecentLocked(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(tb.recent) && !tb.recent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		tb.recent = tb.recent[i:]
	}
}

func (tb *TokenBucket) recordWaitLocked(d time.Duration) {
	tb.waitedCount++
	tb.totalWait += d
	if d > tb.maxWait {
		tb.maxWait = d
	}
}

// sleepCtx sleeps for d or until ctx is done; returns false on cancellation
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
