package broker

import (
	"context"
	"strings"
	"time"

	"github.com/Rajchodisetti/broker-resilience/internal/degrade"
	"github.com/Rajchodisetti/broker-resilience/internal/ratelimit"
)

// ResilientClient routes every broker call through the rate-limit manager
// and the degradation manager. Collaborators hold this instead of the raw
// client; the composition is explicit rather than hidden behind decorators.
type ResilientClient struct {
	api      Client
	degrade  *degrade.Manager
	limits   *ratelimit.Manager
	maxWait  time.Duration
	clientID string
}

// NewResilientClient wraps api. maxWait is the per-call budget for blocking
// rate-limit acquisition.
func NewResilientClient(api Client, dm *degrade.Manager, rl *ratelimit.Manager, maxWait time.Duration) *ResilientClient {
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	rc := &ResilientClient{
		api:     api,
		degrade: dm,
		limits:  rl,
		maxWait: maxWait,
	}
	dm.TrackService(dm.ServiceName())
	return rc
}

// SetClientID tags rate-limit audit events with a caller identity.
func (rc *ResilientClient) SetClientID(id string) {
	rc.clientID = id
}

// GetPrices fetches quotes, serving the last cached set if the broker is
// down and the degradation level still permits reads.
func (rc *ResilientClient) GetPrices(ctx context.Context, instruments []string) (map[string]Price, error) {
	if err := rc.acquire(ctx, "pricing", "get_prices"); err != nil {
		return nil, err
	}
	key := strings.Join(instruments, ",")
	v, err := rc.degrade.ExecuteWithFallback(ctx, "get_prices", func(ctx context.Context) (any, error) {
		return rc.api.GetPrices(ctx, instruments)
	}, nil, key)
	if err != nil {
		return nil, err
	}
	prices := v.(map[string]Price)
	rc.degrade.CacheData("pricing", key, prices, 0)
	return prices, nil
}

// GetAccountSummary fetches the account, falling back to the cached summary.
func (rc *ResilientClient) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	if err := rc.acquire(ctx, "accounts", "get_account"); err != nil {
		return nil, err
	}
	v, err := rc.degrade.ExecuteWithFallback(ctx, "get_account", func(ctx context.Context) (any, error) {
		return rc.api.GetAccountSummary(ctx)
	}, nil, "summary")
	if err != nil {
		return nil, err
	}
	acct := v.(*AccountSummary)
	rc.degrade.CacheData("account", "summary", acct, 0)
	return acct, nil
}

// GetOpenPositions fetches open positions with cached fallback.
func (rc *ResilientClient) GetOpenPositions(ctx context.Context) ([]Position, error) {
	if err := rc.acquire(ctx, "accounts", "get_positions"); err != nil {
		return nil, err
	}
	v, err := rc.degrade.ExecuteWithFallback(ctx, "get_positions", func(ctx context.Context) (any, error) {
		return rc.api.GetOpenPositions(ctx)
	}, nil, "open")
	if err != nil {
		return nil, err
	}
	positions := v.([]Position)
	rc.degrade.CacheData("positions", "open", positions, 0)
	return positions, nil
}

// PlaceOrder submits an order. No fallback and no cache: a write either
// reaches the broker or fails loudly.
func (rc *ResilientClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := rc.acquire(ctx, "orders", "place_order"); err != nil {
		return nil, err
	}
	v, err := rc.degrade.ExecuteWithFallback(ctx, "place_order", func(ctx context.Context) (any, error) {
		return rc.api.PlaceOrder(ctx, req)
	}, nil, "")
	if err != nil {
		return nil, err
	}
	return v.(*OrderResult), nil
}

// ClosePosition closes an open position through the normal gates.
func (rc *ResilientClient) ClosePosition(ctx context.Context, instrument string) (*OrderResult, error) {
	if err := rc.acquire(ctx, "orders", "close_position"); err != nil {
		return nil, err
	}
	v, err := rc.degrade.ExecuteWithFallback(ctx, "close_position", func(ctx context.Context) (any, error) {
		return rc.api.ClosePosition(ctx, instrument)
	}, nil, "")
	if err != nil {
		return nil, err
	}
	return v.(*OrderResult), nil
}

// ClosePositionEmergency closes a position on the critical path: it bypasses
// rate limiting and is permitted at every degradation level. Delaying a
// risk-reducing close is worse than briefly exceeding a limit.
func (rc *ResilientClient) ClosePositionEmergency(ctx context.Context, instrument string) (*OrderResult, error) {
	rc.limits.CheckRateLimit("emergency_close", 1, rc.clientID, true)
	v, err := rc.degrade.ExecuteWithFallback(ctx, "emergency_close", func(ctx context.Context) (any, error) {
		return rc.api.ClosePosition(ctx, instrument)
	}, nil, "")
	if err != nil {
		return nil, err
	}
	return v.(*OrderResult), nil
}

// acquire blocks on the endpoint's rate limit for up to maxWait. Exhausting
// the budget is booked as a rate-limit signal and surfaced as a
// TimeoutError, an expected outcome callers can branch on.
func (rc *ResilientClient) acquire(ctx context.Context, endpoint, op string) error {
	if rc.limits.AcquireWithWait(ctx, endpoint, 1, rc.clientID, rc.maxWait) {
		return nil
	}
	rc.degrade.HandleAPIFailure(rc.degrade.ServiceName(), NewRateLimitError(op, "local limiter wait budget exhausted"))
	return &ratelimit.TimeoutError{Endpoint: endpoint, Waited: rc.maxWait}
}
