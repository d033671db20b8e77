package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// FailureMode lets tests and demos force the sim into a failure class
type FailureMode string

const (
	FailNone       FailureMode = ""
	FailConnection FailureMode = "connection"
	FailRateLimit  FailureMode = "rate_limit"
	FailAuth       FailureMode = "auth"
)

// SimClient is a deterministic in-memory broker for demos and tests. It
// self-throttles with a limiter the way a real upstream enforces its side of
// the contract, and surfaces every failure as a classified *Error.
type SimClient struct {
	mu          sync.RWMutex
	prices      map[string]Price
	account     AccountSummary
	positions   map[string]Position
	failureMode FailureMode
	latencyMin  int // ms
	latencyMax  int // ms
	limiter     *rate.Limiter
	orderSeq    int64
	closed      bool
}

// NewSimClient seeds a sim with a handful of FX instruments.
func NewSimClient() *SimClient {
	now := time.Now()
	return &SimClient{
		prices: map[string]Price{
			"EUR_USD": {Instrument: "EUR_USD", Bid: 1.0842, Ask: 1.0844, Time: now},
			"USD_JPY": {Instrument: "USD_JPY", Bid: 149.31, Ask: 149.33, Time: now},
			"GBP_USD": {Instrument: "GBP_USD", Bid: 1.2631, Ask: 1.2634, Time: now},
			"AUD_USD": {Instrument: "AUD_USD", Bid: 0.6542, Ask: 0.6544, Time: now},
		},
		account: AccountSummary{
			ID:              "101-004-1234567-001",
			Currency:        "USD",
			Balance:         100000,
			NAV:             100000,
			MarginAvailable: 95000,
		},
		positions:  make(map[string]Position),
		latencyMin: 5,
		latencyMax: 30,
		limiter:    rate.NewLimiter(rate.Limit(100), 100),
	}
}

// SetFailureMode forces subsequent calls to fail with the given class.
func (s *SimClient) SetFailureMode(mode FailureMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureMode = mode
}

// SetLatency controls simulated round-trip latency in milliseconds.
func (s *SimClient) SetLatency(minMs, maxMs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencyMin = minMs
	s.latencyMax = maxMs
}

// SetThrottle replaces the upstream limiter.
func (s *SimClient) SetThrottle(requestsPerSecond float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// SetPrice overrides one instrument's quote.
func (s *SimClient) SetPrice(p Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[p.Instrument] = p
}

func (s *SimClient) GetPrices(ctx context.Context, instruments []string) (map[string]Price, error) {
	if err := s.preflight(ctx, "get_prices"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Price, len(instruments))
	now := time.Now()
	for _, inst := range instruments {
		p, ok := s.prices[inst]
		if !ok {
			return nil, NewServerError("get_prices", fmt.Sprintf("unknown instrument %s", inst), nil)
		}
		p.Time = now
		out[inst] = p
	}
	return out, nil
}

func (s *SimClient) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	if err := s.preflight(ctx, "get_account"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct := s.account
	acct.OpenPositions = len(s.positions)
	return &acct, nil
}

func (s *SimClient) GetOpenPositions(ctx context.Context) ([]Position, error) {
	if err := s.preflight(ctx, "get_positions"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *SimClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := s.preflight(ctx, "place_order"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[req.Instrument]
	if !ok {
		return nil, NewServerError("place_order", fmt.Sprintf("unknown instrument %s", req.Instrument), nil)
	}
	fill := price.Ask
	if req.Units < 0 {
		fill = price.Bid
	}

	pos := s.positions[req.Instrument]
	pos.Instrument = req.Instrument
	pos.Units += req.Units
	pos.AveragePrice = fill
	if pos.Units == 0 {
		delete(s.positions, req.Instrument)
	} else {
		s.positions[req.Instrument] = pos
	}

	id := atomic.AddInt64(&s.orderSeq, 1)
	return &OrderResult{
		ID:         fmt.Sprintf("sim-%d", id),
		Instrument: req.Instrument,
		Units:      req.Units,
		Price:      fill,
		Time:       time.Now(),
	}, nil
}

func (s *SimClient) ClosePosition(ctx context.Context, instrument string) (*OrderResult, error) {
	if err := s.preflight(ctx, "close_position"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[instrument]
	if !ok {
		return nil, NewServerError("close_position", fmt.Sprintf("no open position in %s", instrument), nil)
	}
	price := s.prices[instrument]
	fill := price.Bid
	if pos.Units < 0 {
		fill = price.Ask
	}
	delete(s.positions, instrument)

	id := atomic.AddInt64(&s.orderSeq, 1)
	return &OrderResult{
		ID:         fmt.Sprintf("sim-%d", id),
		Instrument: instrument,
		Units:      -pos.Units,
		Price:      fill,
		Time:       time.Now(),
	}, nil
}

func (s *SimClient) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	mode := s.failureMode
	s.mu.RUnlock()
	if closed {
		return NewConnectionError("health_check", "client closed", nil)
	}
	if mode != FailNone {
		return s.failureFor("health_check")
	}
	return nil
}

func (s *SimClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// preflight applies the upstream throttle, simulated latency, and any forced
// failure mode.
func (s *SimClient) preflight(ctx context.Context, op string) error {
	s.mu.RLock()
	closed := s.closed
	limiter := s.limiter
	mode := s.failureMode
	minMs, maxMs := s.latencyMin, s.latencyMax
	s.mu.RUnlock()

	if closed {
		return NewConnectionError(op, "client closed", nil)
	}
	if !limiter.Allow() {
		return NewRateLimitError(op, "upstream request rate exceeded")
	}

	if maxMs > 0 {
		latency := minMs
		if maxMs > minMs {
			latency += rand.Intn(maxMs - minMs)
		}
		select {
		case <-ctx.Done():
			return NewConnectionError(op, "request cancelled", ctx.Err())
		case <-time.After(time.Duration(latency) * time.Millisecond):
		}
	}

	if mode != FailNone {
		return s.failureFor(op)
	}
	return nil
}

func (s *SimClient) failureFor(op string) error {
	s.mu.RLock()
	mode := s.failureMode
	s.mu.RUnlock()
	switch mode {
	case FailConnection:
		return NewConnectionError(op, "connection refused", nil)
	case FailRateLimit:
		return NewRateLimitError(op, "HTTP 429 from upstream")
	case FailAuth:
		return NewAuthError(op, "HTTP 401: invalid token")
	default:
		return nil
	}
}
