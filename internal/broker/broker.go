package broker

import (
	"context"
	"time"
)

// Price is a two-sided quote for one instrument
type Price struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Time       time.Time `json:"time"`
}

// Mid returns the midpoint price.
func (p Price) Mid() float64 {
	return (p.Bid + p.Ask) / 2
}

// AccountSummary mirrors the broker's account endpoint
type AccountSummary struct {
	ID              string  `json:"id"`
	Currency        string  `json:"currency"`
	Balance         float64 `json:"balance"`
	NAV             float64 `json:"nav"`
	MarginUsed      float64 `json:"margin_used"`
	MarginAvailable float64 `json:"margin_available"`
	OpenPositions   int     `json:"open_positions"`
}

// Position is one open position; positive units are long
type Position struct {
	Instrument   string  `json:"instrument"`
	Units        float64 `json:"units"`
	AveragePrice float64 `json:"average_price"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}

// OrderRequest describes a market order submission
type OrderRequest struct {
	Instrument string  `json:"instrument"`
	Units      float64 `json:"units"` // negative to sell
	TakeProfit float64 `json:"take_profit,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
}

// OrderResult is the broker's fill confirmation
type OrderResult struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Units      float64   `json:"units"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
}

// Client is the broker API boundary this layer protects. Implementations
// must surface failures as *Error so classification stays a total function
// over the closed kind set.
type Client interface {
	GetPrices(ctx context.Context, instruments []string) (map[string]Price, error)
	GetAccountSummary(ctx context.Context) (*AccountSummary, error)
	GetOpenPositions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ClosePosition(ctx context.Context, instrument string) (*OrderResult, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
