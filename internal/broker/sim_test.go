package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/broker-resilience/internal/degrade"
)

func newFastSim() *SimClient {
	s := NewSimClient()
	s.SetLatency(0, 0)
	return s
}

func TestSimGetPrices(t *testing.T) {
	s := newFastSim()
	defer s.Close()

	prices, err := s.GetPrices(context.Background(), []string{"EUR_USD", "USD_JPY"})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Greater(t, prices["EUR_USD"].Ask, prices["EUR_USD"].Bid)
	assert.InDelta(t, 1.0843, prices["EUR_USD"].Mid(), 0.0001)

	_, err = s.GetPrices(context.Background(), []string{"XAU_XAG"})
	assert.Error(t, err, "unknown instrument must fail")
}

func TestSimFailureModes(t *testing.T) {
	cases := []struct {
		mode FailureMode
		kind degrade.ErrorKind
	}{
		{FailConnection, degrade.KindConnection},
		{FailRateLimit, degrade.KindRateLimit},
		{FailAuth, degrade.KindAuth},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			s := newFastSim()
			defer s.Close()
			s.SetFailureMode(tc.mode)

			_, err := s.GetPrices(context.Background(), []string{"EUR_USD"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, degrade.KindOf(err))
			assert.Error(t, s.HealthCheck(context.Background()))

			s.SetFailureMode(FailNone)
			_, err = s.GetPrices(context.Background(), []string{"EUR_USD"})
			assert.NoError(t, err)
			assert.NoError(t, s.HealthCheck(context.Background()))
		})
	}
}

func TestSimUpstreamThrottle(t *testing.T) {
	s := newFastSim()
	defer s.Close()
	s.SetThrottle(1, 1) // one request, then 429s

	_, err := s.GetPrices(context.Background(), []string{"EUR_USD"})
	require.NoError(t, err)

	_, err = s.GetPrices(context.Background(), []string{"EUR_USD"})
	require.Error(t, err)
	assert.Equal(t, degrade.KindRateLimit, degrade.KindOf(err))
}

func TestSimOrderLifecycle(t *testing.T) {
	s := newFastSim()
	defer s.Close()
	ctx := context.Background()

	res, err := s.PlaceOrder(ctx, OrderRequest{Instrument: "EUR_USD", Units: 1000})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1000.0, res.Units)

	positions, err := s.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "EUR_USD", positions[0].Instrument)

	closed, err := s.ClosePosition(ctx, "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, -1000.0, closed.Units)

	positions, err = s.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	_, err = s.ClosePosition(ctx, "EUR_USD")
	assert.Error(t, err, "closing a flat instrument must fail")
}

func TestSimClosedClient(t *testing.T) {
	s := newFastSim()
	require.NoError(t, s.Close())

	_, err := s.GetPrices(context.Background(), []string{"EUR_USD"})
	require.Error(t, err)
	assert.Equal(t, degrade.KindConnection, degrade.KindOf(err))
	assert.Error(t, s.HealthCheck(context.Background()))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("read: connection reset by peer")
	err := NewConnectionError("get_prices", "transport failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, degrade.KindConnection, degrade.KindOf(err))
	assert.Contains(t, err.Error(), "get_prices")
	assert.Contains(t, err.Error(), "connection reset")
}
