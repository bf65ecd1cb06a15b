// Package exchange defines the adapter contract engines trade through,
// together with the wire types and error taxonomy shared by all
// implementations.
package exchange

import "context"

// Side denotes position direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Candle is one OHLCV bar, timestamp in ms aligned to the timeframe
// boundary.
type Candle struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// TypicalPrice returns HLC/3.
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// WeightedPrice returns HLCC/4.
func (c Candle) WeightedPrice() float64 {
	return (c.High + c.Low + 2*c.Close) / 4
}

// Position is an open position as reported by the exchange.
type Position struct {
	ID            string
	Symbol        string
	Side          Side
	AvgEntryPrice float64
	Qty           float64
	UnrealizedPnL float64
	Leverage      int
}

// OrderAck is the exchange's acknowledgement of an accepted order.
type OrderAck struct {
	OrderID     string
	FilledPrice float64
	RealizedPnL float64 // closes only; 0 when the venue does not report it
}

// Adapter is the signed-REST contract the trading engine consumes.
// Implementations hide signing, clock skew, throttling and retries; a
// demo account must be indistinguishable from live at this level.
type Adapter interface {
	// GetCandles returns up to limit bars ascending by timestamp.
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	// GetTicker returns the last traded price, always > 0 on success.
	GetTicker(ctx context.Context, symbol string) (float64, error)
	// GetBalance returns available margin in the settlement currency.
	GetBalance(ctx context.Context) (float64, error)
	// GetPositions returns the open positions for symbol.
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	// OpenPosition opens lot on side with a market order.
	OpenPosition(ctx context.Context, symbol string, side Side, lot float64) (OrderAck, error)
	// ClosePosition closes lot on side with a market order.
	ClosePosition(ctx context.Context, symbol string, side Side, lot float64) (OrderAck, error)
	// CancelAllOrders cancels every pending order on symbol.
	CancelAllOrders(ctx context.Context, symbol string) error
	// SetLeverage sets symbol leverage for both hold sides.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}
