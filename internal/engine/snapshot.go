package engine

import (
	"time"

	"hedging-core/pkg/exchange"
)

// PositionView is one tracked order as exposed on the status surfaces.
// PnL is the leveraged dollar result; PnLPercent is leveraged and on the
// 0-100 scale.
type PositionView struct {
	Price      float64 `json:"price"`
	Lot        float64 `json:"lot"`
	OrderID    string  `json:"orderId"`
	GridLevel  int     `json:"gridLevel"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnlPercent"`
	OpenedAt   string  `json:"openedAt"`
}

// Snapshot is the status(id) / status_update payload.
type Snapshot struct {
	UserID       string  `json:"userId"`
	UserBotID    string  `json:"userBotId"`
	Status       Status  `json:"status"`
	StatusReason string  `json:"statusReason,omitempty"`
	Symbol       string  `json:"symbol"`
	CurrentPrice float64 `json:"currentPrice"`
	Balance      float64 `json:"balance"`

	Indicators struct {
		SMA    float64 `json:"sma"`
		SAR    float64 `json:"sar"`
		CCI    float64 `json:"cci"`
		Signal string  `json:"signal"`
	} `json:"indicators"`

	Positions struct {
		Buy       []PositionView `json:"buy"`
		Sell      []PositionView `json:"sell"`
		BuyCount  int            `json:"buyCount"`
		SellCount int            `json:"sellCount"`
		BuyPnL    float64        `json:"buyPnl"`
		SellPnL   float64        `json:"sellPnl"`
		TotalPnL  float64        `json:"totalPnl"`
	} `json:"positions"`

	Grid struct {
		Multiplier    float64 `json:"multiplier"`
		SpacePercent  float64 `json:"spacePercent"`
		MaxBuyOrders  int     `json:"maxBuyOrders"`
		MaxSellOrders int     `json:"maxSellOrders"`
	} `json:"grid"`

	Profit struct {
		SingleOrderProfit float64 `json:"singleOrderProfit"`
		PairGlobalProfit  float64 `json:"pairGlobalProfit"`
		GlobalProfit      float64 `json:"globalProfit"`
		MaxLoss           float64 `json:"maxLoss"`
	} `json:"profit"`

	Performance struct {
		TotalTrades   int     `json:"totalTrades"`
		WinningTrades int     `json:"winningTrades"`
		LosingTrades  int     `json:"losingTrades"`
		WinRate       float64 `json:"winRate"`
		TotalPnL      float64 `json:"totalPnL"`
		UnrealizedPnL float64 `json:"unrealizedPnL"`
	} `json:"performance"`

	Runtime struct {
		Tick        int64  `json:"tick"`
		Uptime      int64  `json:"uptime"`
		StartedAt   string `json:"startedAt,omitempty"`
		LastTradeAt string `json:"lastTradeAt,omitempty"`
	} `json:"runtime"`

	Settings struct {
		Leverage    int     `json:"leverage"`
		Timeframe   string  `json:"timeframe"`
		BaseLot     float64 `json:"baseLot"`
		UseSmaEntry bool    `json:"useSmaEntry"`
		CciPeriod   int     `json:"cciPeriod"`
	} `json:"settings"`
}

// Snapshot captures the current session state for the status API and
// status_update events.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	s := e.cfg.Settings
	perf := e.strat.Performance()
	price := e.strat.LastPrice()

	var snap Snapshot
	snap.UserID = e.cfg.UserID
	snap.UserBotID = e.cfg.UserBotID
	snap.Status = e.status
	snap.StatusReason = e.statusReason
	snap.Symbol = s.Symbol
	snap.CurrentPrice = price
	snap.Balance = e.balance

	snap.Indicators.SMA = e.strat.SMA()
	snap.Indicators.SAR = e.strat.SAR().Value()
	snap.Indicators.CCI = e.strat.CCIValues().Last()
	snap.Indicators.Signal = e.strat.EvaluateSignal().String()

	for _, side := range []exchange.Side{exchange.SideLong, exchange.SideShort} {
		var views []PositionView
		sidePnL := 0.0
		for _, pos := range e.strat.Positions(side) {
			pnl := e.strat.PnLUSD(pos, price)
			sidePnL += pnl
			views = append(views, PositionView{
				Price:      pos.EntryPrice,
				Lot:        pos.Lot,
				OrderID:    pos.OrderID,
				GridLevel:  pos.GridLevel,
				PnL:        pnl,
				PnLPercent: e.strat.PnLPercent(pos, price),
				OpenedAt:   pos.OpenedAt.UTC().Format(time.RFC3339),
			})
		}
		if side == exchange.SideLong {
			snap.Positions.Buy = views
			snap.Positions.BuyCount = len(views)
			snap.Positions.BuyPnL = sidePnL
		} else {
			snap.Positions.Sell = views
			snap.Positions.SellCount = len(views)
			snap.Positions.SellPnL = sidePnL
		}
	}
	snap.Positions.TotalPnL = snap.Positions.BuyPnL + snap.Positions.SellPnL

	snap.Grid.Multiplier = s.Multiplier
	snap.Grid.SpacePercent = s.Levels[0].Percent
	snap.Grid.MaxBuyOrders = s.MaxOrdersPerSide()
	snap.Grid.MaxSellOrders = s.MaxOrdersPerSide()

	snap.Profit.SingleOrderProfit = s.SingleOrderProfit
	snap.Profit.PairGlobalProfit = s.PairGlobalProfit
	snap.Profit.GlobalProfit = s.GlobalProfit
	snap.Profit.MaxLoss = s.MaxLoss

	snap.Performance.TotalTrades = perf.TotalTrades
	snap.Performance.WinningTrades = perf.WinningTrades
	snap.Performance.LosingTrades = perf.LosingTrades
	snap.Performance.WinRate = perf.WinRate()
	snap.Performance.TotalPnL = perf.RealizedPnL
	snap.Performance.UnrealizedPnL = snap.Positions.TotalPnL

	snap.Runtime.Tick = e.ticks
	if !e.startedAt.IsZero() {
		snap.Runtime.StartedAt = e.startedAt.UTC().Format(time.RFC3339)
		snap.Runtime.Uptime = int64(time.Since(e.startedAt).Seconds())
	}
	if !e.lastTradeAt.IsZero() {
		snap.Runtime.LastTradeAt = e.lastTradeAt.UTC().Format(time.RFC3339)
	}

	snap.Settings.Leverage = s.Leverage
	snap.Settings.Timeframe = s.Timeframe
	snap.Settings.BaseLot = s.BaseLot
	snap.Settings.UseSmaEntry = s.UseSmaSar
	snap.Settings.CciPeriod = s.CciPeriod
	return snap
}

// asMap flattens the snapshot into a status_update payload.
func (s Snapshot) asMap() map[string]any {
	return map[string]any{
		"symbol":       s.Symbol,
		"status":       string(s.Status),
		"currentPrice": s.CurrentPrice,
		"balance":      s.Balance,
		"indicators":   s.Indicators,
		"positions":    s.Positions,
		"grid":         s.Grid,
		"profit":       s.Profit,
		"performance":  s.Performance,
		"runtime":      s.Runtime,
		"settings":     s.Settings,
	}
}
