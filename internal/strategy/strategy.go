package strategy

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"hedging-core/internal/indicators"
	"hedging-core/pkg/exchange"
)

// Lots above this martingale factor stop growing. Keeps deep grids from
// requesting sizes the venue would reject.
const maxMartingaleFactor = 10.0

const lotPrecision = 4

// TargetKind identifies which profit or loss rule fired.
type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetSingleOrder
	TargetPairGlobal
	TargetGlobalProfit
	TargetMaxLoss
)

func (k TargetKind) String() string {
	switch k {
	case TargetSingleOrder:
		return "single_order_profit"
	case TargetPairGlobal:
		return "pair_global_profit"
	case TargetGlobalProfit:
		return "global_profit"
	case TargetMaxLoss:
		return "max_loss"
	default:
		return "none"
	}
}

// TargetDecision is the outcome of one profit-target evaluation. For
// TargetSingleOrder only the listed positions close; the other kinds close
// everything, and the global kinds additionally stop the session.
type TargetDecision struct {
	Kind      TargetKind
	Positions []*GridPosition
}

// Strategy holds the ladder state and indicator values for one session.
// Not safe for concurrent use; the engine serializes all access.
type Strategy struct {
	settings Settings

	long  []*GridPosition
	short []*GridPosition

	sma float64
	sar indicators.SARState
	cci indicators.CCIHistory

	perf      Performance
	lastPrice float64
	balance   float64

	tradeDate   string
	tradesToday int
}

func New(settings Settings) *Strategy {
	return &Strategy{settings: settings}
}

func (s *Strategy) Settings() Settings { return s.settings }

// SetBalance records the latest account balance used by the lot safety cap.
func (s *Strategy) SetBalance(balance float64) { s.balance = balance }

// SetLastPrice records the latest traded price.
func (s *Strategy) SetLastPrice(price float64) { s.lastPrice = price }

func (s *Strategy) LastPrice() float64 { return s.lastPrice }

// UpdateIndicators refreshes the moving average on every tick and steps the
// candle-keyed indicators only when a new bar has closed.
func (s *Strategy) UpdateIndicators(candles []exchange.Candle, newBar bool) {
	s.sma = indicators.LWMA(candles, s.settings.SmaPeriod, s.settings.ReverseWeights)
	if !newBar {
		return
	}
	s.sar = indicators.StepSAR(s.sar, candles, s.settings.SarAf, s.settings.SarMax)
	if s.settings.CciPeriod > 0 && len(candles) >= s.settings.CciPeriod {
		s.cci.Push(indicators.CCI(candles, s.settings.CciPeriod))
	}
}

// SMA returns the current weighted moving average value.
func (s *Strategy) SMA() float64 { return s.sma }

// SAR returns the current parabolic state.
func (s *Strategy) SAR() indicators.SARState { return s.sar }

// CCIValues returns the retained oscillator history.
func (s *Strategy) CCIValues() indicators.CCIHistory { return s.cci }

// RestoreIndicators reloads persisted indicator state after a restart.
func (s *Strategy) RestoreIndicators(sar indicators.SARState, cci indicators.CCIHistory) {
	s.sar = sar
	s.cci = cci
}

// EvaluateSignal derives the entry direction from the indicator stack.
// The oscillator crossings override the trend reading on the tick they fire.
func (s *Strategy) EvaluateSignal() Signal {
	sig := SignalNone

	if s.settings.UseSmaSar && s.sar.Initialized && s.sma > 0 {
		if s.sar.Value() > s.sma {
			sig = SignalBuy
		} else {
			sig = SignalSell
		}
		if s.settings.ReverseOrder {
			sig = reverse(sig)
		}
	}

	if s.settings.CciPeriod > 0 {
		if s.cci.CrossedAbove(s.settings.CciMax) {
			sig = SignalSell
		} else if s.cci.CrossedBelow(s.settings.CciMin) {
			sig = SignalBuy
		}
	}

	return sig
}

func reverse(sig Signal) Signal {
	switch sig {
	case SignalBuy:
		return SignalSell
	case SignalSell:
		return SignalBuy
	default:
		return SignalNone
	}
}

// Positions returns the tracked ladder for one side.
func (s *Strategy) Positions(side exchange.Side) []*GridPosition {
	if side == exchange.SideLong {
		return s.long
	}
	return s.short
}

// AllPositions returns both ladders, long side first.
func (s *Strategy) AllPositions() []*GridPosition {
	out := make([]*GridPosition, 0, len(s.long)+len(s.short))
	out = append(out, s.long...)
	out = append(out, s.short...)
	return out
}

// CurrentGridLevel maps an order count to the ladder level the next order
// lands on. Counts past every cumulative cap stay on the outermost level.
func (s *Strategy) CurrentGridLevel(count int) int {
	cumulative := 0
	for i, lvl := range s.settings.Levels {
		cumulative += lvl.MaxOrders
		if count < cumulative {
			return i
		}
	}
	return len(s.settings.Levels) - 1
}

// CanAddOrder reports whether the side may take another grid order at the
// given price. The first order on a side is gated only by the total cap;
// deeper orders require the adverse move of their level from the most
// recent entry.
func (s *Strategy) CanAddOrder(side exchange.Side, price float64) bool {
	positions := s.Positions(side)
	count := len(positions)
	if count >= s.settings.MaxOrdersPerSide() {
		return false
	}
	if count == 0 {
		return true
	}

	last := positions[count-1]
	if last.EntryPrice <= 0 || price <= 0 {
		return false
	}
	var adverse float64
	if side == exchange.SideLong {
		adverse = (last.EntryPrice - price) / last.EntryPrice * 100
	} else {
		adverse = (price - last.EntryPrice) / last.EntryPrice * 100
	}
	required := s.settings.Levels[s.CurrentGridLevel(count)].Percent
	return adverse >= required
}

// CalcLot sizes the order at position count n on a side. Martingale growth
// is capped, the result is bounded by the account balance and the lot
// limits, and quantized to the venue's lot precision.
func (s *Strategy) CalcLot(n int) float64 {
	var lot float64
	if s.settings.Multiplier > 0 {
		factor := math.Pow(s.settings.Multiplier, float64(n))
		if factor > maxMartingaleFactor {
			factor = maxMartingaleFactor
		}
		lot = s.settings.BaseLot * factor
		if s.balance > 0 && s.lastPrice > 0 && s.settings.Leverage > 0 {
			safety := s.balance * 0.1 / (float64(s.settings.Leverage) * s.lastPrice)
			if lot > safety {
				lot = safety
			}
		}
	} else {
		lot = s.settings.Levels[s.CurrentGridLevel(n)].LotSize
	}

	if lot < s.settings.MinLot {
		lot = s.settings.MinLot
	}
	if lot > s.settings.MaxLot {
		lot = s.settings.MaxLot
	}
	return decimal.NewFromFloat(lot).Round(lotPrecision).InexactFloat64()
}

// AddPosition appends a filled order to its ladder.
func (s *Strategy) AddPosition(pos *GridPosition) {
	if pos.Side == exchange.SideLong {
		s.long = append(s.long, pos)
	} else {
		s.short = append(s.short, pos)
	}
}

// PnLPercent is the leveraged return of one position at the given price.
func (s *Strategy) PnLPercent(pos *GridPosition, price float64) float64 {
	if pos.EntryPrice <= 0 {
		return 0
	}
	move := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Side == exchange.SideShort {
		move = -move
	}
	return move * float64(s.settings.Leverage)
}

// PnLUSD is the leveraged mark-to-market result of one position at the
// given price.
func (s *Strategy) PnLUSD(pos *GridPosition, price float64) float64 {
	diff := price - pos.EntryPrice
	if pos.Side == exchange.SideShort {
		diff = -diff
	}
	lev := float64(s.settings.Leverage)
	if lev < 1 {
		lev = 1
	}
	return diff * pos.Lot * lev
}

// UnrealizedPnL sums the mark-to-market value of both ladders.
func (s *Strategy) UnrealizedPnL(price float64) float64 {
	total := 0.0
	for _, pos := range s.AllPositions() {
		total += s.PnLUSD(pos, price)
	}
	return total
}

// CheckProfitTargets evaluates the exit rules in priority order: individual
// take profit first, then the combined ladder target, then the session-level
// realized profit and loss limits.
func (s *Strategy) CheckProfitTargets(price float64) TargetDecision {
	if s.settings.SingleOrderProfit > 0 {
		var hits []*GridPosition
		for _, pos := range s.AllPositions() {
			if s.PnLPercent(pos, price) >= s.settings.SingleOrderProfit {
				hits = append(hits, pos)
			}
		}
		if len(hits) > 0 {
			return TargetDecision{Kind: TargetSingleOrder, Positions: hits}
		}
	}

	if s.settings.PairGlobalProfit > 0 && len(s.long)+len(s.short) > 0 {
		sum := 0.0
		for _, pos := range s.AllPositions() {
			sum += s.PnLPercent(pos, price)
		}
		if sum >= s.settings.PairGlobalProfit {
			return TargetDecision{Kind: TargetPairGlobal, Positions: s.AllPositions()}
		}
	}

	if s.settings.GlobalProfit > 0 && s.perf.RealizedPnL >= s.settings.GlobalProfit {
		return TargetDecision{Kind: TargetGlobalProfit, Positions: s.AllPositions()}
	}
	if s.settings.MaxLoss > 0 && s.perf.RealizedPnL <= -s.settings.MaxLoss {
		return TargetDecision{Kind: TargetMaxLoss, Positions: s.AllPositions()}
	}

	return TargetDecision{Kind: TargetNone}
}

// ClosePositionAt removes a position from its ladder, books the realized
// result, and returns it.
func (s *Strategy) ClosePositionAt(pos *GridPosition, exitPrice float64) float64 {
	realized := s.PnLUSD(pos, exitPrice)
	s.removePosition(pos)
	s.recordClose(realized)
	return realized
}

// ClosePositionReported removes a position from its ladder and books the
// realized result the venue reported for the closing fill.
func (s *Strategy) ClosePositionReported(pos *GridPosition, realized float64) {
	s.removePosition(pos)
	s.recordClose(realized)
}

// CloseAll books every open position at the given price and empties both
// ladders. Returns the total realized result and the closed positions.
func (s *Strategy) CloseAll(exitPrice float64) (float64, []*GridPosition) {
	closed := s.AllPositions()
	total := 0.0
	for _, pos := range closed {
		realized := s.PnLUSD(pos, exitPrice)
		total += realized
		s.recordClose(realized)
	}
	s.long = nil
	s.short = nil
	return total, closed
}

func (s *Strategy) removePosition(target *GridPosition) {
	filter := func(list []*GridPosition) []*GridPosition {
		out := list[:0]
		for _, pos := range list {
			if pos != target {
				out = append(out, pos)
			}
		}
		return out
	}
	if target.Side == exchange.SideLong {
		s.long = filter(s.long)
	} else {
		s.short = filter(s.short)
	}
}

func (s *Strategy) recordClose(realized float64) {
	s.perf.TotalTrades++
	if realized > 0 {
		s.perf.WinningTrades++
	} else {
		s.perf.LosingTrades++
	}
	s.perf.RealizedPnL += realized
}

// Performance returns the accumulated realized results.
func (s *Strategy) Performance() Performance { return s.perf }

// SyncFromExchange replaces both ladders with the venue's view. Grid levels
// are reassigned by entry adversity: the least adverse entry on a side is
// treated as the first rung.
func (s *Strategy) SyncFromExchange(positions []exchange.Position, now time.Time) {
	var longs, shorts []exchange.Position
	for _, p := range positions {
		if p.Qty <= 0 {
			continue
		}
		if p.Side == exchange.SideLong {
			longs = append(longs, p)
		} else {
			shorts = append(shorts, p)
		}
	}
	// Long ladders fill downward, short ladders fill upward.
	sort.Slice(longs, func(i, j int) bool { return longs[i].AvgEntryPrice > longs[j].AvgEntryPrice })
	sort.Slice(shorts, func(i, j int) bool { return shorts[i].AvgEntryPrice < shorts[j].AvgEntryPrice })

	rebuild := func(src []exchange.Position) []*GridPosition {
		out := make([]*GridPosition, 0, len(src))
		for i, p := range src {
			out = append(out, &GridPosition{
				OrderID:    p.ID,
				Side:       p.Side,
				EntryPrice: p.AvgEntryPrice,
				Lot:        p.Qty,
				GridLevel:  s.CurrentGridLevel(i),
				OpenedAt:   now,
			})
		}
		return out
	}
	s.long = rebuild(longs)
	s.short = rebuild(shorts)
}

// WithinTradingWindow reports whether entries are allowed at the given
// time. Identical or empty bounds mean the window is always open; a finish
// before the start spans midnight.
func (s *Strategy) WithinTradingWindow(now time.Time) bool {
	if s.settings.StartTime == "" || s.settings.FinishTime == "" {
		return true
	}
	start, err1 := time.Parse("15:04", s.settings.StartTime)
	finish, err2 := time.Parse("15:04", s.settings.FinishTime)
	if err1 != nil || err2 != nil {
		return true
	}
	startMin := start.Hour()*60 + start.Minute()
	finishMin := finish.Hour()*60 + finish.Minute()
	if startMin == finishMin {
		return true
	}
	nowMin := now.Hour()*60 + now.Minute()
	if startMin < finishMin {
		return nowMin >= startMin && nowMin < finishMin
	}
	return nowMin >= startMin || nowMin < finishMin
}

// CanOpenTrade reports whether the daily entry cap still has room. The
// counter rolls over on date change.
func (s *Strategy) CanOpenTrade(now time.Time) bool {
	if s.settings.TradesPerDay <= 0 {
		return true
	}
	s.rollTradeDate(now)
	return s.tradesToday < s.settings.TradesPerDay
}

// RecordTrade counts one entry against the daily cap.
func (s *Strategy) RecordTrade(now time.Time) {
	s.rollTradeDate(now)
	s.tradesToday++
}

func (s *Strategy) rollTradeDate(now time.Time) {
	date := now.UTC().Format("2006-01-02")
	if date != s.tradeDate {
		s.tradeDate = date
		s.tradesToday = 0
	}
}
