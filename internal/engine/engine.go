package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"hedging-core/internal/events"
	"hedging-core/internal/indicators"
	"hedging-core/internal/strategy"
	"hedging-core/pkg/db"
	"hedging-core/pkg/exchange"
	"hedging-core/pkg/logger"
)

const (
	balanceEvery     = 5  // ticks between balance refreshes
	syncEvery        = 30 // ticks between position reconciles
	statusEvery      = 5  // ticks between status_update events
	balanceStaleness = 60 * time.Second
	marginHeadroom   = 1.1
)

// IndicatorStore persists indicator state across restarts. *db.Database
// satisfies it; a nil store disables persistence.
type IndicatorStore interface {
	SaveIndicatorState(ctx context.Context, st db.IndicatorState) error
	LoadIndicatorState(ctx context.Context, userID string) (*db.IndicatorState, error)
}

// Config wires one engine instance.
type Config struct {
	UserID    string
	UserBotID string
	Settings  strategy.Settings
	Adapter   exchange.Adapter
	Sink      events.Sink
	Store     IndicatorStore
}

// Engine drives one session: a fixed-cadence tick loop that maintains
// indicators, deepens the grid ladders, and enforces the profit and loss
// rules. All trading state lives in the strategy; the engine owns the
// lifecycle and the venue round trips.
type Engine struct {
	cfg   Config
	strat *strategy.Strategy
	cache *candleCache
	sink  events.Sink

	mu           sync.RWMutex
	status       Status
	statusReason string
	balance      float64
	balanceAt    time.Time
	startedAt    time.Time
	lastTradeAt  time.Time
	lastBarTS    int64
	ticks        int64

	stopOnce  sync.Once
	stopCh    chan struct{}
	stopClose bool
}

func New(cfg Config) *Engine {
	sink := cfg.Sink
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{
		cfg:    cfg,
		strat:  strategy.New(cfg.Settings),
		cache:  newCandleCache(cfg.Adapter, cfg.Settings.Symbol, cfg.Settings.Timeframe),
		sink:   sink,
		status: StatusIdle,
		stopCh: make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// RequestStop asks the run loop to wind down. closePositions overrides the
// session's close-on-stop setting for this shutdown. Idempotent.
func (e *Engine) RequestStop(closePositions bool) {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopClose = closePositions
		e.mu.Unlock()
		close(e.stopCh)
	})
}

// Run executes the session until the context is canceled or a stop is
// requested. Returns the terminal error for ERROR exits, nil otherwise.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		e.fail(err)
		return err
	}

	interval := e.cfg.Settings.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Parent shutdown still gets a bounded window to close out.
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.shutdown(closeCtx, e.cfg.Settings.CloseOnStop)
		case <-e.stopCh:
			e.mu.RLock()
			closeOut := e.stopClose
			e.mu.RUnlock()
			return e.shutdown(ctx, closeOut)
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				if exchange.IsAuth(err) {
					e.fail(err)
					return err
				}
				logger.S().Warnw("tick failed",
					"userId", e.cfg.UserID, "symbol", e.cfg.Settings.Symbol, "error", err)
				e.emit(events.KindErrorOccurred, map[string]any{
					"error": err.Error(),
					"scope": "tick",
				})
			}
		}
	}
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.transition(StatusStarting, ""); err != nil {
		return err
	}
	s := e.cfg.Settings

	if err := e.cfg.Adapter.SetLeverage(ctx, s.Symbol, s.Leverage); err != nil {
		if exchange.IsAuth(err) {
			return fmt.Errorf("set leverage: %w", err)
		}
		logger.S().Warnw("leverage setup failed, continuing",
			"userId", e.cfg.UserID, "symbol", s.Symbol, "error", err)
	}

	e.restoreIndicators(ctx)

	if balance, err := e.cfg.Adapter.GetBalance(ctx); err != nil {
		if exchange.IsAuth(err) {
			return fmt.Errorf("fetch balance: %w", err)
		}
		logger.S().Warnw("initial balance fetch failed", "userId", e.cfg.UserID, "error", err)
	} else {
		e.setBalance(balance)
	}

	if positions, err := e.cfg.Adapter.GetPositions(ctx, s.Symbol); err != nil {
		if exchange.IsAuth(err) {
			return fmt.Errorf("fetch positions: %w", err)
		}
		logger.S().Warnw("initial position sync failed", "userId", e.cfg.UserID, "error", err)
	} else {
		e.mu.Lock()
		e.strat.SyncFromExchange(positions, time.Now())
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()
	return e.transition(StatusRunning, "")
}

func (e *Engine) tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return nil
	}
	e.ticks++

	price, err := e.cfg.Adapter.GetTicker(ctx, e.cfg.Settings.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	e.strat.SetLastPrice(price)

	if e.ticks%balanceEvery == 0 || e.balanceAt.IsZero() {
		e.refreshBalance(ctx)
	}

	candles, err := e.cache.Get(ctx)
	if err != nil {
		logger.S().Warnw("candle fetch failed, using cached window",
			"userId", e.cfg.UserID, "cached", len(candles), "error", err)
	}
	newBar := false
	if latest := e.cache.LatestTimestamp(); latest > e.lastBarTS {
		newBar = e.lastBarTS != 0
		e.lastBarTS = latest
	}
	if len(candles) > 0 {
		e.strat.UpdateIndicators(candles, newBar || e.ticks == 1)
		if newBar {
			e.persistIndicators(ctx)
		}
	}

	if stop, err := e.applyProfitTargets(ctx, price); err != nil {
		return err
	} else if stop {
		return nil
	}

	if err := e.applyEntries(ctx, price, newBar); err != nil {
		return err
	}

	if e.ticks%syncEvery == 0 {
		e.reconcile(ctx)
	}
	if e.ticks%statusEvery == 0 {
		e.emit(events.KindStatusUpdate, e.snapshotLocked().asMap())
	}
	return nil
}

// applyProfitTargets enforces the exit rules. Returns stop=true when a
// session-level limit fired and shutdown has been requested.
func (e *Engine) applyProfitTargets(ctx context.Context, price float64) (bool, error) {
	dec := e.strat.CheckProfitTargets(price)
	switch dec.Kind {
	case strategy.TargetNone:
		return false, nil

	case strategy.TargetSingleOrder:
		for _, pos := range dec.Positions {
			if err := e.closeOne(ctx, pos, price, dec.Kind.String()); err != nil {
				return false, err
			}
		}
		return false, nil

	case strategy.TargetPairGlobal:
		return false, e.closeEverything(ctx, price, dec.Kind.String())

	default: // global profit or max loss: flatten first, then stop
		if err := e.closeEverything(ctx, price, dec.Kind.String()); err != nil {
			return false, err
		}
		if err := e.cfg.Adapter.CancelAllOrders(ctx, e.cfg.Settings.Symbol); err != nil {
			logger.S().Warnw("cancel pending orders failed",
				"userId", e.cfg.UserID, "error", err)
		}
		kind, threshold := "profit", e.cfg.Settings.GlobalProfit
		if dec.Kind == strategy.TargetMaxLoss {
			kind, threshold = "loss", e.cfg.Settings.MaxLoss
		}
		e.emit(events.KindGlobalLimitHit, map[string]any{
			"kind":        kind,
			"realizedPnl": e.strat.Performance().RealizedPnL,
			"threshold":   threshold,
		})
		// Positions are already flat, no second close on shutdown.
		go e.RequestStop(false)
		return true, nil
	}
}

func (e *Engine) closeOne(ctx context.Context, pos *strategy.GridPosition, price float64, reason string) error {
	ack, err := e.cfg.Adapter.ClosePosition(ctx, e.cfg.Settings.Symbol, pos.Side, pos.Lot)
	if err != nil {
		if exchange.IsNotFound(err) {
			// Venue no longer has it: drop local tracking and resync.
			logger.S().Warnw("position vanished on venue, reconciling",
				"userId", e.cfg.UserID, "orderId", pos.OrderID)
			e.reconcile(ctx)
			return nil
		}
		return fmt.Errorf("close position: %w", err)
	}

	exitPrice := ack.FilledPrice
	if exitPrice <= 0 {
		exitPrice = price
	}
	// Book the venue's realized figure when it reports one; fall back to
	// the fill-price computation otherwise.
	realized := ack.RealizedPnL
	if realized != 0 {
		e.strat.ClosePositionReported(pos, realized)
	} else {
		realized = e.strat.ClosePositionAt(pos, exitPrice)
	}
	e.lastTradeAt = time.Now()
	e.emit(events.KindTradeClosed, map[string]any{
		"symbol":        e.cfg.Settings.Symbol,
		"side":          string(pos.Side),
		"avgPrice":      exitPrice,
		"totalLot":      pos.Lot,
		"positionCount": 1,
		"pnl":           realized,
		"reason":        reason,
	})
	return nil
}

func (e *Engine) closeEverything(ctx context.Context, price float64, reason string) error {
	for _, pos := range e.strat.AllPositions() {
		if err := e.closeOne(ctx, pos, price, reason); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyEntries(ctx context.Context, price float64, newBar bool) error {
	now := time.Now()
	if !e.strat.WithinTradingWindow(now) || !e.strat.CanOpenTrade(now) {
		return nil
	}

	// First entries follow the signal; the new-candle gate applies to them
	// only. Grid deepening reacts to price on every tick.
	sig := e.strat.EvaluateSignal()
	entryAllowed := newBar || !e.cfg.Settings.OpenOnNewCandle
	for _, side := range []exchange.Side{exchange.SideLong, exchange.SideShort} {
		count := len(e.strat.Positions(side))
		if count == 0 {
			if !entryAllowed || !signalMatches(sig, side) {
				continue
			}
		} else if !e.strat.CanAddOrder(side, price) {
			continue
		}
		if err := e.openOne(ctx, side, price); err != nil {
			return err
		}
	}
	return nil
}

func signalMatches(sig strategy.Signal, side exchange.Side) bool {
	return (sig == strategy.SignalBuy && side == exchange.SideLong) ||
		(sig == strategy.SignalSell && side == exchange.SideShort)
}

func (e *Engine) openOne(ctx context.Context, side exchange.Side, price float64) error {
	s := e.cfg.Settings
	n := len(e.strat.Positions(side))
	lot := e.strat.CalcLot(n)

	if e.balance > 0 && s.Leverage > 0 {
		required := lot * price / float64(s.Leverage) * marginHeadroom
		if required > e.balance {
			e.emit(events.KindBalanceWarning, map[string]any{
				"balance":  e.balance,
				"required": required,
			})
			return nil
		}
	}

	ack, err := e.cfg.Adapter.OpenPosition(ctx, s.Symbol, side, lot)
	if err != nil {
		if exchange.IsRejected(err) {
			logger.S().Warnw("order rejected",
				"userId", e.cfg.UserID, "side", side, "lot", lot, "error", err)
			return nil
		}
		return fmt.Errorf("open position: %w", err)
	}

	entry := ack.FilledPrice
	if entry <= 0 {
		entry = price
	}
	pos := &strategy.GridPosition{
		OrderID:    ack.OrderID,
		Side:       side,
		EntryPrice: entry,
		Lot:        lot,
		GridLevel:  e.strat.CurrentGridLevel(n),
		OpenedAt:   time.Now(),
	}
	e.strat.AddPosition(pos)
	e.strat.RecordTrade(time.Now())
	e.lastTradeAt = time.Now()
	e.emit(events.KindTradeOpened, map[string]any{
		"symbol":    s.Symbol,
		"side":      string(side),
		"price":     entry,
		"lot":       lot,
		"gridLevel": pos.GridLevel,
		"orderId":   ack.OrderID,
	})
	return nil
}

func (e *Engine) refreshBalance(ctx context.Context) {
	balance, err := e.cfg.Adapter.GetBalance(ctx)
	if err != nil {
		logger.S().Warnw("balance refresh failed", "userId", e.cfg.UserID, "error", err)
		if !e.balanceAt.IsZero() && time.Since(e.balanceAt) > balanceStaleness {
			e.emit(events.KindBalanceWarning, map[string]any{
				"balance":  e.balance,
				"required": 0.0,
			})
		}
		return
	}
	e.balance = balance
	e.balanceAt = time.Now()
	e.strat.SetBalance(balance)
}

func (e *Engine) setBalance(balance float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance = balance
	e.balanceAt = time.Now()
	e.strat.SetBalance(balance)
}

func (e *Engine) reconcile(ctx context.Context) {
	positions, err := e.cfg.Adapter.GetPositions(ctx, e.cfg.Settings.Symbol)
	if err != nil {
		logger.S().Warnw("position sync failed", "userId", e.cfg.UserID, "error", err)
		return
	}
	e.strat.SyncFromExchange(positions, time.Now())
}

// ForceClose flattens both ladders and cancels pending orders without
// changing the lifecycle state.
func (e *Engine) ForceClose(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	price := e.strat.LastPrice()
	if price <= 0 {
		p, err := e.cfg.Adapter.GetTicker(ctx, e.cfg.Settings.Symbol)
		if err != nil {
			return fmt.Errorf("fetch ticker: %w", err)
		}
		price = p
	}
	if err := e.closeEverything(ctx, price, "MANUAL_CLOSE"); err != nil {
		return err
	}
	if err := e.cfg.Adapter.CancelAllOrders(ctx, e.cfg.Settings.Symbol); err != nil {
		logger.S().Warnw("cancel pending orders failed", "userId", e.cfg.UserID, "error", err)
	}
	return nil
}

func (e *Engine) shutdown(ctx context.Context, closePositions bool) error {
	if err := e.transition(StatusStopping, ""); err != nil {
		// Already terminal.
		return nil
	}
	if closePositions {
		e.mu.Lock()
		price := e.strat.LastPrice()
		var err error
		if price > 0 {
			err = e.closeEverything(ctx, price, "session_stop")
		}
		if err == nil {
			err = e.cfg.Adapter.CancelAllOrders(ctx, e.cfg.Settings.Symbol)
		}
		e.mu.Unlock()
		if err != nil {
			logger.S().Errorw("close on stop failed", "userId", e.cfg.UserID, "error", err)
		}
	}
	return e.transition(StatusStopped, "")
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.statusReason = err.Error()
	e.mu.Unlock()
	_ = e.transition(StatusError, err.Error())
	e.emit(events.KindErrorOccurred, map[string]any{
		"error": err.Error(),
		"scope": "fatal",
	})
}

func (e *Engine) transition(to Status, reason string) error {
	e.mu.Lock()
	from := e.status
	if !canTransition(from, to) {
		e.mu.Unlock()
		return fmt.Errorf("invalid status transition %s -> %s", from, to)
	}
	e.status = to
	if reason != "" {
		e.statusReason = reason
	}
	e.mu.Unlock()

	logger.S().Infow("session status changed",
		"userId", e.cfg.UserID, "from", from, "to", to)
	e.emit(events.KindStatusChanged, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	return nil
}

func (e *Engine) emit(kind events.Kind, data map[string]any) {
	e.sink.Emit(events.NewEnvelope(kind, e.cfg.UserID, e.cfg.UserBotID, data))
}

func (e *Engine) restoreIndicators(ctx context.Context) {
	if e.cfg.Store == nil {
		return
	}
	st, err := e.cfg.Store.LoadIndicatorState(ctx, e.cfg.UserID)
	if err != nil {
		logger.S().Warnw("indicator restore failed", "userId", e.cfg.UserID, "error", err)
		return
	}
	if st == nil || st.Symbol != e.cfg.Settings.Symbol || st.Timeframe != e.cfg.Settings.Timeframe {
		return
	}
	var sar indicators.SARState
	var cci indicators.CCIHistory
	if err := json.Unmarshal([]byte(st.SARState), &sar); err != nil {
		logger.S().Warnw("persisted sar state unreadable", "userId", e.cfg.UserID, "error", err)
		return
	}
	if err := json.Unmarshal([]byte(st.CCIHistory), &cci); err != nil {
		logger.S().Warnw("persisted cci history unreadable", "userId", e.cfg.UserID, "error", err)
		return
	}
	e.strat.RestoreIndicators(sar, cci)
	logger.S().Infow("indicator state restored", "userId", e.cfg.UserID, "symbol", st.Symbol)
}

func (e *Engine) persistIndicators(ctx context.Context) {
	if e.cfg.Store == nil {
		return
	}
	sarJSON, err := json.Marshal(e.strat.SAR())
	if err != nil {
		return
	}
	cciJSON, err := json.Marshal(e.strat.CCIValues())
	if err != nil {
		return
	}
	st := db.IndicatorState{
		UserID:     e.cfg.UserID,
		Symbol:     e.cfg.Settings.Symbol,
		Timeframe:  e.cfg.Settings.Timeframe,
		SARState:   string(sarJSON),
		CCIHistory: string(cciJSON),
	}
	if err := e.cfg.Store.SaveIndicatorState(ctx, st); err != nil {
		logger.S().Warnw("indicator persist failed", "userId", e.cfg.UserID, "error", err)
	}
}
