package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"hedging-core/internal/events"
	"hedging-core/internal/strategy"
	"hedging-core/pkg/exchange"
)

type openCall struct {
	side exchange.Side
	lot  float64
}

type fakeAdapter struct {
	mu        sync.Mutex
	price     float64
	balance   float64
	candles   []exchange.Candle
	positions []exchange.Position

	tickerErr error
	openErr   error
	closeErr  error
	closePnL  float64

	opened    []openCall
	closed    []openCall
	canceled  int
	leverage  int
	orderSeq  int
	getCalls  int
}

func (f *fakeAdapter) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	out := make([]exchange.Candle, len(f.candles))
	copy(out, f.candles)
	return out, nil
}

func (f *fakeAdapter) GetTicker(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return 0, f.tickerErr
	}
	return f.price, nil
}

func (f *fakeAdapter) GetBalance(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeAdapter) GetPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeAdapter) OpenPosition(ctx context.Context, symbol string, side exchange.Side, lot float64) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return exchange.OrderAck{}, f.openErr
	}
	f.orderSeq++
	f.opened = append(f.opened, openCall{side: side, lot: lot})
	return exchange.OrderAck{OrderID: fmt.Sprintf("order-%d", f.orderSeq), FilledPrice: f.price}, nil
}

func (f *fakeAdapter) ClosePosition(ctx context.Context, symbol string, side exchange.Side, lot float64) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return exchange.OrderAck{}, f.closeErr
	}
	f.closed = append(f.closed, openCall{side: side, lot: lot})
	for i, p := range f.positions {
		if p.Side == side {
			f.positions = append(f.positions[:i], f.positions[i+1:]...)
			break
		}
	}
	return exchange.OrderAck{OrderID: "close", FilledPrice: f.price, RealizedPnL: f.closePnL}, nil
}

func (f *fakeAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled++
	return nil
}

func (f *fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = leverage
	return nil
}

func (f *fakeAdapter) openedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *fakeAdapter) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

type recordSink struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (r *recordSink) Emit(env events.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordSink) has(kind events.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.envs {
		if env.Event == kind {
			return true
		}
	}
	return false
}

func testEngineSettings() strategy.Settings {
	return strategy.Settings{
		Symbol:       "BTCUSDT",
		Leverage:     10,
		Timeframe:    "1H",
		TickInterval: 5 * time.Millisecond,
		Levels: [4]strategy.GridLevel{
			{Percent: 0.5, MaxOrders: 5, LotSize: 0.01},
			{Percent: 1.5, MaxOrders: 1, LotSize: 0.02},
			{Percent: 3.0, MaxOrders: 1, LotSize: 0.03},
			{Percent: 5.0, MaxOrders: 99, LotSize: 0.09},
		},
		Multiplier:        2,
		BaseLot:           0.01,
		MinLot:            0.001,
		MaxLot:            50,
		SmaPeriod:         3,
		SarAf:             0.1,
		SarMax:            0.8,
		CciPeriod:         3,
		CciMax:            100,
		CciMin:            -100,
		SingleOrderProfit: 3.0,
	}
}

// downtrendCandles produces a falling series so the parabolic stop sits
// above price and above the moving average.
func downtrendCandles(n int) []exchange.Candle {
	out := make([]exchange.Candle, n)
	price := 100.0 + float64(n)
	for i := range out {
		c := price - float64(i)
		out[i] = exchange.Candle{
			Timestamp: int64(i+1) * 3600_000,
			Open:      c + 1,
			High:      c + 2,
			Low:       c - 1,
			Close:     c,
			Volume:    10,
		}
	}
	return out
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func runEngine(t *testing.T, e *Engine) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	return done
}

func TestEngineLifecycle(t *testing.T) {
	fake := &fakeAdapter{price: 100, balance: 1000, candles: downtrendCandles(20)}
	sink := &recordSink{}
	e := New(Config{UserID: "u1", UserBotID: "bot1", Settings: testEngineSettings(), Adapter: fake, Sink: sink})

	if e.Status() != StatusIdle {
		t.Fatalf("initial status = %s, expected IDLE", e.Status())
	}
	done := runEngine(t, e)
	waitFor(t, "engine never reached RUNNING", func() bool { return e.Status() == StatusRunning })

	if fake.leverage != 10 {
		t.Fatalf("leverage = %d, expected 10", fake.leverage)
	}

	e.RequestStop(false)
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if e.Status() != StatusStopped {
		t.Fatalf("final status = %s, expected STOPPED", e.Status())
	}
	if !sink.has(events.KindStatusChanged) {
		t.Fatal("no status_changed events emitted")
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	fake := &fakeAdapter{price: 100, balance: 1000, candles: downtrendCandles(20)}
	e := New(Config{UserID: "u1", UserBotID: "b1", Settings: testEngineSettings(), Adapter: fake})

	done := runEngine(t, e)
	waitFor(t, "engine never reached RUNNING", func() bool { return e.Status() == StatusRunning })
	e.RequestStop(false)
	e.RequestStop(true)
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if e.Status() != StatusStopped {
		t.Fatalf("status = %s, expected STOPPED", e.Status())
	}
}

func TestEngineOpensFirstEntryOnSignal(t *testing.T) {
	cfg := testEngineSettings()
	cfg.UseSmaSar = true
	fake := &fakeAdapter{price: 100, balance: 1000, candles: downtrendCandles(20)}
	sink := &recordSink{}
	e := New(Config{UserID: "u1", UserBotID: "b1", Settings: cfg, Adapter: fake, Sink: sink})

	done := runEngine(t, e)
	waitFor(t, "no entry opened", func() bool { return fake.openedCount() >= 1 })
	e.RequestStop(false)
	<-done

	fake.mu.Lock()
	first := fake.opened[0]
	fake.mu.Unlock()
	// Parabolic stop above the average reads long.
	if first.side != exchange.SideLong {
		t.Fatalf("first entry side = %s, expected LONG", first.side)
	}
	if first.lot != 0.01 {
		t.Fatalf("first entry lot = %v, expected base lot", first.lot)
	}
	if !sink.has(events.KindTradeOpened) {
		t.Fatal("trade_opened event missing")
	}
}

func TestEngineDeepensGridOnAdverseMove(t *testing.T) {
	cfg := testEngineSettings()
	fake := &fakeAdapter{
		price:   99.0, // 1% below the tracked entry, beyond the 0.5% rung
		balance: 1000,
		candles: downtrendCandles(20),
		positions: []exchange.Position{
			{ID: "BTCUSDT-long", Symbol: "BTCUSDT", Side: exchange.SideLong, AvgEntryPrice: 100, Qty: 0.01, Leverage: 10},
		},
	}
	e := New(Config{UserID: "u1", UserBotID: "b1", Settings: cfg, Adapter: fake})

	done := runEngine(t, e)
	waitFor(t, "grid never deepened", func() bool { return fake.openedCount() >= 1 })
	e.RequestStop(false)
	<-done

	fake.mu.Lock()
	first := fake.opened[0]
	fake.mu.Unlock()
	if first.side != exchange.SideLong {
		t.Fatalf("deepening side = %s, expected LONG", first.side)
	}
	// Second rung under martingale x2.
	if first.lot != 0.02 {
		t.Fatalf("deepening lot = %v, expected 0.02", first.lot)
	}
}

func TestEngineSingleOrderTakeProfit(t *testing.T) {
	cfg := testEngineSettings()
	fake := &fakeAdapter{
		price:   100.5, // +0.5% at 10x leverage is +5%, above the 3% target
		balance: 1000,
		candles: downtrendCandles(20),
		positions: []exchange.Position{
			{ID: "BTCUSDT-long", Symbol: "BTCUSDT", Side: exchange.SideLong, AvgEntryPrice: 100, Qty: 0.01, Leverage: 10},
		},
	}
	sink := &recordSink{}
	e := New(Config{UserID: "u1", UserBotID: "b1", Settings: cfg, Adapter: fake, Sink: sink})

	done := runEngine(t, e)
	waitFor(t, "take profit never closed", func() bool { return fake.closedCount() >= 1 })
	e.RequestStop(false)
	<-done

	if !sink.has(events.KindTradeClosed) {
		t.Fatal("trade_closed event missing")
	}
	snap := e.Snapshot()
	if snap.Positions.BuyCount != 0 {
		t.Fatalf("buy ladder still has %d positions", snap.Positions.BuyCount)
	}
	if snap.Performance.TotalTrades != 1 || snap.Performance.WinningTrades != 1 {
		t.Fatalf("performance = %+v, expected one winning trade", snap.Performance)
	}
}

func TestEngineBooksVenueReportedPnL(t *testing.T) {
	cfg := testEngineSettings()
	fake := &fakeAdapter{
		price:    100.5,
		balance:  1000,
		candles:  downtrendCandles(20),
		closePnL: 4.2,
		positions: []exchange.Position{
			{ID: "BTCUSDT-long", Symbol: "BTCUSDT", Side: exchange.SideLong, AvgEntryPrice: 100, Qty: 0.01, Leverage: 10},
		},
	}
	e := New(Config{UserID: "u1", UserBotID: "b1", Settings: cfg, Adapter: fake})

	done := runEngine(t, e)
	waitFor(t, "take profit never closed", func() bool { return fake.closedCount() >= 1 })
	e.RequestStop(false)
	<-done

	// The venue's figure wins over the fill-price computation.
	snap := e.Snapshot()
	if snap.Performance.TotalPnL != 4.2 {
		t.Fatalf("realized pnl = %v, expected the reported 4.2", snap.Performance.TotalPnL)
	}
}

func TestEngineMaxLossFlattensThenStops(t *testing.T) {
	cfg := testEngineSettings()
	cfg.SingleOrderProfit = 0
	cfg.MaxLoss = 5
	fake := &fakeAdapter{price: 100, balance: 1000, candles: downtrendCandles(20)}
	sink := &recordSink{}
	e := New(Config{UserID: "u1", UserBotID: "b1", Settings: cfg, Adapter: fake, Sink: sink})

	// Book a realized loss beyond the limit before the loop starts.
	lossPos := &strategy.GridPosition{Side: exchange.SideLong, EntryPrice: 100, Lot: 1}
	e.strat.AddPosition(lossPos)
	e.strat.ClosePositionAt(lossPos, 90)

	done := runEngine(t, e)
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if e.Status() != StatusStopped {
		t.Fatalf("status = %s, expected STOPPED", e.Status())
	}
	if !sink.has(events.KindGlobalLimitHit) {
		t.Fatal("global_limit_hit event missing")
	}
	fake.mu.Lock()
	canceled := fake.canceled
	fake.mu.Unlock()
	if canceled == 0 {
		t.Fatal("pending orders were not canceled")
	}
}

func TestEngineAuthErrorTerminates(t *testing.T) {
	fake := &fakeAdapter{price: 100, balance: 1000, candles: downtrendCandles(20)}
	e := New(Config{UserID: "u1", UserBotID: "b1", Settings: testEngineSettings(), Adapter: fake})

	done := runEngine(t, e)
	waitFor(t, "engine never reached RUNNING", func() bool { return e.Status() == StatusRunning })

	fake.mu.Lock()
	fake.tickerErr = exchange.NewAPIError(exchange.KindAuth, "40001", "invalid key")
	fake.mu.Unlock()

	err := <-done
	if err == nil {
		t.Fatal("expected auth error from Run")
	}
	if !exchange.IsAuth(err) {
		t.Fatalf("error kind = %v, expected auth", err)
	}
	if e.Status() != StatusError {
		t.Fatalf("status = %s, expected ERROR", e.Status())
	}
}

func TestEngineForceClose(t *testing.T) {
	cfg := testEngineSettings()
	fake := &fakeAdapter{
		price:   100,
		balance: 1000,
		candles: downtrendCandles(20),
		positions: []exchange.Position{
			{ID: "BTCUSDT-long", Symbol: "BTCUSDT", Side: exchange.SideLong, AvgEntryPrice: 100, Qty: 0.01},
			{ID: "BTCUSDT-short", Symbol: "BTCUSDT", Side: exchange.SideShort, AvgEntryPrice: 100, Qty: 0.01},
		},
	}
	e := New(Config{UserID: "u1", UserBotID: "b1", Settings: cfg, Adapter: fake})

	done := runEngine(t, e)
	waitFor(t, "engine never reached RUNNING", func() bool { return e.Status() == StatusRunning })
	waitFor(t, "positions never synced", func() bool {
		snap := e.Snapshot()
		return snap.Positions.BuyCount+snap.Positions.SellCount == 2
	})

	if err := e.ForceClose(context.Background()); err != nil {
		t.Fatalf("force close: %v", err)
	}
	if got := fake.closedCount(); got != 2 {
		t.Fatalf("closed %d positions, expected 2", got)
	}
	if e.Status() != StatusRunning {
		t.Fatalf("status = %s, force close must not change lifecycle", e.Status())
	}

	e.RequestStop(false)
	<-done
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from     Status
		to       Status
		expected bool
	}{
		{StatusIdle, StatusStarting, true},
		{StatusStarting, StatusRunning, true},
		{StatusRunning, StatusStopping, true},
		{StatusStopping, StatusStopped, true},
		{StatusRunning, StatusError, true},
		{StatusStopped, StatusError, true},
		{StatusIdle, StatusRunning, false},
		{StatusStopped, StatusStarting, false},
		{StatusError, StatusError, false},
		{StatusStopped, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.expected {
			t.Fatalf("canTransition(%s, %s) = %v, expected %v", tt.from, tt.to, got, tt.expected)
		}
	}
}
