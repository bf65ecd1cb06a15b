package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hedging-core/internal/engine"
	"hedging-core/pkg/exchange"
)

// quietAdapter is a do-nothing venue so sessions can run their lifecycle.
type quietAdapter struct {
	mu     sync.Mutex
	closed int
}

func (q *quietAdapter) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	out := make([]exchange.Candle, 10)
	for i := range out {
		p := 100.0 + float64(i)
		out[i] = exchange.Candle{Timestamp: int64(i+1) * 3600_000, Open: p, High: p + 1, Low: p - 1, Close: p}
	}
	return out, nil
}

func (q *quietAdapter) GetTicker(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}

func (q *quietAdapter) GetBalance(ctx context.Context) (float64, error) { return 1000, nil }

func (q *quietAdapter) GetPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	return nil, nil
}

func (q *quietAdapter) OpenPosition(ctx context.Context, symbol string, side exchange.Side, lot float64) (exchange.OrderAck, error) {
	return exchange.OrderAck{OrderID: "o", FilledPrice: 100}, nil
}

func (q *quietAdapter) ClosePosition(ctx context.Context, symbol string, side exchange.Side, lot float64) (exchange.OrderAck, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed++
	return exchange.OrderAck{OrderID: "c", FilledPrice: 100}, nil
}

func (q *quietAdapter) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (q *quietAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func newTestManager(maxSessions int) *Manager {
	defaults := compiledDefaults()
	defaults.TickInterval = 5 * time.Millisecond
	defaults.UseSmaSar = false
	return NewManager(Config{
		Defaults:    defaults,
		Factory:     func(Credentials) (exchange.Adapter, error) { return &quietAdapter{}, nil },
		MaxSessions: maxSessions,
	})
}

func registerReq(userID string) RegisterRequest {
	return RegisterRequest{
		UserID:    userID,
		UserBotID: "bot-" + userID,
		Symbol:    "BTCUSDT",
		Leverage:  10,
	}
}

func waitStatus(t *testing.T, m *Manager, userID string, want engine.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, _, err := m.Status(userID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if snap.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _, _ := m.Status(userID)
	t.Fatalf("status = %s, never reached %s", snap.Status, want)
}

func TestRegisterWithShippedDefaults(t *testing.T) {
	// The shipped defaults disable the oscillator (cciPeriod 0); a user
	// registering without overrides has to validate as-is.
	m := NewManager(Config{
		Defaults: compiledDefaults(),
		Factory:  func(Credentials) (exchange.Adapter, error) { return &quietAdapter{}, nil },
	})
	if err := m.Register(registerReq("u-defaults")); err != nil {
		t.Fatalf("register with defaults: %v", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := newTestManager(10)
	if err := m.Register(registerReq("u1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, _, err := m.Status("u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != engine.StatusIdle {
		t.Fatalf("status after register = %s, expected IDLE", snap.Status)
	}

	if err := m.Start("u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, m, "u1", engine.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Stop(ctx, "u1", nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitStatus(t, m, "u1", engine.StatusStopped)
}

func TestManagerStopIsIdempotent(t *testing.T) {
	m := newTestManager(10)
	if err := m.Register(registerReq("u1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	// Stopping before start is a no-op.
	if err := m.Stop(ctx, "u1", nil); err != nil {
		t.Fatalf("stop before start: %v", err)
	}

	if err := m.Start("u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, m, "u1", engine.StatusRunning)
	if err := m.Stop(ctx, "u1", nil); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := m.Stop(ctx, "u1", nil); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestManagerRejectsDuplicateRegistration(t *testing.T) {
	m := newTestManager(10)
	if err := m.Register(registerReq("u1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := m.Register(registerReq("u1"))
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate register error = %v, expected ErrAlreadyRegistered", err)
	}
}

func TestManagerReplacesTerminalSession(t *testing.T) {
	m := newTestManager(10)
	if err := m.Register(registerReq("u1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start("u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, m, "u1", engine.StatusRunning)
	if err := m.Stop(context.Background(), "u1", nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitStatus(t, m, "u1", engine.StatusStopped)

	if err := m.Register(registerReq("u1")); err != nil {
		t.Fatalf("re-register after stop: %v", err)
	}
	snap, _, _ := m.Status("u1")
	if snap.Status != engine.StatusIdle {
		t.Fatalf("replacement status = %s, expected IDLE", snap.Status)
	}
}

func TestManagerEnforcesSessionCap(t *testing.T) {
	m := newTestManager(2)
	for i := 0; i < 2; i++ {
		if err := m.Register(registerReq(fmt.Sprintf("u%d", i))); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	err := m.Register(registerReq("u2"))
	if !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("over-cap register error = %v, expected ErrTooManySessions", err)
	}
}

func TestManagerRejectsInvalidSettings(t *testing.T) {
	m := newTestManager(10)
	req := registerReq("u1")
	req.CustomSettings = map[string]any{
		"space1Percent": 0.1, // below level 0, percents must strictly increase
	}
	if err := m.Register(req); err == nil {
		t.Fatal("expected validation rejection")
	}

	req = registerReq("u2")
	req.CustomSettings = map[string]any{"multiplier": "lots"}
	if err := m.Register(req); err == nil {
		t.Fatal("expected type mismatch rejection")
	}
}

func TestManagerUnregisterWaitsForExit(t *testing.T) {
	m := newTestManager(10)
	if err := m.Register(registerReq("u1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start("u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, m, "u1", engine.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Unregister(ctx, "u1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, _, err := m.Status("u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status after unregister = %v, expected ErrNotFound", err)
	}
	// Idempotent on unknown ids.
	if err := m.Unregister(ctx, "u1"); err != nil {
		t.Fatalf("second unregister: %v", err)
	}
}

func TestManagerListAndResources(t *testing.T) {
	m := newTestManager(10)
	if err := m.Register(registerReq("u1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(registerReq("u2")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start("u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, m, "u1", engine.StatusRunning)

	infos := m.ListAll()
	if len(infos) != 2 {
		t.Fatalf("listed %d sessions, expected 2", len(infos))
	}

	res := m.Resources()
	if res.Sessions != 2 || res.Running != 1 || res.MaxSessions != 10 {
		t.Fatalf("resources = %+v", res)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := m.Resources().Sessions; got != 0 {
		t.Fatalf("sessions after shutdown = %d, expected 0", got)
	}
}

func TestManagerIsolatesSessions(t *testing.T) {
	m := newTestManager(10)
	for _, id := range []string{"u1", "u2"} {
		if err := m.Register(registerReq(id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if err := m.Start(id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		waitStatus(t, m, id, engine.StatusRunning)
	}

	if err := m.Stop(context.Background(), "u1", nil); err != nil {
		t.Fatalf("stop u1: %v", err)
	}
	waitStatus(t, m, "u1", engine.StatusStopped)

	snap, _, err := m.Status("u2")
	if err != nil {
		t.Fatalf("status u2: %v", err)
	}
	if snap.Status != engine.StatusRunning {
		t.Fatalf("u2 status = %s, stopping u1 must not affect it", snap.Status)
	}
	_ = m.Shutdown(context.Background())
}
