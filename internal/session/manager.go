package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hedging-core/internal/engine"
	"hedging-core/internal/events"
	"hedging-core/internal/strategy"
	"hedging-core/internal/webhook"
	"hedging-core/pkg/exchange"
	"hedging-core/pkg/logger"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyRegistered = errors.New("session already registered")
	ErrNotStartable      = errors.New("session is not in a startable state")
	ErrTooManySessions   = errors.New("session limit reached")
)

// How long a terminal session lingers before the sweep removes it.
const (
	cleanupInterval = time.Hour
	terminalMaxAge  = 24 * time.Hour
)

// Credentials identify one user's venue account.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase"`
	Demo       bool   `json:"demo"`
}

// RegisterRequest is the platform's session registration payload.
type RegisterRequest struct {
	UserID              string         `json:"user_id" binding:"required"`
	UserBotID           string         `json:"user_bot_id" binding:"required"`
	ExchangeCredentials Credentials    `json:"exchange_credentials"`
	Symbol              string         `json:"symbol" binding:"required"`
	Leverage            int            `json:"leverage"`
	CustomSettings      map[string]any `json:"custom_settings"`
	WebhookURL          string         `json:"webhook_url"`
	WebhookSecret       string         `json:"webhook_secret"`
}

// AdapterFactory builds a venue adapter from user credentials. Swappable
// so tests can run sessions against a scripted venue.
type AdapterFactory func(creds Credentials) (exchange.Adapter, error)

// StateStore is the persistence surface the manager and its engines need.
// *db.Database satisfies it.
type StateStore interface {
	engine.IndicatorStore
	DeleteIndicatorState(ctx context.Context, userID string) error
}

// Info is one row of the admin session listing.
type Info struct {
	UserID       string        `json:"userId"`
	UserBotID    string        `json:"userBotId"`
	Symbol       string        `json:"symbol"`
	Status       engine.Status `json:"status"`
	RegisteredAt string        `json:"registeredAt"`
	Webhook      webhook.Stats `json:"webhook"`
}

// Resources is the admin resource-usage summary.
type Resources struct {
	Sessions    int    `json:"sessions"`
	MaxSessions int    `json:"maxSessions"`
	Running     int    `json:"running"`
	Goroutines  int    `json:"goroutines"`
	HeapAllocMB uint64 `json:"heapAllocMb"`
	Uptime      string `json:"uptime"`
}

type session struct {
	userID       string
	userBotID    string
	settings     strategy.Settings
	engine       *engine.Engine
	emitter      *webhook.Emitter
	registeredAt time.Time

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	stoppedAt time.Time
}

// Config wires the manager's collaborators.
type Config struct {
	Defaults    strategy.Settings
	Factory     AdapterFactory
	Bus         *events.Bus
	Store       StateStore
	MaxSessions int
}

// Manager owns the session registry. All lifecycle operations go through
// it; engines never outlive their registry entry.
type Manager struct {
	cfg       Config
	startedAt time.Time
	mu        sync.RWMutex
	sessions  map[string]*session
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	return &Manager{cfg: cfg, startedAt: time.Now(), sessions: make(map[string]*session)}
}

// Register creates a session in IDLE. Re-registering replaces a session
// only after it has reached a terminal state.
func (m *Manager) Register(req RegisterRequest) error {
	settings := m.cfg.Defaults
	settings.Symbol = req.Symbol
	settings.Leverage = req.Leverage
	if err := ApplyOverrides(&settings, req.CustomSettings); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	adapter, err := m.cfg.Factory(req.ExchangeCredentials)
	if err != nil {
		return fmt.Errorf("build exchange adapter: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[req.UserID]; ok {
		st := existing.engine.Status()
		if st != engine.StatusStopped && st != engine.StatusError {
			return fmt.Errorf("%w: user %s is %s", ErrAlreadyRegistered, req.UserID, st)
		}
		existing.emitter.Close()
		delete(m.sessions, req.UserID)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return fmt.Errorf("%w: %d active", ErrTooManySessions, len(m.sessions))
	}

	emitter := webhook.New(req.WebhookURL, req.WebhookSecret, req.UserBotID)
	var sink events.Sink = emitter
	if m.cfg.Bus != nil {
		sink = events.Multi{emitter, m.cfg.Bus}
	}

	eng := engine.New(engine.Config{
		UserID:    req.UserID,
		UserBotID: req.UserBotID,
		Settings:  settings,
		Adapter:   adapter,
		Sink:      sink,
		Store:     m.cfg.Store,
	})

	m.sessions[req.UserID] = &session{
		userID:       req.UserID,
		userBotID:    req.UserBotID,
		settings:     settings,
		engine:       eng,
		emitter:      emitter,
		registeredAt: time.Now(),
	}
	logger.S().Infow("session registered",
		"userId", req.UserID, "userBotId", req.UserBotID, "symbol", req.Symbol)
	return nil
}

// Start launches the session's run loop.
func (m *Manager) Start(userID string) error {
	s, err := m.get(userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%w: user %s is %s", ErrNotStartable, userID, s.engine.Status())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		err := s.engine.Run(ctx)
		s.mu.Lock()
		s.runErr = err
		s.stoppedAt = time.Now()
		s.mu.Unlock()
		if err != nil {
			logger.S().Errorw("session terminated", "userId", s.userID, "error", err)
		}
	}()
	return nil
}

// Stop winds a session down and waits for the run loop to exit.
// closePositions nil defers to the session's close-on-stop setting.
// Stopping an idle or already stopped session is a no-op.
func (m *Manager) Stop(ctx context.Context, userID string, closePositions *bool) error {
	s, err := m.get(userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	started := s.started
	done := s.done
	s.mu.Unlock()
	if !started {
		return nil
	}

	closeOut := s.settings.CloseOnStop
	if closePositions != nil {
		closeOut = *closePositions
	}
	s.engine.RequestStop(closeOut)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Deadline exceeded: cut the engine's context and report.
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		return fmt.Errorf("stop timed out for user %s: %w", userID, ctx.Err())
	}
}

// Status returns the session snapshot plus webhook delivery counters.
func (m *Manager) Status(userID string) (engine.Snapshot, webhook.Stats, error) {
	s, err := m.get(userID)
	if err != nil {
		return engine.Snapshot{}, webhook.Stats{}, err
	}
	return s.engine.Snapshot(), s.emitter.Stats(), nil
}

// Settings returns the session's merged configuration.
func (m *Manager) Settings(userID string) (strategy.Settings, error) {
	s, err := m.get(userID)
	if err != nil {
		return strategy.Settings{}, err
	}
	return s.settings, nil
}

// ForceClosePositions flattens the session's ladders without stopping it.
func (m *Manager) ForceClosePositions(ctx context.Context, userID string) error {
	s, err := m.get(userID)
	if err != nil {
		return err
	}
	return s.engine.ForceClose(ctx)
}

// Unregister stops the session if needed, waits for its loop to exit,
// drops persisted state and removes it from the registry. Idempotent:
// unknown ids return nil.
func (m *Manager) Unregister(ctx context.Context, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	started := s.started
	done := s.done
	s.mu.Unlock()
	if started {
		s.engine.RequestStop(s.settings.CloseOnStop)
		select {
		case <-done:
		case <-ctx.Done():
			s.mu.Lock()
			if s.cancel != nil {
				s.cancel()
			}
			s.mu.Unlock()
			<-done
		}
	}
	s.emitter.Close()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.DeleteIndicatorState(ctx, userID); err != nil {
			logger.S().Warnw("indicator state cleanup failed", "userId", userID, "error", err)
		}
	}
	logger.S().Infow("session unregistered", "userId", userID)
	return nil
}

// ListAll returns the admin view of every registered session.
func (m *Manager) ListAll() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Info{
			UserID:       s.userID,
			UserBotID:    s.userBotID,
			Symbol:       s.settings.Symbol,
			Status:       s.engine.Status(),
			RegisteredAt: s.registeredAt.UTC().Format(time.RFC3339),
			Webhook:      s.emitter.Stats(),
		})
	}
	return out
}

// Resources reports registry occupancy for the admin surface.
func (m *Manager) Resources() Resources {
	m.mu.RLock()
	defer m.mu.RUnlock()
	running := 0
	for _, s := range m.sessions {
		if s.engine.Status() == engine.StatusRunning {
			running++
		}
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Resources{
		Sessions:    len(m.sessions),
		MaxSessions: m.cfg.MaxSessions,
		Running:     running,
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: mem.HeapAlloc / (1 << 20),
		Uptime:      time.Since(m.startedAt).Round(time.Second).String(),
	}
}

// Shutdown stops every session concurrently, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Unregister(gctx, id)
		})
	}
	return g.Wait()
}

// RunCleanup sweeps terminal sessions older than a day until ctx ends.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		st := s.engine.Status()
		if st != engine.StatusStopped && st != engine.StatusError {
			continue
		}
		s.mu.Lock()
		stoppedAt := s.stoppedAt
		s.mu.Unlock()
		if !stoppedAt.IsZero() && time.Since(stoppedAt) > terminalMaxAge {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		logger.S().Infow("sweeping stale session", "userId", id)
		if err := m.Unregister(ctx, id); err != nil {
			logger.S().Warnw("stale session cleanup failed", "userId", id, "error", err)
		}
	}
}

func (m *Manager) get(userID string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return s, nil
}
