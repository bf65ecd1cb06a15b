package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"hedging-core/internal/events"
	"hedging-core/pkg/logger"
)

const (
	queueSize   = 1000
	putTimeout  = 500 * time.Millisecond
	sendTimeout = 5 * time.Second
	maxAttempts = 3
)

// Stats are the delivery counters of one emitter.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Emitter delivers event envelopes to a per-user webhook URL. Events are
// queued on a bounded channel and drained by a single worker so delivery
// order matches emission order. A full queue drops the newest event rather
// than blocking the trading loop.
type Emitter struct {
	url       string
	secret    string
	userBotID string

	client *http.Client
	queue  chan events.Envelope

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	mu        sync.RWMutex
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New starts an emitter worker for the given destination. The secret may be
// empty, in which case payloads are unsigned.
func New(url, secret, userBotID string) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		url:       url,
		secret:    secret,
		userBotID: userBotID,
		client:    &http.Client{Timeout: sendTimeout},
		queue:     make(chan events.Envelope, queueSize),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go e.worker(ctx)
	return e
}

// Emit queues an envelope for delivery. Waits briefly for queue room, then
// counts the event as dropped. Events arriving after Close are dropped.
func (e *Emitter) Emit(env events.Envelope) {
	if e.url == "" {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.queue <- env:
	default:
		timer := time.NewTimer(putTimeout)
		defer timer.Stop()
		select {
		case e.queue <- env:
		case <-timer.C:
			e.dropped.Add(1)
			logger.S().Warnw("webhook queue full, event dropped",
				"userBotId", e.userBotID, "event", env.Event)
		}
	}
}

// Stats returns a snapshot of the delivery counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Sent:    e.sent.Load(),
		Failed:  e.failed.Load(),
		Dropped: e.dropped.Load(),
	}
}

// Close stops the worker after the queue drains. Safe to call twice.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		// The write lock waits out any Emit already past the closed check,
		// so nothing can send on the queue once it closes.
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
		<-e.done
		e.cancel()
	})
}

func (e *Emitter) worker(ctx context.Context) {
	defer close(e.done)
	for env := range e.queue {
		if err := e.deliver(ctx, env); err != nil {
			e.failed.Add(1)
			logger.S().Errorw("webhook delivery abandoned",
				"userBotId", e.userBotID, "event", env.Event, "error", err)
			continue
		}
		e.sent.Add(1)
	}
}

func (e *Emitter) deliver(ctx context.Context, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	bo := &backoff.Backoff{Min: time.Second, Max: 10 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = e.send(ctx, body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (e *Emitter) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	ts := fmt.Sprintf("%d", time.Now().UnixMilli())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Id", fmt.Sprintf("%s-%s-%s", e.userBotID, ts, uuid.NewString()[:8]))
	if e.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(e.secret, body))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	default:
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 signature of a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
