package webhook

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"hedging-core/internal/events"
)

func TestEmitterDeliversSignedPayload(t *testing.T) {
	type received struct {
		body      []byte
		signature string
		webhookID string
		timestamp string
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			body:      body,
			signature: r.Header.Get("X-Webhook-Signature"),
			webhookID: r.Header.Get("X-Webhook-Id"),
			timestamp: r.Header.Get("X-Webhook-Timestamp"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(srv.URL, "topsecret", "bot-1")
	defer e.Close()

	env := events.NewEnvelope(events.KindTradeOpened, "user-1", "bot-1", map[string]any{"price": 100.5})
	e.Emit(env)

	var r received
	select {
	case r = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never arrived")
	}

	expectedSig := Sign("topsecret", r.body)
	if !hmac.Equal([]byte(r.signature), []byte(expectedSig)) {
		t.Fatalf("signature = %q, expected %q", r.signature, expectedSig)
	}
	if r.timestamp == "" {
		t.Fatal("timestamp header missing")
	}
	if want := "bot-1-" + r.timestamp + "-"; len(r.webhookID) != len(want)+8 || r.webhookID[:len(want)] != want {
		t.Fatalf("webhook id %q does not match bot-1-{ts}-{8 chars}", r.webhookID)
	}

	var decoded events.Envelope
	if err := json.Unmarshal(r.body, &decoded); err != nil {
		t.Fatalf("payload not valid json: %v", err)
	}
	if decoded.Event != events.KindTradeOpened {
		t.Fatalf("event = %q, expected %q", decoded.Event, events.KindTradeOpened)
	}
	if decoded.Data["userBotId"] != "bot-1" {
		t.Fatalf("userBotId = %v, expected bot-1", decoded.Data["userBotId"])
	}
}

func TestEmitterPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env events.Envelope
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &env); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		mu.Lock()
		order = append(order, fmt.Sprint(env.Data["seq"]))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(srv.URL, "", "bot-2")
	for i := 0; i < 5; i++ {
		e.Emit(events.NewEnvelope(events.KindStatusUpdate, "u", "bot-2", map[string]any{"seq": fmt.Sprint(i)}))
	}
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("delivered %d events, expected 5", len(order))
	}
	for i, seq := range order {
		if seq != fmt.Sprint(i) {
			t.Fatalf("delivery order %v, expected ascending", order)
		}
	}
}

func TestEmitterRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		fail := calls < 3
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(srv.URL, "", "bot-3")
	e.Emit(events.NewEnvelope(events.KindTradeClosed, "u", "bot-3", nil))
	e.Close()

	stats := e.Stats()
	if stats.Sent != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, expected one sent after retries", stats)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("server saw %d calls, expected 3", calls)
	}
}

func TestEmitterCountsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := New(srv.URL, "", "bot-4")
	e.Emit(events.NewEnvelope(events.KindErrorOccurred, "u", "bot-4", nil))
	e.Close()

	if stats := e.Stats(); stats.Failed != 1 || stats.Sent != 0 {
		t.Fatalf("stats = %+v, expected one failure", stats)
	}
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	e := New(srv.URL, "", "bot-5")
	// One event occupies the worker, queueSize more fill the channel, the
	// last one has nowhere to go.
	for i := 0; i < queueSize+2; i++ {
		e.Emit(events.NewEnvelope(events.KindStatusUpdate, "u", "bot-5", nil))
	}

	if stats := e.Stats(); stats.Dropped == 0 {
		t.Fatalf("stats = %+v, expected at least one drop", stats)
	}
}

func TestEmitterEmitAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(srv.URL, "", "bot-7")
	e.Emit(events.NewEnvelope(events.KindStatusUpdate, "u", "bot-7", nil))
	e.Close()

	// A manual close racing an unregister can still emit; the event must be
	// dropped instead of hitting the closed queue.
	e.Emit(events.NewEnvelope(events.KindTradeClosed, "u", "bot-7", nil))

	stats := e.Stats()
	if stats.Sent != 1 {
		t.Fatalf("stats = %+v, expected the pre-close event delivered", stats)
	}
	if stats.Dropped != 1 {
		t.Fatalf("stats = %+v, expected the post-close event dropped", stats)
	}
}

func TestEmitterWithoutURLIsNoop(t *testing.T) {
	e := New("", "secret", "bot-6")
	e.Emit(events.NewEnvelope(events.KindStatusUpdate, "u", "bot-6", nil))
	e.Close()
	if stats := e.Stats(); stats != (Stats{}) {
		t.Fatalf("stats = %+v, expected all zero", stats)
	}
}
