package db

import (
	"context"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestIndicatorStateRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	st := IndicatorState{
		UserID:     "u-1",
		Symbol:     "BTCUSDT",
		Timeframe:  "1H",
		SARState:   `{"af":0.1,"ep":50100,"sar":49800,"trend":1}`,
		CCIHistory: `[12.5,-34.1,88.0]`,
	}
	if err := d.SaveIndicatorState(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := d.LoadIndicatorState(ctx, "u-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("load returned nil, expected state")
	}
	if got.SARState != st.SARState || got.CCIHistory != st.CCIHistory {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestIndicatorStateUpsert(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	first := IndicatorState{UserID: "u-1", Symbol: "BTCUSDT", Timeframe: "1H", SARState: `{}`, CCIHistory: `[]`}
	if err := d.SaveIndicatorState(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := first
	second.Timeframe = "15m"
	second.CCIHistory = `[1.0]`
	if err := d.SaveIndicatorState(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := d.LoadIndicatorState(ctx, "u-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Timeframe != "15m" || got.CCIHistory != `[1.0]` {
		t.Fatalf("upsert did not replace: %+v", got)
	}
}

func TestIndicatorStateDelete(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if err := d.DeleteIndicatorState(ctx, "missing"); err != nil {
		t.Fatalf("delete missing should not error: %v", err)
	}

	st := IndicatorState{UserID: "u-2", Symbol: "ETHUSDT", Timeframe: "1H", SARState: `{}`, CCIHistory: `[]`}
	if err := d.SaveIndicatorState(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := d.DeleteIndicatorState(ctx, "u-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := d.LoadIndicatorState(ctx, "u-2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}
