package db

import (
	"context"
	"database/sql"
	"fmt"
)

// IndicatorState is one session's persisted indicator snapshot. The SAR
// tuple and CCI history are stored as JSON produced by the indicators
// package.
type IndicatorState struct {
	UserID     string
	Symbol     string
	Timeframe  string
	SARState   string // JSON {af, ep, sar, trend}
	CCIHistory string // JSON array, trailing values
}

// SaveIndicatorState upserts the snapshot for a user session.
func (d *Database) SaveIndicatorState(ctx context.Context, st IndicatorState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO indicator_state (user_id, symbol, timeframe, sar_state, cci_history, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			sar_state = excluded.sar_state,
			cci_history = excluded.cci_history,
			updated_at = CURRENT_TIMESTAMP`,
		st.UserID, st.Symbol, st.Timeframe, st.SARState, st.CCIHistory)
	if err != nil {
		return fmt.Errorf("save indicator state: %w", err)
	}
	return nil
}

// LoadIndicatorState returns the snapshot for userID, or nil when none
// is stored.
func (d *Database) LoadIndicatorState(ctx context.Context, userID string) (*IndicatorState, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, symbol, timeframe, sar_state, cci_history
		FROM indicator_state WHERE user_id = ?`, userID)

	var st IndicatorState
	err := row.Scan(&st.UserID, &st.Symbol, &st.Timeframe, &st.SARState, &st.CCIHistory)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load indicator state: %w", err)
	}
	return &st, nil
}

// DeleteIndicatorState removes the snapshot for userID. Missing rows are
// not an error.
func (d *Database) DeleteIndicatorState(ctx context.Context, userID string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM indicator_state WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete indicator state: %w", err)
	}
	return nil
}
