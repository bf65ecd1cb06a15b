package indicators

import "hedging-core/pkg/exchange"

// SARState is the full Parabolic SAR computation state. It is a plain
// value: Step returns a new state, and the zero value means
// uninitialized.
type SARState struct {
	Trend       int     `json:"trend"` // +1 uptrend, -1 downtrend
	EP          float64 `json:"ep"`    // extreme point
	SAR         float64 `json:"sar"`
	AF          float64 `json:"af"`
	Initialized bool    `json:"initialized"`
}

// Value returns the last computed SAR, 0 when uninitialized.
func (s SARState) Value() float64 {
	if !s.Initialized {
		return 0
	}
	return s.SAR
}

// StepSAR advances the SAR state with the trailing candle window.
// The first call with at least 5 candles seeds trend, EP and SAR from
// those candles; later calls apply the acceleration/clamp/reversal
// rules against the newest candle.
func StepSAR(s SARState, candles []exchange.Candle, afStart, afMax float64) SARState {
	if len(candles) < 2 {
		return s
	}
	if !s.Initialized {
		return initSAR(candles, afStart)
	}

	current := candles[len(candles)-1]
	prev := candles[len(candles)-2]

	sar := s.SAR + s.AF*(s.EP-s.SAR)

	if s.Trend > 0 {
		// SAR may not rise above the prior two lows.
		if sar > prev.Low {
			sar = prev.Low
		}
		if len(candles) >= 3 && sar > candles[len(candles)-3].Low {
			sar = candles[len(candles)-3].Low
		}

		if current.Low < sar {
			// Reverse to downtrend.
			return SARState{Trend: -1, SAR: s.EP, EP: current.Low, AF: afStart, Initialized: true}
		}
		if current.High > s.EP {
			s.EP = current.High
			s.AF = min(s.AF+afStart, afMax)
		}
	} else {
		// SAR may not fall below the prior two highs.
		if sar < prev.High {
			sar = prev.High
		}
		if len(candles) >= 3 && sar < candles[len(candles)-3].High {
			sar = candles[len(candles)-3].High
		}

		if current.High > sar {
			// Reverse to uptrend.
			return SARState{Trend: 1, SAR: s.EP, EP: current.High, AF: afStart, Initialized: true}
		}
		if current.Low < s.EP {
			s.EP = current.Low
			s.AF = min(s.AF+afStart, afMax)
		}
	}

	s.SAR = sar
	return s
}

// initSAR seeds the state from the first 5 candles: trend follows the
// close-to-close direction, EP and SAR take the window extremes.
func initSAR(candles []exchange.Candle, afStart float64) SARState {
	if len(candles) < 5 {
		return SARState{}
	}
	window := candles[:5]

	lowest, highest := window[0].Low, window[0].High
	for _, c := range window[1:] {
		if c.Low < lowest {
			lowest = c.Low
		}
		if c.High > highest {
			highest = c.High
		}
	}

	if window[4].Close > window[0].Close {
		return SARState{Trend: 1, SAR: lowest, EP: highest, AF: afStart, Initialized: true}
	}
	return SARState{Trend: -1, SAR: highest, EP: lowest, AF: afStart, Initialized: true}
}
