package indicators

import (
	"math"

	"hedging-core/pkg/exchange"
)

// cciHistoryMax bounds the retained CCI series; the tail is what gets
// persisted across restarts.
const cciHistoryMax = 100

// CCI computes the Commodity Channel Index over the last period
// candles: (tp - sma(tp)) / (0.015 * mean deviation). Zero deviation or
// too few candles yields 0.
func CCI(candles []exchange.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	recent := candles[len(candles)-period:]

	sum := 0.0
	for _, c := range recent {
		sum += c.TypicalPrice()
	}
	sma := sum / float64(period)

	meanDev := 0.0
	for _, c := range recent {
		meanDev += math.Abs(c.TypicalPrice() - sma)
	}
	meanDev /= float64(period)
	if meanDev == 0 {
		return 0
	}

	return (recent[len(recent)-1].TypicalPrice() - sma) / (0.015 * meanDev)
}

// CCIHistory keeps a bounded series of CCI values to support crossing
// detection.
type CCIHistory struct {
	Values []float64 `json:"values"`
}

// Push appends a value, trimming to the retained bound.
func (h *CCIHistory) Push(v float64) {
	h.Values = append(h.Values, v)
	if len(h.Values) > cciHistoryMax {
		h.Values = h.Values[len(h.Values)-cciHistoryMax:]
	}
}

// Last returns the most recent value, 0 when empty.
func (h CCIHistory) Last() float64 {
	if len(h.Values) == 0 {
		return 0
	}
	return h.Values[len(h.Values)-1]
}

// CrossedAbove reports prev < level && curr >= level for the latest two
// values.
func (h CCIHistory) CrossedAbove(level float64) bool {
	if len(h.Values) < 2 {
		return false
	}
	prev, curr := h.Values[len(h.Values)-2], h.Values[len(h.Values)-1]
	return prev < level && curr >= level
}

// CrossedBelow reports prev > level && curr <= level for the latest two
// values.
func (h CCIHistory) CrossedBelow(level float64) bool {
	if len(h.Values) < 2 {
		return false
	}
	prev, curr := h.Values[len(h.Values)-2], h.Values[len(h.Values)-1]
	return prev > level && curr <= level
}
