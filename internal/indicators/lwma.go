// Package indicators holds the pure numerical transforms the strategy
// evaluates each tick. State-carrying indicators (SAR, CCI history) are
// explicit values with step functions so persistence stays trivial.
package indicators

import "hedging-core/pkg/exchange"

// LWMA computes the linear weighted moving average of the HLCC/4
// weighted price over the last period candles. Weights run 1..period
// oldest to newest, matching the MT4 expert this strategy descends
// from; reverse flips to the conventional newest-heaviest weighting.
// Returns 0 when fewer than period candles are available.
func LWMA(candles []exchange.Candle, period int, reverse bool) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	recent := candles[len(candles)-period:]

	weightedSum := 0.0
	weightSum := 0.0
	for i, c := range recent {
		weight := float64(i + 1)
		if reverse {
			weight = float64(period - i)
		}
		weightedSum += c.WeightedPrice() * weight
		weightSum += weight
	}
	if weightSum == 0 {
		return 0
	}
	return weightedSum / weightSum
}
