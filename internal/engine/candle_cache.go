package engine

import (
	"context"
	"time"

	"hedging-core/pkg/exchange"
)

const (
	cacheCapacity  = 200
	cacheTTL       = time.Second
	tailFetchLimit = 5
	fullReloadGap  = 60 * time.Second
)

// candleCache keeps a rolling window of recent bars so the tick loop does
// not hammer the venue. Fresh reads are served from memory, short gaps are
// patched by refetching the tail, long gaps force a full reload.
type candleCache struct {
	adapter   exchange.Adapter
	symbol    string
	timeframe string

	candles   []exchange.Candle
	fetchedAt time.Time
	now       func() time.Time
}

func newCandleCache(adapter exchange.Adapter, symbol, timeframe string) *candleCache {
	return &candleCache{
		adapter:   adapter,
		symbol:    symbol,
		timeframe: timeframe,
		now:       time.Now,
	}
}

// Get returns the current window. A fetch failure falls back to the cached
// window alongside the error so a flaky venue does not stall the loop.
func (c *candleCache) Get(ctx context.Context) ([]exchange.Candle, error) {
	age := c.now().Sub(c.fetchedAt)
	if len(c.candles) > 0 && age < cacheTTL {
		return c.candles, nil
	}

	if len(c.candles) == 0 || age > fullReloadGap {
		fresh, err := c.adapter.GetCandles(ctx, c.symbol, c.timeframe, cacheCapacity)
		if err != nil {
			return c.candles, err
		}
		c.candles = fresh
		c.fetchedAt = c.now()
		return c.candles, nil
	}

	tail, err := c.adapter.GetCandles(ctx, c.symbol, c.timeframe, tailFetchLimit)
	if err != nil {
		return c.candles, err
	}
	c.merge(tail)
	c.fetchedAt = c.now()
	return c.candles, nil
}

// merge overlays the fetched tail onto the window, replacing bars that
// share a timestamp and appending newer ones.
func (c *candleCache) merge(tail []exchange.Candle) {
	for _, bar := range tail {
		replaced := false
		for i := len(c.candles) - 1; i >= 0; i-- {
			if c.candles[i].Timestamp == bar.Timestamp {
				c.candles[i] = bar
				replaced = true
				break
			}
			if c.candles[i].Timestamp < bar.Timestamp {
				break
			}
		}
		if !replaced && (len(c.candles) == 0 || bar.Timestamp > c.candles[len(c.candles)-1].Timestamp) {
			c.candles = append(c.candles, bar)
		}
	}
	if len(c.candles) > cacheCapacity {
		c.candles = c.candles[len(c.candles)-cacheCapacity:]
	}
}

// LatestTimestamp returns the newest bar's timestamp, 0 when empty.
func (c *candleCache) LatestTimestamp() int64 {
	if len(c.candles) == 0 {
		return 0
	}
	return c.candles[len(c.candles)-1].Timestamp
}
