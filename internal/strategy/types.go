package strategy

import (
	"fmt"
	"strings"
	"time"

	"hedging-core/pkg/exchange"
)

// Signal is the entry decision produced by one evaluation pass.
type Signal int

const (
	SignalNone Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// GridLevel describes one rung of the ladder: the adverse price distance
// that unlocks it, how many orders may exist at or below it in total, and
// the fixed lot used when martingale sizing is off.
type GridLevel struct {
	Percent   float64 `json:"percent" yaml:"percent"`
	MaxOrders int     `json:"maxOrders" yaml:"maxOrders"`
	LotSize   float64 `json:"lotSize" yaml:"lotSize"`
}

// GridPosition is one tracked order on a ladder side.
type GridPosition struct {
	OrderID    string        `json:"orderId"`
	Side       exchange.Side `json:"side"`
	EntryPrice float64       `json:"entryPrice"`
	Lot        float64       `json:"lot"`
	GridLevel  int           `json:"gridLevel"`
	OpenedAt   time.Time     `json:"openedAt"`
}

// Performance accumulates realized results for the life of a session.
type Performance struct {
	TotalTrades   int     `json:"totalTrades"`
	WinningTrades int     `json:"winningTrades"`
	LosingTrades  int     `json:"losingTrades"`
	RealizedPnL   float64 `json:"realizedPnl"`
}

// WinRate returns the winning share in percent, 0 when nothing closed yet.
func (p Performance) WinRate() float64 {
	if p.TotalTrades == 0 {
		return 0
	}
	return float64(p.WinningTrades) / float64(p.TotalTrades) * 100
}

// Settings is the full per-session strategy configuration after defaults
// and per-user overrides have been merged.
type Settings struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Leverage int    `json:"leverage" yaml:"leverage"`

	Timeframe       string        `json:"timeframe" yaml:"timeframe"`
	TickInterval    time.Duration `json:"tickInterval" yaml:"tickInterval"`
	OpenOnNewCandle bool          `json:"openOnNewCandle" yaml:"openOnNewCandle"`

	Levels [4]GridLevel `json:"gridLevels" yaml:"gridLevels"`

	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	BaseLot    float64 `json:"baseLot" yaml:"baseLot"`
	MinLot     float64 `json:"minLot" yaml:"minLot"`
	MaxLot     float64 `json:"maxLot" yaml:"maxLot"`

	UseSmaSar      bool    `json:"useSmaSar" yaml:"useSmaSar"`
	SmaPeriod      int     `json:"smaPeriod" yaml:"smaPeriod"`
	ReverseWeights bool    `json:"reverseWeights" yaml:"reverseWeights"`
	SarAf          float64 `json:"sarAf" yaml:"sarAf"`
	SarMax         float64 `json:"sarMax" yaml:"sarMax"`
	ReverseOrder   bool    `json:"reverseOrder" yaml:"reverseOrder"`

	CciPeriod int     `json:"cciPeriod" yaml:"cciPeriod"`
	CciMax    float64 `json:"cciMax" yaml:"cciMax"`
	CciMin    float64 `json:"cciMin" yaml:"cciMin"`

	SingleOrderProfit float64 `json:"singleOrderProfit" yaml:"singleOrderProfit"`
	PairGlobalProfit  float64 `json:"pairGlobalProfit" yaml:"pairGlobalProfit"`
	GlobalProfit      float64 `json:"globalProfit" yaml:"globalProfit"`
	MaxLoss           float64 `json:"maxLoss" yaml:"maxLoss"`

	TradesPerDay int    `json:"tradesPerDay" yaml:"tradesPerDay"`
	StartTime    string `json:"startTime" yaml:"startTime"`
	FinishTime   string `json:"finishTime" yaml:"finishTime"`
	CloseOnStop  bool   `json:"closeOnStop" yaml:"closeOnStop"`
}

// MaxOrdersPerSide is the cumulative order cap of the outermost level.
func (s Settings) MaxOrdersPerSide() int {
	total := 0
	for _, lvl := range s.Levels {
		total += lvl.MaxOrders
	}
	return total
}

// Validate checks the merged settings and reports every violation at once.
func (s Settings) Validate() error {
	var problems []string

	if s.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	if s.Leverage < 1 || s.Leverage > 125 {
		problems = append(problems, fmt.Sprintf("leverage %d out of range [1,125]", s.Leverage))
	}
	prev := 0.0
	for i, lvl := range s.Levels {
		if lvl.Percent <= prev {
			problems = append(problems, fmt.Sprintf("grid level %d percent %.4f must exceed level %d", i, lvl.Percent, i-1))
		}
		prev = lvl.Percent
		if lvl.MaxOrders <= 0 {
			problems = append(problems, fmt.Sprintf("grid level %d maxOrders must be positive", i))
		}
		if lvl.LotSize <= 0 {
			problems = append(problems, fmt.Sprintf("grid level %d lotSize must be positive", i))
		}
	}
	if s.BaseLot <= 0 {
		problems = append(problems, "baseLot must be positive")
	}
	if s.MinLot <= 0 || s.MaxLot <= 0 || s.MinLot > s.MaxLot {
		problems = append(problems, fmt.Sprintf("lot bounds invalid: min=%.4f max=%.4f", s.MinLot, s.MaxLot))
	}
	if s.BaseLot < s.MinLot || s.BaseLot > s.MaxLot {
		problems = append(problems, fmt.Sprintf("baseLot %.4f outside [%.4f, %.4f]", s.BaseLot, s.MinLot, s.MaxLot))
	}
	if s.Multiplier < 0 {
		problems = append(problems, "multiplier must not be negative")
	}
	if s.SmaPeriod <= 0 {
		problems = append(problems, "smaPeriod must be positive")
	}
	if s.SarAf <= 0 || s.SarMax <= 0 || s.SarAf > s.SarMax {
		problems = append(problems, fmt.Sprintf("sar steps invalid: af=%.4f max=%.4f", s.SarAf, s.SarMax))
	}
	// cciPeriod 0 disables the oscillator.
	if s.CciPeriod < 0 {
		problems = append(problems, "cciPeriod must not be negative")
	}
	if s.TradesPerDay < 0 {
		problems = append(problems, "tradesPerDay must not be negative")
	}
	for _, tf := range []struct {
		name, val string
	}{{"startTime", s.StartTime}, {"finishTime", s.FinishTime}} {
		if tf.val == "" {
			continue
		}
		if _, err := time.Parse("15:04", tf.val); err != nil {
			problems = append(problems, fmt.Sprintf("%s %q is not HH:MM", tf.name, tf.val))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid settings: %s", strings.Join(problems, "; "))
	}
	return nil
}
