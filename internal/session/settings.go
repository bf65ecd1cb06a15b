package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hedging-core/internal/strategy"
	"hedging-core/pkg/logger"
)

// compiledDefaults is the built-in configuration used when no defaults
// file is shipped. Values match the shipped defaults.yaml.
func compiledDefaults() strategy.Settings {
	return strategy.Settings{
		Timeframe:       "1H",
		TickInterval:    time.Second,
		OpenOnNewCandle: true,
		Levels: [4]strategy.GridLevel{
			{Percent: 0.5, MaxOrders: 5, LotSize: 0.01},
			{Percent: 1.5, MaxOrders: 1, LotSize: 0.02},
			{Percent: 3.0, MaxOrders: 1, LotSize: 0.03},
			{Percent: 5.0, MaxOrders: 99, LotSize: 0.09},
		},
		Multiplier:        1.5,
		BaseLot:           0.01,
		MinLot:            0.001,
		MaxLot:            50,
		UseSmaSar:         true,
		SmaPeriod:         7,
		SarAf:             0.1,
		SarMax:            0.8,
		CciPeriod:         0,
		CciMax:            100,
		CciMin:            -100,
		SingleOrderProfit: 3.0,
		PairGlobalProfit:  1.0,
		StartTime:         "00:00",
		FinishTime:        "00:00",
	}
}

// LoadDefaults reads the session defaults file and overlays it on the
// built-in configuration. A missing path falls back to the built-ins.
func LoadDefaults(path string) (strategy.Settings, error) {
	base := compiledDefaults()
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.S().Warnw("defaults file missing, using built-ins", "path", path)
			return base, nil
		}
		return base, fmt.Errorf("read defaults: %w", err)
	}
	var overrides map[string]any
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return base, fmt.Errorf("parse defaults: %w", err)
	}
	if err := ApplyOverrides(&base, overrides); err != nil {
		return base, fmt.Errorf("apply defaults: %w", err)
	}
	return base, nil
}

// ApplyOverrides merges camelCase keyed overrides into settings. The same
// key set serves the defaults file and per-user custom_settings. Unknown
// keys are skipped with a warning; type mismatches are errors.
func ApplyOverrides(s *strategy.Settings, overrides map[string]any) error {
	for key, val := range overrides {
		var err error
		switch key {
		case "multiplier":
			err = setFloat(&s.Multiplier, val)
		case "spacePercent":
			err = setFloat(&s.Levels[0].Percent, val)
		case "spaceOrders":
			err = setInt(&s.Levels[0].MaxOrders, val)
		case "spaceLot":
			err = setFloat(&s.Levels[0].LotSize, val)
		case "space1Percent":
			err = setFloat(&s.Levels[1].Percent, val)
		case "space1Orders":
			err = setInt(&s.Levels[1].MaxOrders, val)
		case "space1Lot":
			err = setFloat(&s.Levels[1].LotSize, val)
		case "space2Percent":
			err = setFloat(&s.Levels[2].Percent, val)
		case "space2Orders":
			err = setInt(&s.Levels[2].MaxOrders, val)
		case "space2Lot":
			err = setFloat(&s.Levels[2].LotSize, val)
		case "space3Percent":
			err = setFloat(&s.Levels[3].Percent, val)
		case "space3Orders":
			err = setInt(&s.Levels[3].MaxOrders, val)
		case "space3Lot":
			err = setFloat(&s.Levels[3].LotSize, val)
		case "useSmaSar":
			err = setBool(&s.UseSmaSar, val)
		case "smaPeriod":
			err = setInt(&s.SmaPeriod, val)
		case "reverseWeights":
			err = setBool(&s.ReverseWeights, val)
		case "sarAf":
			err = setFloat(&s.SarAf, val)
		case "sarMax":
			err = setFloat(&s.SarMax, val)
		case "reverseOrder":
			err = setBool(&s.ReverseOrder, val)
		case "cciPeriod":
			err = setInt(&s.CciPeriod, val)
		case "cciMax":
			err = setFloat(&s.CciMax, val)
		case "cciMin":
			err = setFloat(&s.CciMin, val)
		case "timeframe":
			err = setString(&s.Timeframe, val)
		case "tickInterval":
			err = setDuration(&s.TickInterval, val)
		case "openOnNewCandle":
			err = setBool(&s.OpenOnNewCandle, val)
		case "singleOrderProfit":
			err = setFloat(&s.SingleOrderProfit, val)
		case "pairGlobalProfit":
			err = setFloat(&s.PairGlobalProfit, val)
		case "globalProfit":
			err = setFloat(&s.GlobalProfit, val)
		case "maxLoss":
			err = setFloat(&s.MaxLoss, val)
		case "baseLot":
			err = setFloat(&s.BaseLot, val)
		case "minLot":
			err = setFloat(&s.MinLot, val)
		case "maxLot":
			err = setFloat(&s.MaxLot, val)
		case "tradesPerDay":
			err = setInt(&s.TradesPerDay, val)
		case "startTime":
			err = setString(&s.StartTime, val)
		case "finishTime":
			err = setString(&s.FinishTime, val)
		case "closeOnStop":
			err = setBool(&s.CloseOnStop, val)
		default:
			logger.S().Warnw("unknown settings key ignored", "key", key)
			continue
		}
		if err != nil {
			return fmt.Errorf("setting %q: %w", key, err)
		}
	}
	return nil
}

func setFloat(dst *float64, val any) error {
	switch v := val.(type) {
	case float64:
		*dst = v
	case float32:
		*dst = float64(v)
	case int:
		*dst = float64(v)
	case int64:
		*dst = float64(v)
	default:
		return fmt.Errorf("expected number, got %T", val)
	}
	return nil
}

func setInt(dst *int, val any) error {
	switch v := val.(type) {
	case int:
		*dst = v
	case int64:
		*dst = int(v)
	case float64:
		if v != float64(int(v)) {
			return fmt.Errorf("expected integer, got %v", v)
		}
		*dst = int(v)
	default:
		return fmt.Errorf("expected integer, got %T", val)
	}
	return nil
}

func setBool(dst *bool, val any) error {
	v, ok := val.(bool)
	if !ok {
		return fmt.Errorf("expected boolean, got %T", val)
	}
	*dst = v
	return nil
}

func setString(dst *string, val any) error {
	v, ok := val.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", val)
	}
	*dst = v
	return nil
}

// setDuration accepts a duration string ("1s") or a number of seconds.
func setDuration(dst *time.Duration, val any) error {
	switch v := val.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*dst = d
	case float64:
		*dst = time.Duration(v * float64(time.Second))
	case int:
		*dst = time.Duration(v) * time.Second
	case int64:
		*dst = time.Duration(v) * time.Second
	default:
		return fmt.Errorf("expected duration, got %T", val)
	}
	return nil
}
