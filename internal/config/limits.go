package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ztrade/internal/risk"
	"ztrade/internal/types"
)

// limitsFile is the on-disk shape of the risk limit set.
type limitsFile struct {
	Timezone    string                 `yaml:"timezone"`
	Global      limitsEntry            `yaml:"global"`
	PerStrategy map[string]limitsEntry `yaml:"per_strategy"`
}

type limitsEntry struct {
	MaxPositionSize float64 `yaml:"max_position_size"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxDrawdown     float64 `yaml:"max_drawdown"`
	Sizing          string  `yaml:"sizing"`
	FixedQuantity   float64 `yaml:"fixed_quantity"`
	RiskFraction    float64 `yaml:"risk_fraction"`
	Window          string  `yaml:"window"`
}

// LoadLimits reads a risk limit snapshot from a YAML file. The returned
// snapshot is unversioned; risk.Source stamps it on Swap.
func LoadLimits(path string) (*risk.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading limits file failed (%s): %w", path, err)
	}
	var lf limitsFile
	if err := yaml.Unmarshal(raw, &lf); err != nil {
		return nil, fmt.Errorf("parsing limits file failed: %w", err)
	}
	loc := time.Local
	if lf.Timezone != "" {
		loc, err = time.LoadLocation(lf.Timezone)
		if err != nil {
			return nil, fmt.Errorf("limits timezone: %w", err)
		}
	}
	global, err := lf.Global.limits(loc)
	if err != nil {
		return nil, fmt.Errorf("global limits: %w", err)
	}
	snap := &risk.Snapshot{Global: global, PerStrategy: make(map[string]risk.Limits)}
	for id, entry := range lf.PerStrategy {
		lim, err := entry.limits(loc)
		if err != nil {
			return nil, fmt.Errorf("limits for %s: %w", id, err)
		}
		snap.PerStrategy[id] = lim
	}
	return snap, nil
}

func (e limitsEntry) limits(loc *time.Location) (risk.Limits, error) {
	out := risk.Limits{
		MaxPositionSize: e.MaxPositionSize,
		MaxDailyLoss:    e.MaxDailyLoss,
		MaxDrawdown:     e.MaxDrawdown,
		FixedQuantity:   e.FixedQuantity,
		RiskFraction:    e.RiskFraction,
	}
	switch e.Sizing {
	case "", "fixed":
		out.Sizing = risk.SizeFixed
	case "fraction":
		out.Sizing = risk.SizeFraction
	default:
		return out, fmt.Errorf("unknown sizing rule %q", e.Sizing)
	}
	if e.Window != "" {
		w, err := types.ParseTradingWindow(e.Window, loc)
		if err != nil {
			return out, fmt.Errorf("window: %w", err)
		}
		out.Window = w
	}
	return out, nil
}
