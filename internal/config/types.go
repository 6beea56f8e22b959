package config

import (
	"fmt"
	"time"

	"ztrade/internal/strategy"
	"ztrade/internal/types"
)

// Config is the full engine configuration tree.
type Config struct {
	App        AppConfig        `toml:"app" mapstructure:"app"`
	Feed       FeedConfig       `toml:"feed" mapstructure:"feed"`
	Execution  ExecutionConfig  `toml:"execution" mapstructure:"execution"`
	Risk       RiskConfig       `toml:"risk" mapstructure:"risk"`
	Portfolio  PortfolioConfig  `toml:"portfolio" mapstructure:"portfolio"`
	Store      StoreConfig      `toml:"store" mapstructure:"store"`
	HTTP       HTTPConfig       `toml:"http" mapstructure:"http"`
	Strategies []StrategyConfig `toml:"strategies" mapstructure:"strategies"`
}

type AppConfig struct {
	LogLevel string `toml:"log_level" mapstructure:"log_level"`
	LogFile  string `toml:"log_file" mapstructure:"log_file"`
	Timezone string `toml:"timezone" mapstructure:"timezone"`
}

type FeedConfig struct {
	QueueSize int `toml:"queue_size" mapstructure:"queue_size"`
}

type ExecutionConfig struct {
	SubmitRate   float64       `toml:"submit_rate" mapstructure:"submit_rate"`
	SubmitBurst  int           `toml:"submit_burst" mapstructure:"submit_burst"`
	SubmitWait   time.Duration `toml:"submit_wait" mapstructure:"submit_wait"`
	AckTimeout   time.Duration `toml:"ack_timeout" mapstructure:"ack_timeout"`
	MaxAttempts  int           `toml:"max_attempts" mapstructure:"max_attempts"`
	RetryMin     time.Duration `toml:"retry_min" mapstructure:"retry_min"`
	RetryMax     time.Duration `toml:"retry_max" mapstructure:"retry_max"`
}

type RiskConfig struct {
	// LimitsFile holds the risk limit snapshot, reloaded on change.
	LimitsFile string `toml:"limits_file" mapstructure:"limits_file"`
}

type PortfolioConfig struct {
	StartingEquity float64 `toml:"starting_equity" mapstructure:"starting_equity"`
}

type StoreConfig struct {
	Path      string `toml:"path" mapstructure:"path"`
	QueueSize int    `toml:"queue_size" mapstructure:"queue_size"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Addr    string `toml:"addr" mapstructure:"addr"`
}

type StrategyConfig struct {
	ID        string             `toml:"id" mapstructure:"id"`
	Kind      string             `toml:"kind" mapstructure:"kind"`
	Symbols   []string           `toml:"symbols" mapstructure:"symbols"`
	Timeframe string             `toml:"timeframe" mapstructure:"timeframe"`
	Window    string             `toml:"window" mapstructure:"window"`
	Params    map[string]float64 `toml:"params" mapstructure:"params"`
	AllowAdds bool               `toml:"allow_adds" mapstructure:"allow_adds"`
	Disabled  bool               `toml:"disabled" mapstructure:"disabled"`
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Feed.QueueSize <= 0 {
		c.Feed.QueueSize = 256
	}
	if c.Execution.SubmitRate <= 0 {
		c.Execution.SubmitRate = 5
	}
	if c.Execution.SubmitBurst <= 0 {
		c.Execution.SubmitBurst = 10
	}
	if c.Execution.SubmitWait <= 0 {
		c.Execution.SubmitWait = 2 * time.Second
	}
	if c.Execution.AckTimeout <= 0 {
		c.Execution.AckTimeout = 10 * time.Second
	}
	if c.Execution.MaxAttempts <= 0 {
		c.Execution.MaxAttempts = 3
	}
	if c.Execution.RetryMin <= 0 {
		c.Execution.RetryMin = 200 * time.Millisecond
	}
	if c.Execution.RetryMax <= 0 {
		c.Execution.RetryMax = 5 * time.Second
	}
	if c.Portfolio.StartingEquity <= 0 {
		c.Portfolio.StartingEquity = 100000
	}
	if c.Store.Path == "" {
		c.Store.Path = "ztrade.db"
	}
	if c.Store.QueueSize <= 0 {
		c.Store.QueueSize = 1024
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8099"
	}
}

func validate(c *Config) error {
	ids := make(map[string]bool)
	for i, sc := range c.Strategies {
		if sc.ID == "" {
			return fmt.Errorf("strategies[%d]: id is required", i)
		}
		if ids[sc.ID] {
			return fmt.Errorf("strategies[%d]: duplicate id %q", i, sc.ID)
		}
		ids[sc.ID] = true
		if sc.Kind == "" {
			return fmt.Errorf("strategy %s: kind is required", sc.ID)
		}
		if len(sc.Symbols) == 0 {
			return fmt.Errorf("strategy %s: at least one symbol is required", sc.ID)
		}
		if _, err := sc.Instance(nil); err != nil {
			return fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
	}
	return nil
}

// Instance converts the raw strategy entry into a typed instance
// config. loc is the default timezone for the trading window.
func (sc StrategyConfig) Instance(loc *time.Location) (strategy.InstanceConfig, error) {
	out := strategy.InstanceConfig{
		ID:        sc.ID,
		Kind:      sc.Kind,
		Symbols:   sc.Symbols,
		Params:    strategy.Params(sc.Params),
		AllowAdds: sc.AllowAdds,
	}
	if sc.Timeframe != "" {
		tf, err := types.ParseTimeframe(sc.Timeframe)
		if err != nil {
			return out, fmt.Errorf("timeframe: %w", err)
		}
		out.Timeframe = tf
	}
	if sc.Window != "" {
		w, err := types.ParseTradingWindow(sc.Window, loc)
		if err != nil {
			return out, fmt.Errorf("window: %w", err)
		}
		out.Window = w
	}
	return out, nil
}

// Timezone resolves the configured location, defaulting to local time.
func (c *Config) Timezone() (*time.Location, error) {
	if c.App.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.App.Timezone)
}
