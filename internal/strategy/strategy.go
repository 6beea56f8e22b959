package strategy

import (
	"fmt"
	"time"

	"ztrade/internal/types"
)

// Params carries strategy tunables from config. Missing keys fall back to
// each strategy's defaults.
type Params map[string]float64

func (p Params) get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Advice is what a strategy wants done after one evaluation: nil for no
// action, otherwise a direction plus an optional size hint. Add marks a
// deliberate position-add; without it a same-direction advice while a
// position is open is suppressed by the engine.
type Advice struct {
	Side     types.Side
	SizeHint float64
	Reason   string
	Add      bool
}

// Context is the read-only view handed to a strategy on each evaluation.
// Indicator accessors return ok=false until enough history has
// accumulated; strategies degrade to "no advice" in that case.
type Context struct {
	Now      time.Time
	Symbol   string
	Position float64

	ind *IndicatorSet
}

func (c *Context) EMA(period int) (float64, bool) { return c.ind.ema(period) }
func (c *Context) SMA(period int) (float64, bool) { return c.ind.sma(period) }
func (c *Context) RSI(period int) (float64, bool) { return c.ind.rsi(period) }
func (c *Context) ATR(period int) (float64, bool) { return c.ind.atr(period) }
func (c *Context) VWAP() (float64, bool)          { return c.ind.vwap() }

// MACD returns the MACD line, signal line and histogram.
func (c *Context) MACD() (macd, signal, hist float64, ok bool) { return c.ind.macd() }

// Bollinger returns the upper, middle and lower bands.
func (c *Context) Bollinger() (upper, middle, lower float64, ok bool) { return c.ind.bollinger() }

// Strategy is the single capability interface all variants implement.
// New strategies are added by implementing it and registering the kind in
// New; there is no reflection or plug-in loading.
//
// OnTick and OnBarClose are the only entry points that may touch a
// strategy's private state. Both are invoked from a single goroutine per
// instance and must stay side-effect-free apart from returning an Advice.
type Strategy interface {
	Name() string
	NeedsTicks() bool
	Timeframe() (types.Timeframe, bool)
	Indicators() []IndicatorSpec
	OnTick(*Context, types.Tick) *Advice
	OnBarClose(*Context, types.Bar) *Advice
}

// New builds a strategy variant by kind name.
func New(kind string, tf types.Timeframe, p Params) (Strategy, error) {
	switch kind {
	case "gap":
		return newGap(p), nil
	case "momentum":
		return newMomentum(tf, p), nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", kind)
	}
}
