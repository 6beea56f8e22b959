package strategy

import (
	"ztrade/internal/types"
)

// momentumStrategy is a bar-driven EMA crossover with an RSI filter:
// long when the fast EMA crosses above the slow EMA and RSI is not
// overbought, short on the opposite cross when RSI is not oversold.
// An open position is flattened on the reverse cross.
type momentumStrategy struct {
	tf         types.Timeframe
	fast, slow int
	rsiPeriod  int
	overbought float64
	oversold   float64
	allowShort bool

	prevDiff map[string]float64
	seen     map[string]bool
}

func newMomentum(tf types.Timeframe, p Params) *momentumStrategy {
	if tf == 0 {
		tf = types.Timeframe1m
	}
	return &momentumStrategy{
		tf:         tf,
		fast:       int(p.get("fast", 12)),
		slow:       int(p.get("slow", 26)),
		rsiPeriod:  int(p.get("rsi_period", 14)),
		overbought: p.get("overbought", 70),
		oversold:   p.get("oversold", 30),
		allowShort: p.get("allow_short", 1) != 0,
		prevDiff:   make(map[string]float64),
		seen:       make(map[string]bool),
	}
}

func (m *momentumStrategy) Name() string                       { return "momentum" }
func (m *momentumStrategy) NeedsTicks() bool                   { return false }
func (m *momentumStrategy) Timeframe() (types.Timeframe, bool) { return m.tf, true }
func (m *momentumStrategy) OnTick(*Context, types.Tick) *Advice { return nil }

func (m *momentumStrategy) Indicators() []IndicatorSpec {
	return []IndicatorSpec{
		EMASpec(m.fast),
		EMASpec(m.slow),
		RSISpec(m.rsiPeriod),
		ATRSpec(14),
	}
}

func (m *momentumStrategy) OnBarClose(ctx *Context, b types.Bar) *Advice {
	fast, fok := ctx.EMA(m.fast)
	slow, sok := ctx.EMA(m.slow)
	rsi, rok := ctx.RSI(m.rsiPeriod)
	if !fok || !sok || !rok {
		return nil // not enough history yet
	}

	diff := fast - slow
	prev, had := m.prevDiff[b.Symbol]
	m.prevDiff[b.Symbol] = diff
	if !had || !m.seen[b.Symbol] {
		m.seen[b.Symbol] = true
		return nil
	}

	crossedUp := prev <= 0 && diff > 0
	crossedDown := prev >= 0 && diff < 0

	switch {
	case crossedUp:
		if ctx.Position < 0 {
			return &Advice{Side: types.SideFlat, Reason: "cross-up-exit"}
		}
		if rsi < m.overbought {
			return &Advice{Side: types.SideBuy, Reason: "ema-cross-up"}
		}
	case crossedDown:
		if ctx.Position > 0 {
			return &Advice{Side: types.SideFlat, Reason: "cross-down-exit"}
		}
		if m.allowShort && rsi > m.oversold {
			return &Advice{Side: types.SideSell, Reason: "ema-cross-down"}
		}
	}
	return nil
}
