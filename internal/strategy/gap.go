package strategy

import (
	"ztrade/internal/types"
)

// gapStrategy trades the session-open gap: the first price of the day is
// compared against the previous session's close; a higher open goes long,
// a lower open goes short, at most one entry per symbol per day. The
// position is protected by a fractional stop; once stopped out, the
// symbol is not re-entered until the next session.
type gapStrategy struct {
	stopFrac float64

	state map[string]*gapSymbolState
}

type gapSymbolState struct {
	day        int // year*1000+yday of the session being traded
	prevClose  float64
	lastPrice  float64
	entered    bool
	stoppedOut bool
	side       types.Side
	entryPrice float64
}

func newGap(p Params) *gapStrategy {
	return &gapStrategy{
		stopFrac: p.get("stop_loss_frac", 0.01),
		state:    make(map[string]*gapSymbolState),
	}
}

func (g *gapStrategy) Name() string                          { return "gap" }
func (g *gapStrategy) NeedsTicks() bool                      { return true }
func (g *gapStrategy) Timeframe() (types.Timeframe, bool)    { return 0, false }
func (g *gapStrategy) Indicators() []IndicatorSpec           { return []IndicatorSpec{VWAPSpec()} }
func (g *gapStrategy) OnBarClose(*Context, types.Bar) *Advice { return nil }

func (g *gapStrategy) OnTick(ctx *Context, t types.Tick) *Advice {
	st := g.state[t.Symbol]
	if st == nil {
		st = &gapSymbolState{}
		g.state[t.Symbol] = st
	}

	day := t.At.Year()*1000 + t.At.YearDay()
	if st.day != day {
		// session roll: yesterday's last in-window price becomes the
		// reference close for today's gap
		st.prevClose = st.lastPrice
		st.day = day
		st.entered = false
		st.stoppedOut = false
		st.side = types.SideFlat
		st.entryPrice = 0
	}
	st.lastPrice = t.Price

	if st.stoppedOut {
		return nil
	}

	if !st.entered {
		if st.prevClose <= 0 {
			return nil // first session observed, nothing to compare against
		}
		switch {
		case t.Price > st.prevClose:
			st.entered, st.side, st.entryPrice = true, types.SideBuy, t.Price
			return &Advice{Side: types.SideBuy, Reason: "gap-up"}
		case t.Price < st.prevClose:
			st.entered, st.side, st.entryPrice = true, types.SideSell, t.Price
			return &Advice{Side: types.SideSell, Reason: "gap-down"}
		default:
			return nil // open equals previous close: no gap today
		}
	}

	if ctx.Position == 0 || st.side == types.SideFlat {
		return nil
	}
	if g.stopHit(st.side, st.entryPrice, t.Price) {
		st.stoppedOut = true
		return &Advice{Side: types.SideFlat, Reason: "stop-loss"}
	}
	return nil
}

func (g *gapStrategy) stopHit(side types.Side, entry, price float64) bool {
	if side == types.SideBuy {
		return price <= entry*(1-g.stopFrac)
	}
	return price >= entry*(1+g.stopFrac)
}
