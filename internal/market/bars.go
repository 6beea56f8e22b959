package market

import (
	"ztrade/internal/types"
)

// BarBuilder aggregates ticks into OHLCV bars for a single timeframe.
// A bar closes when the first tick of the next interval arrives; closed
// bars are immutable. One builder serves one strategy instance, so no
// locking is needed here (dispatch to an instance is already serialized).
type BarBuilder struct {
	tf      types.Timeframe
	working map[string]*types.Bar
	late    uint64
}

func NewBarBuilder(tf types.Timeframe) *BarBuilder {
	return &BarBuilder{tf: tf, working: make(map[string]*types.Bar)}
}

// Apply folds a tick into the working bar for its symbol. When the tick
// opens a new interval the previous bar is returned closed, otherwise nil.
// A tick from an already-closed interval is counted and dropped; it must
// neither reopen the closed bar nor disturb the working one.
func (b *BarBuilder) Apply(t types.Tick) *types.Bar {
	start := b.tf.Truncate(t.At)
	cur := b.working[t.Symbol]
	if cur != nil {
		if start.Equal(cur.Start) {
			if t.Price > cur.High {
				cur.High = t.Price
			}
			if t.Price < cur.Low {
				cur.Low = t.Price
			}
			cur.Close = t.Price
			cur.Volume += t.Size
			return nil
		}
		if start.Before(cur.Start) {
			b.late++
			return nil
		}
	}

	b.working[t.Symbol] = &types.Bar{
		Symbol:    t.Symbol,
		Timeframe: b.tf,
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Close:     t.Price,
		Volume:    t.Size,
		Start:     start,
		End:       start.Add(b.tf.Duration()),
	}
	if cur == nil {
		return nil
	}
	closed := *cur
	return &closed
}

// LateTicks reports how many ticks arrived for intervals already closed.
func (b *BarBuilder) LateTicks() uint64 { return b.late }

// Working returns a copy of the currently open bar for symbol, if any.
func (b *BarBuilder) Working(symbol string) (types.Bar, bool) {
	cur := b.working[symbol]
	if cur == nil {
		return types.Bar{}, false
	}
	return *cur, true
}
