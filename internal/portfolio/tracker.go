package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"ztrade/internal/logger"
	"ztrade/internal/types"
)

// ErrLedgerCorrupt means a position no longer matches the sum of the
// fills that produced it. Trading must not continue on a corrupt
// ledger; callers treat this as process-fatal.
var ErrLedgerCorrupt = errors.New("position ledger corrupt")

// position is one strategy's holding in one symbol. Quantities are
// signed: positive long, negative short.
type position struct {
	qty      decimal.Decimal
	avgCost  decimal.Decimal
	realized decimal.Decimal // session-to-date, reset on session roll
	lifetime decimal.Decimal // realized since process start
	fillSum  decimal.Decimal // independent running sum of signed fills
}

// PositionSnapshot is the read-only view handed to callers.
type PositionSnapshot struct {
	StrategyID string
	Symbol     string
	Quantity   float64
	AvgCost    float64
	Realized   float64
	Unrealized float64
	Mark       float64
}

// PnLFunc receives a P&L observation after every fill or mark that
// changes a strategy's numbers.
type PnLFunc func(strategyID string, daily, cumulative float64)

// Tracker is the event-sourced position and P&L aggregator. Each
// strategy owns its own book; account-level figures are the sum over
// books, so opposing strategies net at the account while each keeps its
// own cost basis. Fills mutate state; ticks only update marks.
type Tracker struct {
	mu     sync.RWMutex
	books  map[string]map[string]*position // strategyID -> symbol
	marks  map[string]decimal.Decimal
	equity decimal.Decimal // starting equity
	onPnL  PnLFunc
}

func NewTracker(startingEquity float64) *Tracker {
	return &Tracker{
		books:  make(map[string]map[string]*position),
		marks:  make(map[string]decimal.Decimal),
		equity: decimal.NewFromFloat(startingEquity),
	}
}

// OnPnL registers the post-trade risk monitor hook.
func (t *Tracker) OnPnL(fn PnLFunc) { t.onPnL = fn }

// ApplyFill folds one fill into the owning strategy's book using
// weighted-average-cost accounting. A fill that crosses through zero is
// split into a close leg and an open leg. Returns ErrLedgerCorrupt if
// the invariant check fails afterward.
func (t *Tracker) ApplyFill(f types.Fill) error {
	if f.Quantity <= 0 || f.Side == types.SideFlat {
		return fmt.Errorf("invalid fill for %s: side=%s qty=%.4f", f.Symbol, f.Side, f.Quantity)
	}
	delta := decimal.NewFromFloat(f.Quantity).Mul(decimal.NewFromInt(int64(f.Side.Sign())))
	price := decimal.NewFromFloat(f.Price)

	t.mu.Lock()
	book := t.books[f.StrategyID]
	if book == nil {
		book = make(map[string]*position)
		t.books[f.StrategyID] = book
	}
	p := book[f.Symbol]
	if p == nil {
		p = &position{}
		book[f.Symbol] = p
	}

	p.apply(delta, price)
	p.fillSum = p.fillSum.Add(delta)

	if !p.qty.Equal(p.fillSum) {
		t.mu.Unlock()
		logger.Errorf("portfolio: %s/%s qty %s != fill sum %s",
			f.StrategyID, f.Symbol, p.qty, p.fillSum)
		return fmt.Errorf("%w: %s/%s", ErrLedgerCorrupt, f.StrategyID, f.Symbol)
	}
	t.marks[f.Symbol] = price
	daily, cum := t.pnlLocked(f.StrategyID)
	t.mu.Unlock()

	logger.Debugf("portfolio: %s %s %s %.4f @ %.4f", f.StrategyID, f.Side, f.Symbol, f.Quantity, f.Price)
	if t.onPnL != nil {
		t.onPnL(f.StrategyID, daily, cum)
	}
	return nil
}

// apply implements the WAC update for one signed fill.
func (p *position) apply(delta, price decimal.Decimal) {
	if p.qty.IsZero() || p.qty.Sign() == delta.Sign() {
		// opening or adding
		newQty := p.qty.Add(delta)
		if !newQty.IsZero() {
			p.avgCost = p.avgCost.Mul(p.qty.Abs()).Add(price.Mul(delta.Abs())).Div(newQty.Abs())
		}
		p.qty = newQty
		return
	}

	closing := decimal.Min(delta.Abs(), p.qty.Abs())
	// realized = (price - cost) * closed quantity, in the direction of
	// the position being reduced
	gain := price.Sub(p.avgCost).Mul(closing).Mul(decimal.NewFromInt(int64(p.qty.Sign())))
	p.realized = p.realized.Add(gain)
	p.lifetime = p.lifetime.Add(gain)

	if delta.Abs().GreaterThan(p.qty.Abs()) {
		// crossed through zero: the remainder opens a fresh position
		// at the fill price
		p.qty = p.qty.Add(delta)
		p.avgCost = price
		return
	}
	p.qty = p.qty.Add(delta)
	if p.qty.IsZero() {
		p.avgCost = decimal.Zero
	}
}

// MarkPrice records the latest trade price for a symbol. Read-only with
// respect to positions; it only moves unrealized P&L. Fires the P&L
// hook for every strategy holding the symbol.
func (t *Tracker) MarkPrice(symbol string, price float64) {
	d := decimal.NewFromFloat(price)
	t.mu.Lock()
	t.marks[symbol] = d
	type obs struct {
		id         string
		daily, cum float64
	}
	var touched []obs
	for id, book := range t.books {
		if p, ok := book[symbol]; ok && !p.qty.IsZero() {
			daily, cum := t.pnlLocked(id)
			touched = append(touched, obs{id, daily, cum})
		}
	}
	t.mu.Unlock()

	if t.onPnL != nil {
		for _, o := range touched {
			t.onPnL(o.id, o.daily, o.cum)
		}
	}
}

func (t *Tracker) pnlLocked(strategyID string) (daily, cumulative float64) {
	var d, c decimal.Decimal
	for sym, p := range t.books[strategyID] {
		d = d.Add(p.realized)
		c = c.Add(p.lifetime)
		if p.qty.IsZero() {
			continue
		}
		mark, ok := t.marks[sym]
		if !ok {
			continue
		}
		unreal := mark.Sub(p.avgCost).Mul(p.qty)
		d = d.Add(unreal)
		c = c.Add(unreal)
	}
	df, _ := d.Float64()
	cf, _ := c.Float64()
	return df, cf
}

// StrategyPosition returns the signed quantity a strategy holds in a
// symbol.
func (t *Tracker) StrategyPosition(strategyID, symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	book := t.books[strategyID]
	if book == nil {
		return 0
	}
	p := book[symbol]
	if p == nil {
		return 0
	}
	f, _ := p.qty.Float64()
	return f
}

// NetPosition returns the account-level signed quantity in a symbol,
// summed across all strategy books.
func (t *Tracker) NetPosition(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var net decimal.Decimal
	for _, book := range t.books {
		if p, ok := book[symbol]; ok {
			net = net.Add(p.qty)
		}
	}
	f, _ := net.Float64()
	return f
}

// DailyPnL is the strategy's session realized plus unrealized P&L.
func (t *Tracker) DailyPnL(strategyID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	daily, _ := t.pnlLocked(strategyID)
	return daily
}

// CumulativePnL is the strategy's since-start realized plus unrealized
// P&L, the series the drawdown monitor tracks peaks over.
func (t *Tracker) CumulativePnL(strategyID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, cum := t.pnlLocked(strategyID)
	return cum
}

// Equity is starting equity plus account-wide P&L since start.
func (t *Tracker) Equity() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := t.equity
	for id := range t.books {
		_, cum := t.pnlLocked(id)
		total = total.Add(decimal.NewFromFloat(cum))
	}
	f, _ := total.Float64()
	return f
}

// LastPrice returns the most recent mark for a symbol.
func (t *Tracker) LastPrice(symbol string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mark, ok := t.marks[symbol]
	if !ok {
		return 0, false
	}
	f, _ := mark.Float64()
	return f, true
}

// OpenPositions lists a strategy's non-zero holdings.
func (t *Tracker) OpenPositions(strategyID string) []PositionSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []PositionSnapshot
	for sym, p := range t.books[strategyID] {
		if p.qty.IsZero() {
			continue
		}
		out = append(out, t.snapLocked(strategyID, sym, p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Snapshot returns every position across all books, including flat ones
// with realized history.
func (t *Tracker) Snapshot() []PositionSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []PositionSnapshot
	for id, book := range t.books {
		for sym, p := range book {
			out = append(out, t.snapLocked(id, sym, p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (t *Tracker) snapLocked(strategyID, symbol string, p *position) PositionSnapshot {
	qty, _ := p.qty.Float64()
	cost, _ := p.avgCost.Float64()
	realized, _ := p.realized.Float64()
	var mark, unreal float64
	if m, ok := t.marks[symbol]; ok {
		mark, _ = m.Float64()
		if !p.qty.IsZero() {
			unreal, _ = m.Sub(p.avgCost).Mul(p.qty).Float64()
		}
	}
	return PositionSnapshot{
		StrategyID: strategyID,
		Symbol:     symbol,
		Quantity:   qty,
		AvgCost:    cost,
		Realized:   realized,
		Unrealized: unreal,
		Mark:       mark,
	}
}

// ResetSession zeroes every book's session realized P&L at the session
// roll. Open positions and lifetime figures carry over.
func (t *Tracker) ResetSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, book := range t.books {
		for _, p := range book {
			p.realized = decimal.Zero
		}
	}
}
