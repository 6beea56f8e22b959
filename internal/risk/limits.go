package risk

import (
	"sync/atomic"

	"ztrade/internal/types"
)

// SizingRule selects how an approved signal is turned into a quantity.
type SizingRule uint8

const (
	// SizeFixed uses a fixed quantity per trade.
	SizeFixed SizingRule = iota
	// SizeFraction risks a fraction of current portfolio equity.
	SizeFraction
)

// Limits is one set of risk parameters. In a per-strategy entry a zero
// field inherits the global value.
type Limits struct {
	MaxPositionSize float64
	MaxDailyLoss    float64
	MaxDrawdown     float64
	Sizing          SizingRule
	FixedQuantity   float64
	RiskFraction    float64
	Window          types.TradingWindow
}

// Snapshot is an immutable, versioned limit set. It is never mutated
// after construction; reloads build a new one and swap it atomically, so
// readers never observe a half-updated configuration.
type Snapshot struct {
	Version     uint64
	Global      Limits
	PerStrategy map[string]Limits
}

// For resolves the effective limits for a strategy, overlaying the
// per-strategy entry (if any) on the global defaults.
func (s *Snapshot) For(strategyID string) Limits {
	out := s.Global
	o, ok := s.PerStrategy[strategyID]
	if !ok {
		return out
	}
	if o.MaxPositionSize > 0 {
		out.MaxPositionSize = o.MaxPositionSize
	}
	if o.MaxDailyLoss > 0 {
		out.MaxDailyLoss = o.MaxDailyLoss
	}
	if o.MaxDrawdown > 0 {
		out.MaxDrawdown = o.MaxDrawdown
	}
	if o.FixedQuantity > 0 {
		out.Sizing = o.Sizing
		out.FixedQuantity = o.FixedQuantity
	}
	if o.RiskFraction > 0 {
		out.Sizing = o.Sizing
		out.RiskFraction = o.RiskFraction
	}
	if o.Window.Start != 0 || o.Window.End != 0 {
		out.Window = o.Window
	}
	return out
}

// Source hands out the current limits snapshot and accepts reloads.
type Source struct {
	val     atomic.Value // *Snapshot
	version atomic.Uint64
}

func NewSource(initial *Snapshot) *Source {
	s := &Source{}
	if initial == nil {
		initial = &Snapshot{PerStrategy: map[string]Limits{}}
	}
	s.Swap(initial)
	return s
}

// Snapshot returns the current limit set. The returned value must be
// treated as read-only.
func (s *Source) Snapshot() *Snapshot {
	return s.val.Load().(*Snapshot)
}

// Swap installs a new snapshot, stamping it with the next version.
func (s *Source) Swap(next *Snapshot) uint64 {
	v := s.version.Add(1)
	next.Version = v
	if next.PerStrategy == nil {
		next.PerStrategy = map[string]Limits{}
	}
	s.val.Store(next)
	return v
}
