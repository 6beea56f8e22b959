package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"ztrade/internal/logger"
	"ztrade/internal/types"
)

// OpenPosition is the slice of portfolio state the monitor needs to
// build flatten intents.
type OpenPosition struct {
	Symbol   string
	Quantity float64
}

// PositionLister enumerates a strategy's open positions.
type PositionLister interface {
	OpenPositions(strategyID string) []OpenPosition
}

// ShutdownFunc forces a strategy instance into ShutDown.
type ShutdownFunc func(strategyID, reason string) error

// IntentFunc hands a flatten intent to the execution engine.
type IntentFunc func(types.OrderIntent)

// Monitor is the post-trade side of the risk engine: it watches P&L
// updates and, when a strategy's daily loss or drawdown crosses its
// limit, shuts the strategy down and flattens everything it holds.
// The trip is one-way for the process lifetime; only an explicit
// operator restart clears it.
type Monitor struct {
	limits    *Source
	positions PositionLister
	shutdown  ShutdownFunc
	submit    IntentFunc

	mu      sync.Mutex
	peaks   map[string]float64
	tripped map[string]bool
}

func NewMonitor(limits *Source, positions PositionLister, shutdown ShutdownFunc, submit IntentFunc) *Monitor {
	return &Monitor{
		limits:    limits,
		positions: positions,
		shutdown:  shutdown,
		submit:    submit,
		peaks:     make(map[string]float64),
		tripped:   make(map[string]bool),
	}
}

// OnPnL consumes one P&L observation for a strategy: the current daily
// realized+unrealized figure and the cumulative figure used for drawdown
// tracking. Called by the portfolio tracker after fills and marks.
func (m *Monitor) OnPnL(strategyID string, daily, cumulative float64) {
	lim := m.limits.Snapshot().For(strategyID)

	m.mu.Lock()
	if m.tripped[strategyID] {
		m.mu.Unlock()
		return
	}
	peak, ok := m.peaks[strategyID]
	if !ok || cumulative > peak {
		peak = cumulative
		m.peaks[strategyID] = peak
	}
	drawdown := peak - cumulative

	var reason string
	switch {
	case lim.MaxDailyLoss > 0 && daily < -lim.MaxDailyLoss:
		reason = fmt.Sprintf("daily loss %.2f breached limit %.2f", daily, lim.MaxDailyLoss)
	case lim.MaxDrawdown > 0 && drawdown > lim.MaxDrawdown:
		reason = fmt.Sprintf("drawdown %.2f breached limit %.2f", drawdown, lim.MaxDrawdown)
	default:
		m.mu.Unlock()
		return
	}
	m.tripped[strategyID] = true
	m.mu.Unlock()

	m.trip(strategyID, reason)
}

// Tripped reports whether the monitor has already shut a strategy down.
func (m *Monitor) Tripped(strategyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tripped[strategyID]
}

// Reset clears the trip and peak state for a strategy. Called only from
// the operator restart path.
func (m *Monitor) Reset(strategyID string) {
	m.mu.Lock()
	delete(m.tripped, strategyID)
	delete(m.peaks, strategyID)
	m.mu.Unlock()
}

func (m *Monitor) trip(strategyID, reason string) {
	logger.Warnw("risk monitor tripped", "strategy", strategyID, "reason", reason)
	if m.shutdown != nil {
		if err := m.shutdown(strategyID, reason); err != nil {
			logger.Errorf("risk monitor: shutdown of %s failed: %v", strategyID, err)
		}
	}
	if m.positions == nil || m.submit == nil {
		return
	}
	for _, pos := range m.positions.OpenPositions(strategyID) {
		if pos.Quantity == 0 {
			continue
		}
		side := types.SideSell
		if pos.Quantity < 0 {
			side = types.SideBuy
		}
		sigID := uuid.NewString()
		intent := types.OrderIntent{
			IdempotencyKey: types.IdempotencyKey(strategyID, sigID),
			StrategyID:     strategyID,
			SignalID:       sigID,
			Symbol:         pos.Symbol,
			Side:           side,
			Quantity:       math.Abs(pos.Quantity),
			Type:           types.OrderMarket,
			Reason:         "risk-flatten",
			At:             time.Now(),
		}
		logger.Warnw("risk monitor flattening", "strategy", strategyID, "symbol", pos.Symbol, "quantity", pos.Quantity)
		m.submit(intent)
	}
}
