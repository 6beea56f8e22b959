package risk

import (
	"fmt"
	"math"
	"time"

	"ztrade/internal/logger"
	"ztrade/internal/types"
)

// Reason is the machine-readable rejection cause.
type Reason string

const (
	ReasonPositionLimit Reason = "position-limit"
	ReasonDailyLoss     Reason = "daily-loss"
	ReasonWindow        Reason = "trading-window"
	ReasonShutdown      Reason = "strategy-shutdown"
	ReasonNoPosition    Reason = "no-position"
	ReasonSizing        Reason = "sizing-unavailable"
)

// Rejection reports why a signal was refused. Rejections are never
// silently dropped; they go to the audit journal and back to the caller.
type Rejection struct {
	SignalID   string
	StrategyID string
	Symbol     string
	Reason     Reason
	Detail     string
	At         time.Time
}

func (r Rejection) Error() string {
	return fmt.Sprintf("signal %s rejected: %s (%s)", r.SignalID, r.Reason, r.Detail)
}

// View is the portfolio state the gate reads. All methods return
// point-in-time copies; the gate itself has no side effects beyond the
// decision.
type View interface {
	StrategyPosition(strategyID, symbol string) float64
	DailyPnL(strategyID string) float64
	Equity() float64
	LastPrice(symbol string) (float64, bool)
}

// ShutdownCheck reports whether a strategy instance is in ShutDown.
type ShutdownCheck func(strategyID string) bool

// Engine is the synchronous pre-trade gate: one decision point per
// signal, invoked on the signal path before anything reaches the
// executor.
type Engine struct {
	limits      *Source
	view        View
	isShutDown  ShutdownCheck
	onRejection func(Rejection)
}

func NewEngine(limits *Source, view View, isShutDown ShutdownCheck) *Engine {
	return &Engine{limits: limits, view: view, isShutDown: isShutDown}
}

// OnRejection registers the audit hook for rejected signals.
func (e *Engine) OnRejection(fn func(Rejection)) { e.onRejection = fn }

// Check validates a signal against the current limits snapshot and, on
// acceptance, sizes it into an OrderIntent. Risk-reducing intents
// (flattening or shrinking a position) bypass the window and daily-loss
// gates so a strategy can always get out.
func (e *Engine) Check(sig types.Signal) (types.OrderIntent, *Rejection) {
	lim := e.limits.Snapshot().For(sig.StrategyID)

	if e.isShutDown != nil && e.isShutDown(sig.StrategyID) {
		return types.OrderIntent{}, e.reject(sig, ReasonShutdown, "instance is shut down")
	}

	pos := e.view.StrategyPosition(sig.StrategyID, sig.Symbol)

	side := sig.Side
	var qty float64
	if side == types.SideFlat {
		if pos == 0 {
			return types.OrderIntent{}, e.reject(sig, ReasonNoPosition, "nothing to flatten")
		}
		qty = math.Abs(pos)
		if pos > 0 {
			side = types.SideSell
		} else {
			side = types.SideBuy
		}
	} else {
		var rej *Rejection
		qty, rej = e.size(sig, lim)
		if rej != nil {
			return types.OrderIntent{}, rej
		}
	}

	next := pos + side.Sign()*qty
	reducing := math.Abs(next) < math.Abs(pos)

	if !reducing {
		if !lim.Window.Contains(sig.At) {
			return types.OrderIntent{}, e.reject(sig, ReasonWindow, "outside trading window")
		}
		if lim.MaxDailyLoss > 0 {
			if daily := e.view.DailyPnL(sig.StrategyID); daily <= -lim.MaxDailyLoss {
				return types.OrderIntent{}, e.reject(sig, ReasonDailyLoss,
					fmt.Sprintf("daily pnl %.2f breaches limit %.2f", daily, lim.MaxDailyLoss))
			}
		}
		if lim.MaxPositionSize > 0 && math.Abs(next) > lim.MaxPositionSize {
			return types.OrderIntent{}, e.reject(sig, ReasonPositionLimit,
				fmt.Sprintf("resulting position %.4f exceeds limit %.4f", next, lim.MaxPositionSize))
		}
	}

	return types.OrderIntent{
		IdempotencyKey: types.IdempotencyKey(sig.StrategyID, sig.ID),
		StrategyID:     sig.StrategyID,
		SignalID:       sig.ID,
		Symbol:         sig.Symbol,
		Side:           side,
		Quantity:       qty,
		Type:           types.OrderMarket,
		Reason:         sig.Reason,
		At:             sig.At,
	}, nil
}

// size applies the configured sizing rule, capped by the signal's own
// hint when one was given.
func (e *Engine) size(sig types.Signal, lim Limits) (float64, *Rejection) {
	var qty float64
	switch lim.Sizing {
	case SizeFraction:
		price, ok := e.view.LastPrice(sig.Symbol)
		if !ok || price <= 0 {
			return 0, e.reject(sig, ReasonSizing, "no reference price for fractional sizing")
		}
		qty = e.view.Equity() * lim.RiskFraction / price
	default:
		qty = lim.FixedQuantity
	}
	if sig.SizeHint > 0 && (qty <= 0 || sig.SizeHint < qty) {
		qty = sig.SizeHint
	}
	if qty <= 0 {
		return 0, e.reject(sig, ReasonSizing, "sizing rule produced a non-positive quantity")
	}
	return qty, nil
}

func (e *Engine) reject(sig types.Signal, reason Reason, detail string) *Rejection {
	rej := &Rejection{
		SignalID:   sig.ID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Reason:     reason,
		Detail:     detail,
		At:         sig.At,
	}
	logger.Infof("risk: rejected %s/%s: %s (%s)", sig.StrategyID, sig.Symbol, reason, detail)
	if e.onRejection != nil {
		e.onRejection(*rej)
	}
	return rej
}
