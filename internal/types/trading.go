package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Side is the direction of a signal or order. Flat means "close whatever
// is open"; the risk engine resolves it to a concrete buy or sell.
type Side uint8

const (
	SideFlat Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	case SideFlat:
		return "flat"
	default:
		return "invalid"
	}
}

// Sign returns +1 for buy, -1 for sell, 0 for flat.
func (s Side) Sign() float64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// Opposite returns the reversing side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideFlat
	}
}

// Signal is a strategy's request to change a position, prior to risk
// validation and sizing. Immutable; consumed at most once by the risk gate.
type Signal struct {
	ID         string
	StrategyID string
	Symbol     string
	Side       Side
	SizeHint   float64
	Reason     string
	At         time.Time
}

// OrderType is the venue order type.
type OrderType uint8

const (
	OrderMarket OrderType = iota
	OrderLimit
)

func (t OrderType) String() string {
	if t == OrderLimit {
		return "limit"
	}
	return "market"
}

// OrderIntent is a risk-approved, sized, idempotency-keyed order request.
// One intent per approved signal.
type OrderIntent struct {
	IdempotencyKey string
	StrategyID     string
	SignalID       string
	Symbol         string
	Side           Side
	Quantity       float64
	Type           OrderType
	LimitPrice     float64
	Reason         string
	At             time.Time
}

// IdempotencyKey derives the deterministic submission key for a
// (strategy, signal) pair. Two submissions of the same signal always
// produce the same key, which is what makes duplicate submits a no-op.
func IdempotencyKey(strategyID, signalID string) string {
	sum := sha256.Sum256([]byte(strategyID + "|" + signalID))
	return hex.EncodeToString(sum[:16])
}

// Fill reports an execution (possibly partial) against an order.
type Fill struct {
	OrderKey     string
	VenueOrderID string
	StrategyID   string
	Symbol       string
	Side         Side
	Quantity     float64
	Price        float64
	At           time.Time
}

func (f Fill) String() string {
	return fmt.Sprintf("%s %s %.4f@%.4f (order=%s)", f.Symbol, f.Side, f.Quantity, f.Price, f.OrderKey)
}

// TradingWindow is a daily [start, end) window in a fixed location.
// The zero value is treated as "always open".
type TradingWindow struct {
	Start    int // minutes since midnight
	End      int
	Location *time.Location
}

// Contains reports whether t falls inside the window.
func (w TradingWindow) Contains(t time.Time) bool {
	if w.Start == 0 && w.End == 0 {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()
	if w.Start <= w.End {
		return m >= w.Start && m < w.End
	}
	// overnight window, e.g. 22:00-02:00
	return m >= w.Start || m < w.End
}

// ParseTradingWindow parses "HH:MM-HH:MM".
func ParseTradingWindow(s string, loc *time.Location) (TradingWindow, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TradingWindow{}, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return TradingWindow{}, fmt.Errorf("invalid trading window %q", s)
	}
	start, err := parseMinuteOfDay(parts[0])
	if err != nil {
		return TradingWindow{}, fmt.Errorf("invalid trading window %q: %w", s, err)
	}
	end, err := parseMinuteOfDay(parts[1])
	if err != nil {
		return TradingWindow{}, fmt.Errorf("invalid trading window %q: %w", s, err)
	}
	return TradingWindow{Start: start, End: end, Location: loc}, nil
}

func parseMinuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
