package executor

import (
	"time"

	"ztrade/internal/types"
)

// Status is the order lifecycle state.
// Created -> Submitted -> Acknowledged -> {PartiallyFilled, Filled,
// Cancelled, Rejected}; any non-terminal state may fall to Unknown on a
// confirmation timeout, from which reconciliation resolves the truth.
type Status uint8

const (
	StatusCreated Status = iota
	StatusSubmitted
	StatusAcknowledged
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusRejected
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSubmitted:
		return "submitted"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	case StatusUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Terminal reports whether the order has left the engine's working set.
// Unknown is deliberately not terminal: it is a question for
// reconciliation, not an answer.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is one tracked order. The engine is the sole mutator; callers
// only ever see copies.
type Order struct {
	Key          string
	VenueOrderID string
	StrategyID   string
	SignalID     string
	Symbol       string
	Side         types.Side
	Type         types.OrderType
	Quantity     float64
	LimitPrice   float64
	Status       Status
	Reason       string
	FilledQty    float64
	AvgFillPrice float64
	Retries      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func newOrder(intent types.OrderIntent, now time.Time) *Order {
	return &Order{
		Key:        intent.IdempotencyKey,
		StrategyID: intent.StrategyID,
		SignalID:   intent.SignalID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Type:       intent.Type,
		Quantity:   intent.Quantity,
		LimitPrice: intent.LimitPrice,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// applyFill folds one fill increment into the order's running totals.
func (o *Order) applyFill(qty, price float64, now time.Time) {
	if qty <= 0 {
		return
	}
	total := o.FilledQty + qty
	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + price*qty) / total
	o.FilledQty = total
	if o.FilledQty >= o.Quantity {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = now
}
