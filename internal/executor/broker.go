package executor

import (
	"context"
	"errors"
	"time"

	"ztrade/internal/types"
)

// ErrTransient wraps venue I/O failures that are worth retrying.
// Anything not wrapping it is treated as a venue-level rejection.
var ErrTransient = errors.New("transient venue error")

// IsTransient classifies a submission error as retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// UpdateKind discriminates asynchronous venue events.
type UpdateKind uint8

const (
	UpdateAck UpdateKind = iota
	UpdateFill
	UpdateCancel
	UpdateReject
)

// Update is one asynchronous venue event for an order the engine
// submitted. FillQty/FillPrice are the increment, not the running total.
type Update struct {
	Kind         UpdateKind
	Key          string
	VenueOrderID string
	FillQty      float64
	FillPrice    float64
	Reason       string
	At           time.Time
}

// VenueOrder is the venue's view of an order, as returned by status
// queries during reconciliation. FilledQty is the running total.
type VenueOrder struct {
	VenueOrderID string
	Key          string
	Status       Status
	FilledQty    float64
	AvgFillPrice float64
}

// Broker is the venue collaborator. Submit must be idempotent on the
// venue side for the same client order key; the engine still guards the
// local side itself.
type Broker interface {
	// Submit places the order and returns the venue-assigned id.
	Submit(ctx context.Context, intent types.OrderIntent) (venueOrderID string, err error)
	// Cancel requests cancellation of a previously submitted order.
	Cancel(ctx context.Context, venueOrderID string) error
	// QueryStatus fetches the venue's current view of one order by the
	// client key. A nil VenueOrder with nil error means the venue has
	// never seen the key.
	QueryStatus(ctx context.Context, key string) (*VenueOrder, error)
	// Updates is the stream of asynchronous order events.
	Updates() <-chan Update
}
