package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ztrade/internal/types"
)

// PriceFunc quotes the current price for a symbol.
type PriceFunc func(symbol string) (float64, bool)

/// PaperBroker is an in-process venue for paper trading and tests:
// market orders acknowledge immediately and fill in full at the quoted
// price, limit orders fill at the limit. It keeps its own order book so
// reconciliation queries behave like a real venue's.
type PaperBroker struct {
	quote PriceFunc

	mu      sync.Mutex
	byKey   map[string]*VenueOrder
	updates chan Update
}

func NewPaperBroker(quote PriceFunc) *PaperBroker {
	return &PaperBroker{
		quote:   quote,
		byKey:   make(map[string]*VenueOrder),
		updates: make(chan Update, 256),
	}
}

func (p *PaperBroker) Submit(_ context.Context, intent types.OrderIntent) (string, error) {
	price := intent.LimitPrice
	if intent.Type == types.OrderMarket {
		q, ok := p.quote(intent.Symbol)
		if !ok {
			return "", fmt.Errorf("no quote for %s", intent.Symbol)
		}
		price = q
	}

	p.mu.Lock()
	if existing, ok := p.byKey[intent.IdempotencyKey]; ok {
		p.mu.Unlock()
		return existing.VenueOrderID, nil
	}
	id := uuid.NewString()
	p.byKey[intent.IdempotencyKey] = &VenueOrder{
		VenueOrderID: id,
		Key:          intent.IdempotencyKey,
		Status:       StatusFilled,
		FilledQty:    intent.Quantity,
		AvgFillPrice: price,
	}
	p.mu.Unlock()

	now := time.Now()
	p.push(Update{Kind: UpdateAck, Key: intent.IdempotencyKey, VenueOrderID: id, At: now})
	p.push(Update{
		Kind:         UpdateFill,
		Key:          intent.IdempotencyKey,
		VenueOrderID: id,
		FillQty:      intent.Quantity,
		FillPrice:    price,
		At:           now,
	})
	return id, nil
}

func (p *PaperBroker) Cancel(_ context.Context, venueOrderID string) error {
	return fmt.Errorf("order %s already terminal", venueOrderID)
}

func (p *PaperBroker) QueryStatus(_ context.Context, key string) (*VenueOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vo, ok := p.byKey[key]
	if !ok {
		return nil, nil
	}
	cp := *vo
	return &cp, nil
}

func (p *PaperBroker) Updates() <-chan Update { return p.updates }

func (p *PaperBroker) push(u Update) {
	select {
	case p.updates <- u:
	default:
		// a stalled consumer will catch up via reconciliation
	}
}
