package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"ztrade/internal/types"
)

// SimFeed generates a random-walk tick stream for paper trading and
// local development. Sequence numbers are per symbol and strictly
// increasing, so the normalizer sees a clean stream.
type SimFeed struct {
	interval time.Duration

	mu     sync.RWMutex
	prices map[string]float64
	seqs   map[string]uint64

	ticks  chan RawTick
	events chan types.ConnEvent
}

// NewSimFeed seeds one walk per symbol at the given start price.
func NewSimFeed(start map[string]float64, interval time.Duration) *SimFeed {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	prices := make(map[string]float64, len(start))
	for sym, p := range start {
		prices[sym] = p
	}
	return &SimFeed{
		interval: interval,
		prices:   prices,
		seqs:     make(map[string]uint64, len(start)),
		ticks:    make(chan RawTick, 256),
		events:   make(chan types.ConnEvent, 8),
	}
}

func (f *SimFeed) Ticks() <-chan RawTick          { return f.ticks }
func (f *SimFeed) Events() <-chan types.ConnEvent { return f.events }

// Last returns the current simulated price for a symbol.
func (f *SimFeed) Last(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	return p, ok
}

// Run emits ticks until ctx is cancelled, then closes both channels.
func (f *SimFeed) Run(ctx context.Context) error {
	f.events <- types.ConnEvent{State: types.ConnConnected, At: time.Now()}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(f.ticks)
			close(f.events)
			return ctx.Err()
		case now := <-ticker.C:
			f.mu.Lock()
			for sym, price := range f.prices {
				price *= 1 + rng.NormFloat64()*0.0005
				f.prices[sym] = price
				f.seqs[sym]++
				raw := RawTick{
					Symbol: sym,
					Price:  price,
					Size:   float64(1 + rng.Intn(100)),
					At:     now,
					Seq:    f.seqs[sym],
				}
				select {
				case f.ticks <- raw:
				default:
				}
			}
			f.mu.Unlock()
		}
	}
}
