package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ztrade/internal/types"
)

type fakeBroker struct {
	mu       sync.Mutex
	submits  int
	submitFn func(types.OrderIntent) (string, error)
	statusFn func(key string) (*VenueOrder, error)
	updates  chan Update
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{updates: make(chan Update, 16)}
}

func (b *fakeBroker) Submit(_ context.Context, intent types.OrderIntent) (string, error) {
	b.mu.Lock()
	b.submits++
	n := b.submits
	fn := b.submitFn
	b.mu.Unlock()
	if fn != nil {
		return fn(intent)
	}
	return fmt.Sprintf("venue-%d", n), nil
}

func (b *fakeBroker) Cancel(context.Context, string) error { return nil }

func (b *fakeBroker) QueryStatus(_ context.Context, key string) (*VenueOrder, error) {
	if b.statusFn != nil {
		return b.statusFn(key)
	}
	return nil, nil
}

func (b *fakeBroker) Updates() <-chan Update { return b.updates }

func (b *fakeBroker) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

func fastConfig() Config {
	return Config{
		Retry:       RetryPolicy{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		SubmitRate:  1000,
		SubmitBurst: 1000,
		SubmitWait:  time.Second,
		AckTimeout:  time.Minute,
	}
}

func intent(strategyID, signalID, symbol string, side types.Side, qty float64) types.OrderIntent {
	return types.OrderIntent{
		IdempotencyKey: types.IdempotencyKey(strategyID, signalID),
		StrategyID:     strategyID,
		SignalID:       signalID,
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		Type:           types.OrderMarket,
		At:             time.Now(),
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	broker := newFakeBroker()
	eng := NewEngine(broker, fastConfig())

	in := intent("s1", "sig-1", "X", types.SideBuy, 10)
	first, err := eng.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, first.Status)

	second, err := eng.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first.VenueOrderID, second.VenueOrderID)
	assert.Equal(t, 1, broker.submitCount(), "duplicate submit must not reach the venue")
}

func TestConcurrentDuplicateSubmitsCollapse(t *testing.T) {
	broker := newFakeBroker()
	broker.submitFn = func(types.OrderIntent) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return "venue-1", nil
	}
	eng := NewEngine(broker, fastConfig())

	in := intent("s1", "sig-1", "X", types.SideBuy, 10)
	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := eng.Submit(context.Background(), in)
			ids[i], errs[i] = o.VenueOrderID, err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, broker.submitCount(), "exactly one venue order per idempotency key")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "venue-1", ids[i])
	}
}

func TestSubmitRetryExhaustionReportedOnce(t *testing.T) {
	broker := newFakeBroker()
	broker.submitFn = func(types.OrderIntent) (string, error) {
		return "", fmt.Errorf("%w: connection reset", ErrTransient)
	}
	eng := NewEngine(broker, fastConfig())

	var terminals []Order
	eng.OnTerminal(func(o Order) { terminals = append(terminals, o) })

	_, err := eng.Submit(context.Background(), intent("s1", "sig-1", "X", types.SideBuy, 10))
	require.Error(t, err)
	assert.Equal(t, 3, broker.submitCount(), "retry ceiling of 3 attempts")

	require.Len(t, terminals, 1, "exhaustion is reported once, not per retry")
	assert.Equal(t, StatusRejected, terminals[0].Status)
	assert.Equal(t, "retry-exhausted", terminals[0].Reason)
	assert.Equal(t, 2, terminals[0].Retries)

	// the rejected order still pins the idempotency key
	again, err := eng.Submit(context.Background(), intent("s1", "sig-1", "X", types.SideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, again.Status)
	assert.Equal(t, 3, broker.submitCount())
}

func TestSubmitVenueRejectionIsNotRetried(t *testing.T) {
	broker := newFakeBroker()
	broker.submitFn = func(types.OrderIntent) (string, error) {
		return "", errors.New("insufficient funds")
	}
	eng := NewEngine(broker, fastConfig())

	_, err := eng.Submit(context.Background(), intent("s1", "sig-1", "X", types.SideBuy, 10))
	require.Error(t, err)
	assert.Equal(t, 1, broker.submitCount())

	o, ok := eng.Get(types.IdempotencyKey("s1", "sig-1"))
	require.True(t, ok)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Equal(t, "insufficient funds", o.Reason)
}

func TestHandleUpdateFillLifecycle(t *testing.T) {
	broker := newFakeBroker()
	eng := NewEngine(broker, fastConfig())

	var fills []types.Fill
	eng.OnFill(func(f types.Fill) { fills = append(fills, f) })
	var terminals []Order
	eng.OnTerminal(func(o Order) { terminals = append(terminals, o) })

	in := intent("s1", "sig-1", "X", types.SideBuy, 10)
	o, err := eng.Submit(context.Background(), in)
	require.NoError(t, err)

	eng.HandleUpdate(Update{Kind: UpdateAck, Key: o.Key, VenueOrderID: o.VenueOrderID, At: time.Now()})
	got, _ := eng.Get(o.Key)
	assert.Equal(t, StatusAcknowledged, got.Status)

	eng.HandleUpdate(Update{Kind: UpdateFill, Key: o.Key, FillQty: 4, FillPrice: 100, At: time.Now()})
	got, _ = eng.Get(o.Key)
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.Equal(t, 4.0, got.FilledQty)

	eng.HandleUpdate(Update{Kind: UpdateFill, Key: o.Key, FillQty: 6, FillPrice: 110, At: time.Now()})
	got, _ = eng.Get(o.Key)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, 10.0, got.FilledQty)
	assert.InDelta(t, 106.0, got.AvgFillPrice, 1e-9)

	require.Len(t, fills, 2)
	assert.Equal(t, 4.0, fills[0].Quantity)
	assert.Equal(t, 6.0, fills[1].Quantity)
	assert.Equal(t, "s1", fills[0].StrategyID)

	require.Len(t, terminals, 1)
	assert.Equal(t, StatusFilled, terminals[0].Status)

	// updates after terminal are ignored
	eng.HandleUpdate(Update{Kind: UpdateFill, Key: o.Key, FillQty: 1, FillPrice: 50, At: time.Now()})
	got, _ = eng.Get(o.Key)
	assert.Equal(t, 10.0, got.FilledQty)
	assert.Len(t, terminals, 1)
}

func TestMarkUnknownOnlyFromSubmitted(t *testing.T) {
	broker := newFakeBroker()
	eng := NewEngine(broker, fastConfig())

	o, err := eng.Submit(context.Background(), intent("s1", "sig-1", "X", types.SideBuy, 10))
	require.NoError(t, err)

	eng.MarkUnknown(o.Key)
	got, _ := eng.Get(o.Key)
	assert.Equal(t, StatusUnknown, got.Status)

	// an acknowledged order is not disturbed by a stale timeout
	eng.HandleUpdate(Update{Kind: UpdateAck, Key: o.Key, At: time.Now()})
	eng.MarkUnknown(o.Key)
	got, _ = eng.Get(o.Key)
	assert.Equal(t, StatusAcknowledged, got.Status)
}

func TestReconcileReplaysMissedFills(t *testing.T) {
	broker := newFakeBroker()
	eng := NewEngine(broker, fastConfig())

	var fills []types.Fill
	eng.OnFill(func(f types.Fill) { fills = append(fills, f) })

	a, err := eng.Submit(context.Background(), intent("s1", "sig-a", "X", types.SideBuy, 10))
	require.NoError(t, err)
	b, err := eng.Submit(context.Background(), intent("s1", "sig-b", "Y", types.SideSell, 5))
	require.NoError(t, err)
	eng.MarkUnknown(a.Key)
	eng.MarkUnknown(b.Key)

	venue := map[string]*VenueOrder{
		a.Key: {VenueOrderID: a.VenueOrderID, Key: a.Key, Status: StatusFilled, FilledQty: 10, AvgFillPrice: 100},
		b.Key: {VenueOrderID: b.VenueOrderID, Key: b.Key, Status: StatusFilled, FilledQty: 5, AvgFillPrice: 210},
	}
	broker.statusFn = func(key string) (*VenueOrder, error) { return venue[key], nil }

	require.NoError(t, eng.Reconcile(context.Background()))

	require.Len(t, fills, 2, "both missed fills replayed to the tracker")
	byKey := map[string]types.Fill{fills[0].OrderKey: fills[0], fills[1].OrderKey: fills[1]}
	assert.Equal(t, 10.0, byKey[a.Key].Quantity)
	assert.Equal(t, 100.0, byKey[a.Key].Price)
	assert.Equal(t, 5.0, byKey[b.Key].Quantity)

	got, _ := eng.Get(a.Key)
	assert.Equal(t, StatusFilled, got.Status)
	got, _ = eng.Get(b.Key)
	assert.Equal(t, StatusFilled, got.Status)
}

func TestReconcileFlagsDivergence(t *testing.T) {
	broker := newFakeBroker()
	eng := NewEngine(broker, fastConfig())

	var diverged []string
	eng.OnDivergence(func(strategyID, detail string) { diverged = append(diverged, strategyID) })

	o, err := eng.Submit(context.Background(), intent("s1", "sig-1", "X", types.SideBuy, 10))
	require.NoError(t, err)
	eng.HandleUpdate(Update{Kind: UpdateFill, Key: o.Key, FillQty: 6, FillPrice: 100, At: time.Now()})

	// venue claims fewer filled than we booked; never guess, shut down
	broker.statusFn = func(string) (*VenueOrder, error) {
		return &VenueOrder{VenueOrderID: o.VenueOrderID, Key: o.Key, Status: StatusAcknowledged, FilledQty: 2, AvgFillPrice: 100}, nil
	}
	require.NoError(t, eng.Reconcile(context.Background()))
	assert.Equal(t, []string{"s1"}, diverged)
}

func TestReconcileCancelsOrdersTheVenueNeverSaw(t *testing.T) {
	broker := newFakeBroker()
	eng := NewEngine(broker, fastConfig())

	o, err := eng.Submit(context.Background(), intent("s1", "sig-1", "X", types.SideBuy, 10))
	require.NoError(t, err)
	eng.MarkUnknown(o.Key)

	broker.statusFn = func(string) (*VenueOrder, error) { return nil, nil }
	require.NoError(t, eng.Reconcile(context.Background()))

	got, _ := eng.Get(o.Key)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "venue-unknown", got.Reason)
}

func TestRetryPolicyStopsOnNonTransient(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	attempts, err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("terminal")
	})
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	require.Error(t, err)
}
