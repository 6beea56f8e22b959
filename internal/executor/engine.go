package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ztrade/internal/logger"
	"ztrade/internal/types"
)

const (
	reasonRetryExhausted = "retry-exhausted"
	reasonVenueUnknown   = "venue-unknown"
)

// Config tunes the execution engine.
type Config struct {
	Retry RetryPolicy
	// SubmitRate caps venue submissions per second across all
	// strategies; SubmitBurst is the bucket size.
	SubmitRate  float64
	SubmitBurst int
	// SubmitWait bounds how long a submission may block on the rate
	// limiter before the attempt is counted as a transient failure.
	SubmitWait time.Duration
	// AckTimeout is how long an order may sit in Submitted before it is
	// marked Unknown for reconciliation to resolve.
	AckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retry:       DefaultRetryPolicy(),
		SubmitRate:  5,
		SubmitBurst: 10,
		SubmitWait:  2 * time.Second,
		AckTimeout:  10 * time.Second,
	}
}

// Engine owns the order lifecycle: idempotent submission with retry,
// venue update handling, and the reconciliation sweep. It is the sole
// mutator of every Order it tracks; callers only ever receive copies.
type Engine struct {
	broker  Broker
	cfg     Config
	limiter *rate.Limiter
	clock   func() time.Time

	onFill       func(types.Fill)
	onTerminal   func(Order)
	onDivergence func(strategyID, detail string)

	mu      sync.Mutex
	orders  map[string]*Order        // by idempotency key
	byVenue map[string]string        // venue order id -> key
	pending map[string]chan struct{} // in-flight submissions
}

func NewEngine(broker Broker, cfg Config) *Engine {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = DefaultConfig().SubmitRate
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = DefaultConfig().SubmitBurst
	}
	if cfg.SubmitWait <= 0 {
		cfg.SubmitWait = DefaultConfig().SubmitWait
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	return &Engine{
		broker:  broker,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst),
		clock:   time.Now,
		orders:  make(map[string]*Order),
		byVenue: make(map[string]string),
		pending: make(map[string]chan struct{}),
	}
}

// OnFill registers the position-tracker sink for fill events.
func (e *Engine) OnFill(fn func(types.Fill)) { e.onFill = fn }

// OnTerminal registers the hook invoked exactly once when an order
// reaches Filled, Cancelled or Rejected.
func (e *Engine) OnTerminal(fn func(Order)) { e.onTerminal = fn }

// OnDivergence registers the hook invoked when reconciliation finds the
// venue and the local ledger disagreeing about an order.
func (e *Engine) OnDivergence(fn func(strategyID, detail string)) { e.onDivergence = fn }

// Submit places an order for the intent, or returns the existing order
// when the idempotency key has been seen before. Concurrent submissions
// with the same key collapse onto one venue order: the first caller
// submits, the rest wait for it and get the resulting state.
func (e *Engine) Submit(ctx context.Context, intent types.OrderIntent) (Order, error) {
	for {
		e.mu.Lock()
		if o, ok := e.orders[intent.IdempotencyKey]; ok {
			cp := *o
			e.mu.Unlock()
			logger.Debugf("executor: duplicate submit for %s, returning %s", intent.IdempotencyKey, cp.Status)
			return cp, nil
		}
		if done, ok := e.pending[intent.IdempotencyKey]; ok {
			e.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return Order{}, ctx.Err()
			}
			continue
		}
		done := make(chan struct{})
		e.pending[intent.IdempotencyKey] = done
		e.mu.Unlock()

		o := e.submit(ctx, intent)

		e.mu.Lock()
		e.orders[o.Key] = o
		if o.VenueOrderID != "" {
			e.byVenue[o.VenueOrderID] = o.Key
		}
		delete(e.pending, intent.IdempotencyKey)
		cp := *o
		e.mu.Unlock()
		close(done)

		if cp.Status == StatusRejected {
			e.reportTerminal(cp)
			return cp, fmt.Errorf("order %s rejected: %s", cp.Key, cp.Reason)
		}
		return cp, nil
	}
}

// submit drives one intent through the retry policy. The returned order
// is not yet registered in the maps; the caller owns publication.
func (e *Engine) submit(ctx context.Context, intent types.OrderIntent) *Order {
	o := newOrder(intent, e.clock())
	o.Status = StatusSubmitted

	var venueID string
	attempts, err := e.cfg.Retry.Do(ctx, func() error {
		wctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitWait)
		defer cancel()
		if werr := e.limiter.Wait(wctx); werr != nil {
			return fmt.Errorf("%w: rate limiter: %v", ErrTransient, werr)
		}
		id, serr := e.broker.Submit(ctx, intent)
		if serr != nil {
			return serr
		}
		venueID = id
		return nil
	})
	o.Retries = attempts - 1
	o.UpdatedAt = e.clock()

	switch {
	case err == nil:
		o.VenueOrderID = venueID
		logger.Infof("executor: submitted %s %s %.4f %s (venue %s)",
			o.Side, o.Symbol, o.Quantity, o.Key, venueID)
		e.armAckTimeout(o.Key)
	case IsTransient(err):
		o.Status = StatusRejected
		o.Reason = reasonRetryExhausted
		logger.Errorf("executor: %s rejected after %d attempts: %v", o.Key, attempts, err)
	default:
		o.Status = StatusRejected
		o.Reason = err.Error()
		logger.Errorf("executor: %s rejected by venue: %v", o.Key, err)
	}
	return o
}

// armAckTimeout schedules the Submitted -> Unknown fallback for an
// order the venue has not yet acknowledged.
func (e *Engine) armAckTimeout(key string) {
	time.AfterFunc(e.cfg.AckTimeout, func() { e.MarkUnknown(key) })
}

// MarkUnknown drops an order still awaiting confirmation into Unknown.
// Reconciliation resolves it from there.
func (e *Engine) MarkUnknown(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[key]
	if !ok || o.Status != StatusSubmitted {
		return
	}
	o.Status = StatusUnknown
	o.UpdatedAt = e.clock()
	logger.Warnf("executor: %s unconfirmed after %s, marked unknown", key, e.cfg.AckTimeout)
}

// Run consumes the broker's asynchronous update stream until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-e.broker.Updates():
			if !ok {
				return nil
			}
			e.HandleUpdate(u)
		}
	}
}

// HandleUpdate applies one venue event to the tracked order. Fill
// events carry increments and push a Fill to the position tracker.
func (e *Engine) HandleUpdate(u Update) {
	e.mu.Lock()
	key := u.Key
	if key == "" {
		key = e.byVenue[u.VenueOrderID]
	}
	o, ok := e.orders[key]
	if !ok {
		e.mu.Unlock()
		logger.Warnf("executor: update for unknown order (key=%q venue=%q)", u.Key, u.VenueOrderID)
		return
	}
	if o.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := e.clock()
	if u.VenueOrderID != "" && o.VenueOrderID == "" {
		o.VenueOrderID = u.VenueOrderID
		e.byVenue[u.VenueOrderID] = o.Key
	}

	var fill *types.Fill
	switch u.Kind {
	case UpdateAck:
		if o.Status == StatusSubmitted || o.Status == StatusUnknown {
			o.Status = StatusAcknowledged
			o.UpdatedAt = now
		}
	case UpdateFill:
		o.applyFill(u.FillQty, u.FillPrice, now)
		fill = &types.Fill{
			OrderKey:     o.Key,
			VenueOrderID: o.VenueOrderID,
			StrategyID:   o.StrategyID,
			Symbol:       o.Symbol,
			Side:         o.Side,
			Quantity:     u.FillQty,
			Price:        u.FillPrice,
			At:           u.At,
		}
	case UpdateCancel:
		o.Status = StatusCancelled
		o.Reason = u.Reason
		o.UpdatedAt = now
	case UpdateReject:
		o.Status = StatusRejected
		o.Reason = u.Reason
		o.UpdatedAt = now
	}
	cp := *o
	e.mu.Unlock()

	if fill != nil && e.onFill != nil {
		e.onFill(*fill)
	}
	if cp.Status.Terminal() {
		e.reportTerminal(cp)
	}
}

// Reconcile queries the venue for every order in non-terminal local
// state, replays missed fills to the position tracker, and flags any
// divergence. The caller must not resume signal dispatch until it
// returns.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	var open []string
	for key, o := range e.orders {
		if !o.Status.Terminal() {
			open = append(open, key)
		}
	}
	e.mu.Unlock()
	sort.Strings(open)
	logger.Infof("executor: reconciling %d open orders", len(open))

	var failed int
	for _, key := range open {
		vo, err := e.broker.QueryStatus(ctx, key)
		if err != nil {
			logger.Errorf("executor: reconcile query for %s failed: %v", key, err)
			failed++
			continue
		}
		e.reconcileOne(key, vo)
	}
	if failed > 0 {
		return fmt.Errorf("reconciliation incomplete: %d of %d queries failed", failed, len(open))
	}
	return nil
}

func (e *Engine) reconcileOne(key string, vo *VenueOrder) {
	e.mu.Lock()
	o, ok := e.orders[key]
	if !ok || o.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := e.clock()

	if vo == nil {
		// venue never saw the order
		if o.FilledQty > 0 {
			cp := *o
			e.mu.Unlock()
			e.diverge(cp, "venue has no record of a partially filled order")
			return
		}
		o.Status = StatusCancelled
		o.Reason = reasonVenueUnknown
		o.UpdatedAt = now
		cp := *o
		e.mu.Unlock()
		e.reportTerminal(cp)
		return
	}

	if vo.VenueOrderID != "" && o.VenueOrderID == "" {
		o.VenueOrderID = vo.VenueOrderID
		e.byVenue[vo.VenueOrderID] = o.Key
	}

	if vo.FilledQty < o.FilledQty {
		cp := *o
		e.mu.Unlock()
		e.diverge(cp, fmt.Sprintf("venue filled %.4f < local filled %.4f", vo.FilledQty, cp.FilledQty))
		return
	}

	var fill *types.Fill
	if missed := vo.FilledQty - o.FilledQty; missed > 0 {
		// replay the missed quantity at the price implied by the venue
		// running average
		price := vo.AvgFillPrice
		if o.FilledQty > 0 && vo.FilledQty > 0 {
			price = (vo.AvgFillPrice*vo.FilledQty - o.AvgFillPrice*o.FilledQty) / missed
		}
		o.applyFill(missed, price, now)
		fill = &types.Fill{
			OrderKey:     o.Key,
			VenueOrderID: o.VenueOrderID,
			StrategyID:   o.StrategyID,
			Symbol:       o.Symbol,
			Side:         o.Side,
			Quantity:     missed,
			Price:        price,
			At:           now,
		}
		logger.Warnf("executor: reconcile replayed %.4f missed fill on %s", missed, key)
	}

	switch vo.Status {
	case StatusCancelled, StatusRejected:
		o.Status = vo.Status
		o.UpdatedAt = now
	case StatusFilled:
		// applyFill above normally lands here already
		o.Status = StatusFilled
		o.UpdatedAt = now
	default:
		if o.Status == StatusUnknown || o.Status == StatusSubmitted {
			o.Status = StatusAcknowledged
			o.UpdatedAt = now
		}
	}
	cp := *o
	e.mu.Unlock()

	if fill != nil && e.onFill != nil {
		e.onFill(*fill)
	}
	if cp.Status.Terminal() {
		e.reportTerminal(cp)
	}
}

func (e *Engine) diverge(o Order, detail string) {
	logger.Errorf("executor: divergence on %s (%s): %s", o.Key, o.StrategyID, detail)
	if e.onDivergence != nil {
		e.onDivergence(o.StrategyID, fmt.Sprintf("order %s: %s", o.Key, detail))
	}
}

func (e *Engine) reportTerminal(o Order) {
	if e.onTerminal != nil {
		e.onTerminal(o)
	}
}

// Get returns a copy of the order for an idempotency key.
func (e *Engine) Get(key string) (Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[key]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Snapshot returns copies of all tracked orders, oldest first.
func (e *Engine) Snapshot() []Order {
	e.mu.Lock()
	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
