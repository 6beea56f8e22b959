package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"ztrade/internal/config"
	"ztrade/internal/executor"
	"ztrade/internal/logger"
	"ztrade/internal/market"
	"ztrade/internal/portfolio"
	"ztrade/internal/risk"
	"ztrade/internal/store"
	"ztrade/internal/strategy"
	manage "ztrade/internal/transport/http"
	"ztrade/internal/types"
)

// Feed is the market-data collaborator. Both channels close when the
// feed shuts down for good.
type Feed interface {
	Ticks() <-chan market.RawTick
	Events() <-chan types.ConnEvent
}

// App wires the engine together and owns its run loop.
type App struct {
	cfg    *config.Config
	feed   Feed
	broker executor.Broker

	journal    *store.Journal
	limits     *risk.Source
	tracker    *portfolio.Tracker
	monitor    *risk.Monitor
	normalizer *market.Normalizer
	dispatcher *market.Dispatcher
	strategies *strategy.Engine
	gate       *risk.Engine
	exec       *executor.Engine

	intents chan types.OrderIntent
	cancel  context.CancelCauseFunc
}

// New builds the engine from config. The feed and broker collaborators
// are injected so live, paper and test assemblies share the wiring.
func New(cfg *config.Config, feed Feed, broker executor.Broker) (*App, error) {
	loc, err := cfg.Timezone()
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}

	journal, err := store.Open(cfg.Store.Path, cfg.Store.QueueSize)
	if err != nil {
		return nil, err
	}

	snap := &risk.Snapshot{}
	if cfg.Risk.LimitsFile != "" {
		snap, err = config.LoadLimits(cfg.Risk.LimitsFile)
		if err != nil {
			return nil, err
		}
	}
	limits := risk.NewSource(snap)

	a := &App{
		cfg:     cfg,
		feed:    feed,
		broker:  broker,
		journal: journal,
		limits:  limits,
		intents: make(chan types.OrderIntent, 64),
	}

	a.tracker = portfolio.NewTracker(cfg.Portfolio.StartingEquity)
	a.dispatcher = market.NewDispatcher(cfg.Feed.QueueSize)
	a.normalizer = market.NewNormalizer(func(q market.QualityEvent) {
		journal.Append(store.KindDataQuality, "", q.Symbol, "", q)
	})

	a.strategies = strategy.NewEngine(a.dispatcher, a.tracker, 0)
	a.strategies.OnLifecycle(func(id string, from, to strategy.State, reason string) {
		journal.Append(store.KindInstanceLifecycle, id, "", "", map[string]string{
			"from": from.String(), "to": to.String(), "reason": reason,
		})
		// leaving ShutDown is an operator restart; the monitor must
		// re-arm or the instance trades unwatched from then on
		if from == strategy.StateShutDown && a.monitor != nil {
			a.monitor.Reset(id)
		}
	})

	a.gate = risk.NewEngine(limits, a.tracker, a.strategies.IsShutDown)
	a.gate.OnRejection(func(rej risk.Rejection) {
		journal.Append(store.KindIntentRejected, rej.StrategyID, rej.Symbol, rej.SignalID, rej)
	})

	a.exec = executor.NewEngine(broker, executor.Config{
		Retry: executor.RetryPolicy{
			MaxAttempts: cfg.Execution.MaxAttempts,
			MinDelay:    cfg.Execution.RetryMin,
			MaxDelay:    cfg.Execution.RetryMax,
		},
		SubmitRate:  cfg.Execution.SubmitRate,
		SubmitBurst: cfg.Execution.SubmitBurst,
		SubmitWait:  cfg.Execution.SubmitWait,
		AckTimeout:  cfg.Execution.AckTimeout,
	})
	a.exec.OnFill(func(f types.Fill) {
		journal.Append(store.KindFillApplied, f.StrategyID, f.Symbol, f.OrderKey, f)
		if err := a.tracker.ApplyFill(f); err != nil {
			if errors.Is(err, portfolio.ErrLedgerCorrupt) {
				a.halt(err)
				return
			}
			logger.Errorf("fill rejected by tracker: %v", err)
		}
	})
	a.exec.OnTerminal(func(o executor.Order) {
		journal.Append(store.KindOrderTransition, o.StrategyID, o.Symbol, o.Key, map[string]any{
			"status": o.Status.String(), "reason": o.Reason,
			"filled_qty": o.FilledQty, "avg_fill_price": o.AvgFillPrice,
			"retries": o.Retries,
		})
	})
	a.exec.OnDivergence(func(strategyID, detail string) {
		journal.Append(store.KindDivergence, strategyID, "", "", map[string]string{"detail": detail})
		if err := a.strategies.Shutdown(strategyID, detail); err != nil {
			logger.Errorf("divergence shutdown of %s failed: %v", strategyID, err)
		}
	})

	a.monitor = risk.NewMonitor(limits, positionLister{a.tracker}, a.strategies.Shutdown, a.queueIntent)
	a.tracker.OnPnL(a.monitor.OnPnL)

	for _, sc := range cfg.Strategies {
		if sc.Disabled {
			continue
		}
		ic, err := sc.Instance(loc)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		if err := a.strategies.Add(ic); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// positionLister adapts the tracker to the risk monitor's view.
type positionLister struct{ t *portfolio.Tracker }

func (l positionLister) OpenPositions(strategyID string) []risk.OpenPosition {
	snaps := l.t.OpenPositions(strategyID)
	out := make([]risk.OpenPosition, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, risk.OpenPosition{Symbol: s.Symbol, Quantity: s.Quantity})
	}
	return out
}

// queueIntent hands a monitor-generated flatten intent to the submit
// loop. Called from inside the tracker's fill path, so it must not
// submit synchronously.
func (a *App) queueIntent(intent types.OrderIntent) {
	select {
	case a.intents <- intent:
	default:
		logger.Errorf("intent queue full, dropping flatten for %s %s", intent.StrategyID, intent.Symbol)
	}
}

// halt is the process-fatal path: the ledger can no longer be trusted,
// so trading stops rather than continuing on corrupt state.
func (a *App) halt(err error) {
	logger.Errorf("halting: %v", err)
	a.strategies.StopAll()
	if a.cancel != nil {
		a.cancel(err)
	}
}

// Run executes the engine until ctx is cancelled or a fatal error
// occurs. Reconciliation completes before any strategy starts.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	a.cancel = cancel
	defer cancel(nil)

	if err := a.exec.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	for _, snap := range a.strategies.Snapshot() {
		if err := a.strategies.Start(snap.ID); err != nil {
			logger.Warnf("strategy %s not started: %v", snap.ID, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runFeed(ctx) })
	g.Go(func() error { return a.runSignals(ctx) })
	g.Go(func() error { return a.runIntents(ctx) })
	g.Go(func() error { return a.runSessionRoll(ctx) })
	g.Go(func() error { return ignoreCancel(a.exec.Run(ctx)) })
	if a.cfg.Risk.LimitsFile != "" {
		g.Go(func() error {
			return ignoreCancel(config.WatchLimits(ctx, a.cfg.Risk.LimitsFile, a.limits))
		})
	}
	if a.cfg.HTTP.Enabled {
		g.Go(func() error { return a.runHTTP(ctx) })
	}

	err := g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}

	a.strategies.StopAll()
	a.dispatcher.Close()
	if cerr := a.journal.Close(); cerr != nil {
		logger.Warnf("journal close: %v", cerr)
	}
	return ignoreCancel(err)
}

// runFeed normalizes and dispatches ticks and reacts to connection
// events. Reconciliation runs inline on Reconnected, which pauses tick
// dispatch until the sweep completes.
func (a *App) runFeed(ctx context.Context) error {
	ticks := a.feed.Ticks()
	events := a.feed.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ticks:
			if !ok {
				return fmt.Errorf("market feed closed")
			}
			tick, ok := a.normalizer.Normalize(raw)
			if !ok {
				continue
			}
			a.tracker.MarkPrice(tick.Symbol, tick.Price)
			a.dispatcher.Dispatch(tick)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			logger.Infow("feed connection event", "state", ev.State.String(), "reason", ev.Reason)
			if ev.State == types.ConnReconnected {
				if err := a.exec.Reconcile(ctx); err != nil {
					logger.Errorf("reconnect reconciliation: %v", err)
				}
			}
		}
	}
}

// runSignals is the signal path: strategy -> risk gate -> executor.
func (a *App) runSignals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-a.strategies.Signals():
			a.journal.Append(store.KindSignalProduced, sig.StrategyID, sig.Symbol, sig.ID, sig)
			intent, rej := a.gate.Check(sig)
			if rej != nil {
				continue
			}
			a.journal.Append(store.KindIntentApproved, intent.StrategyID, intent.Symbol, intent.SignalID, intent)
			a.submit(ctx, intent)
		}
	}
}

// runIntents submits monitor-generated flatten intents.
func (a *App) runIntents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case intent := <-a.intents:
			a.journal.Append(store.KindIntentApproved, intent.StrategyID, intent.Symbol, intent.SignalID, intent)
			a.submit(ctx, intent)
		}
	}
}

// runSessionRoll resets session-scoped P&L at midnight in the
// configured timezone. Lifetime P&L, and with it the drawdown series,
// carries over.
func (a *App) runSessionRoll(ctx context.Context) error {
	loc, err := a.cfg.Timezone()
	if err != nil {
		loc = time.Local
	}
	for {
		now := time.Now().In(loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).Add(24 * time.Hour)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next.Sub(now)):
			a.tracker.ResetSession()
			logger.Infof("session rolled, daily pnl reset")
		}
	}
}

func (a *App) submit(ctx context.Context, intent types.OrderIntent) {
	if _, err := a.exec.Submit(ctx, intent); err != nil {
		logger.Errorf("submit %s %s failed: %v", intent.StrategyID, intent.Symbol, err)
	}
}

func (a *App) runHTTP(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	router := &manage.Router{
		Strategies: a.strategies,
		Executor:   a.exec,
		Portfolio:  a.tracker,
		Limits:     a.limits,
		LimitsPath: a.cfg.Risk.LimitsFile,
		Journal:    a.journal,
	}
	router.Register(engine.Group("/api"))

	srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Infof("management api listening on %s", a.cfg.HTTP.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
