package strategy

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ztrade/internal/logger"
	"ztrade/internal/market"
	"ztrade/internal/types"
)

// State is the lifecycle of a strategy instance.
// Stopped -> Running <-> Paused; anything -> ShutDown (one-way, only an
// explicit Restart clears it).
type State uint8

const (
	StateStopped State = iota
	StateRunning
	StatePaused
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShutDown:
		return "shutdown"
	default:
		return "invalid"
	}
}

// InstanceConfig describes one configured strategy instance.
type InstanceConfig struct {
	ID        string
	Kind      string
	Symbols   []string
	Timeframe types.Timeframe
	Window    types.TradingWindow
	Params    Params
	AllowAdds bool
}

// Instance binds a Strategy variant to its private per-symbol state.
// All mutation goes through Handle; the dispatcher guarantees Handle is
// never called concurrently for the same instance.
type Instance struct {
	cfg   InstanceConfig
	strat Strategy

	state  atomic.Int32
	mu     sync.Mutex // guards reason + private evaluation state
	reason string

	usesBars   bool
	bars       *market.BarBuilder
	ind        map[string]*IndicatorSet
	windowFlat map[string]bool

	emit      func(types.Signal)
	positions PositionView
	clock     func() time.Time
}

func newInstance(cfg InstanceConfig, strat Strategy, emit func(types.Signal), pv PositionView) *Instance {
	inst := &Instance{
		cfg:        cfg,
		strat:      strat,
		ind:        make(map[string]*IndicatorSet),
		windowFlat: make(map[string]bool),
		emit:       emit,
		positions:  pv,
		clock:      time.Now,
	}
	if tf, ok := strat.Timeframe(); ok {
		inst.usesBars = true
		inst.bars = market.NewBarBuilder(tf)
	}
	return inst
}

func (in *Instance) ID() string { return in.cfg.ID }

// Active reports whether the instance currently accepts ticks.
func (in *Instance) Active() bool { return State(in.state.Load()) == StateRunning }

func (in *Instance) State() State { return State(in.state.Load()) }

// ShutdownReason is set once the instance enters ShutDown.
func (in *Instance) ShutdownReason() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.reason
}

// Handle processes one tick: bar aggregation, indicator maintenance and
// strategy evaluation. At most one Signal is emitted per call.
func (in *Instance) Handle(t types.Tick) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.usesBars {
		if closed := in.bars.Apply(t); closed != nil {
			in.evalBar(*closed)
		}
		return
	}

	set := in.indicators(t.Symbol)
	set.Update(t.Price, t.Price, t.Price, t.Size)
	if !in.cfg.Window.Contains(t.At) {
		// outside the trading window: indicator state stays warm, no
		// signals, and any open position is flattened exactly once
		in.flattenOnClose(t.Symbol, t.At)
		return
	}
	in.windowFlat[t.Symbol] = false
	if !in.strat.NeedsTicks() {
		return
	}
	ctx := in.evalContext(t.Symbol, t.At)
	in.advise(in.strat.OnTick(ctx, t), t.Symbol, t.At)
}

// flattenOnClose emits a flatten signal for a position still open when
// the trading window ends, mirroring an end-of-day exit.
func (in *Instance) flattenOnClose(symbol string, at time.Time) {
	if in.windowFlat[symbol] {
		return
	}
	pos := 0.0
	if in.positions != nil {
		pos = in.positions.StrategyPosition(in.cfg.ID, symbol)
	}
	if pos == 0 {
		return
	}
	in.windowFlat[symbol] = true
	in.emit(types.Signal{
		ID:         uuid.NewString(),
		StrategyID: in.cfg.ID,
		Symbol:     symbol,
		Side:       types.SideFlat,
		Reason:     "window-close",
		At:         at,
	})
}

func (in *Instance) evalBar(b types.Bar) {
	set := in.indicators(b.Symbol)
	set.Update(b.High, b.Low, b.Close, b.Volume)
	if !in.cfg.Window.Contains(b.End) {
		in.flattenOnClose(b.Symbol, b.End)
		return
	}
	in.windowFlat[b.Symbol] = false
	ctx := in.evalContext(b.Symbol, b.End)
	in.advise(in.strat.OnBarClose(ctx, b), b.Symbol, b.End)
}

func (in *Instance) indicators(symbol string) *IndicatorSet {
	set := in.ind[symbol]
	if set == nil {
		var err error
		set, err = NewIndicatorSet(in.strat.Indicators())
		if err != nil {
			// declared specs are validated at construction; this is a bug
			panic(fmt.Sprintf("strategy %s: %v", in.cfg.ID, err))
		}
		in.ind[symbol] = set
	}
	return set
}

func (in *Instance) evalContext(symbol string, now time.Time) *Context {
	pos := 0.0
	if in.positions != nil {
		pos = in.positions.StrategyPosition(in.cfg.ID, symbol)
	}
	return &Context{Now: now, Symbol: symbol, Position: pos, ind: in.ind[symbol]}
}

func (in *Instance) advise(a *Advice, symbol string, at time.Time) {
	if a == nil {
		return
	}
	pos := 0.0
	if in.positions != nil {
		pos = in.positions.StrategyPosition(in.cfg.ID, symbol)
	}
	switch a.Side {
	case types.SideBuy:
		if pos > 0 && !(a.Add && in.cfg.AllowAdds) {
			return
		}
	case types.SideSell:
		if pos < 0 && !(a.Add && in.cfg.AllowAdds) {
			return
		}
	case types.SideFlat:
		if pos == 0 {
			return
		}
	default:
		return
	}

	sig := types.Signal{
		ID:         uuid.NewString(),
		StrategyID: in.cfg.ID,
		Symbol:     symbol,
		Side:       a.Side,
		SizeHint:   a.SizeHint,
		Reason:     a.Reason,
		At:         at,
	}
	logger.Debugf("strategy %s: signal %s %s (%s)", in.cfg.ID, sig.Side, symbol, a.Reason)
	in.emit(sig)
}

// start/pause/resume/stop/shutdown implement the lifecycle transitions;
// invalid transitions return an error rather than being silently ignored.

func (in *Instance) start() error {
	switch State(in.state.Load()) {
	case StateStopped:
		in.state.Store(int32(StateRunning))
		return nil
	case StateRunning:
		return nil
	case StatePaused:
		return fmt.Errorf("instance %s is paused; resume it instead", in.cfg.ID)
	default:
		return fmt.Errorf("instance %s is shut down (%s); restart required", in.cfg.ID, in.ShutdownReason())
	}
}

func (in *Instance) pause() error {
	if !in.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		return fmt.Errorf("instance %s is not running", in.cfg.ID)
	}
	return nil
}

func (in *Instance) resume() error {
	if !in.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		return fmt.Errorf("instance %s is not paused", in.cfg.ID)
	}
	return nil
}

func (in *Instance) stop() error {
	if State(in.state.Load()) == StateShutDown {
		return fmt.Errorf("instance %s is shut down; restart required", in.cfg.ID)
	}
	in.state.Store(int32(StateStopped))
	return nil
}

func (in *Instance) shutdown(reason string) {
	in.mu.Lock()
	if in.reason == "" {
		in.reason = reason
	}
	in.mu.Unlock()
	in.state.Store(int32(StateShutDown))
}
