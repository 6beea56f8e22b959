package strategy

import (
	"fmt"
	"sort"
	"sync"

	"ztrade/internal/logger"
	"ztrade/internal/market"
	"ztrade/internal/types"
)

// PositionView is the slice of the portfolio tracker the engine needs:
// the signed position a strategy currently holds in a symbol.
type PositionView interface {
	StrategyPosition(strategyID, symbol string) float64
}

// LifecycleFunc is notified of instance lifecycle transitions so they can
// be journaled by the persistence collaborator.
type LifecycleFunc func(instanceID string, from, to State, reason string)

// Engine owns the strategy instances, their subscriptions and the signal
// stream. Evaluation itself happens on the dispatcher's per-instance
// goroutines; the engine only manages lifecycle and wiring.
type Engine struct {
	mu         sync.RWMutex
	instances  map[string]*Instance
	dispatcher *market.Dispatcher
	positions  PositionView
	signals    chan types.Signal
	lifecycle  LifecycleFunc
}

func NewEngine(d *market.Dispatcher, pv PositionView, signalBuffer int) *Engine {
	if signalBuffer <= 0 {
		signalBuffer = 128
	}
	return &Engine{
		instances:  make(map[string]*Instance),
		dispatcher: d,
		positions:  pv,
		signals:    make(chan types.Signal, signalBuffer),
	}
}

// OnLifecycle registers the lifecycle journal hook.
func (e *Engine) OnLifecycle(fn LifecycleFunc) { e.lifecycle = fn }

// Signals is the stream of signals produced by all running instances.
func (e *Engine) Signals() <-chan types.Signal { return e.signals }

// Add creates an instance from config and subscribes it to its symbols.
// The instance starts in Stopped.
func (e *Engine) Add(cfg InstanceConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("instance id cannot be empty")
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("instance %s has no symbols", cfg.ID)
	}
	strat, err := New(cfg.Kind, cfg.Timeframe, cfg.Params)
	if err != nil {
		return err
	}
	if _, err := NewIndicatorSet(strat.Indicators()); err != nil {
		return fmt.Errorf("instance %s: %w", cfg.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.instances[cfg.ID]; exists {
		return fmt.Errorf("instance %s already exists", cfg.ID)
	}
	inst := newInstance(cfg, strat, e.emit, e.positions)
	e.instances[cfg.ID] = inst
	e.dispatcher.Subscribe(inst, cfg.Symbols)
	return nil
}

func (e *Engine) emit(sig types.Signal) { e.signals <- sig }

func (e *Engine) instance(id string) (*Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst := e.instances[id]
	if inst == nil {
		return nil, fmt.Errorf("unknown strategy instance %q", id)
	}
	return inst, nil
}

// Start moves a Stopped instance to Running.
func (e *Engine) Start(id string) error { return e.transition(id, (*Instance).start, StateRunning) }

// Stop halts evaluation. Signals already emitted keep flowing through the
// risk gate; the instance just stops producing new ones.
func (e *Engine) Stop(id string) error { return e.transition(id, (*Instance).stop, StateStopped) }

// Pause suspends tick delivery without discarding private state.
func (e *Engine) Pause(id string) error { return e.transition(id, (*Instance).pause, StatePaused) }

// Resume returns a Paused instance to Running.
func (e *Engine) Resume(id string) error { return e.transition(id, (*Instance).resume, StateRunning) }

func (e *Engine) transition(id string, op func(*Instance) error, to State) error {
	inst, err := e.instance(id)
	if err != nil {
		return err
	}
	from := inst.State()
	if err := op(inst); err != nil {
		return err
	}
	logger.Infof("strategy %s: %s -> %s", id, from, to)
	if e.lifecycle != nil && from != to {
		e.lifecycle(id, from, to, "")
	}
	return nil
}

// Shutdown forces the instance into the one-way ShutDown state. Used by
// the risk monitor on drawdown breaches and by reconciliation divergence.
func (e *Engine) Shutdown(id, reason string) error {
	inst, err := e.instance(id)
	if err != nil {
		return err
	}
	from := inst.State()
	if from == StateShutDown {
		return nil
	}
	inst.shutdown(reason)
	logger.Warnf("strategy %s: forced shutdown: %s", id, reason)
	if e.lifecycle != nil {
		e.lifecycle(id, from, StateShutDown, reason)
	}
	return nil
}

// Restart clears ShutDown by rebuilding the instance from its config.
// All private indicator state is discarded; this is the only way out of
// ShutDown and it is an explicit operator action.
func (e *Engine) Restart(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.instances[id]
	if old == nil {
		return fmt.Errorf("unknown strategy instance %q", id)
	}
	if old.State() != StateShutDown {
		return fmt.Errorf("instance %s is not shut down", id)
	}
	e.dispatcher.Unsubscribe(id)
	strat, err := New(old.cfg.Kind, old.cfg.Timeframe, old.cfg.Params)
	if err != nil {
		return err
	}
	inst := newInstance(old.cfg, strat, e.emit, e.positions)
	e.instances[id] = inst
	e.dispatcher.Subscribe(inst, old.cfg.Symbols)
	logger.Infof("strategy %s: restarted after shutdown (%s)", id, old.ShutdownReason())
	if e.lifecycle != nil {
		e.lifecycle(id, StateShutDown, StateStopped, "restart")
	}
	return nil
}

// IsShutDown is the risk gate's check (d).
func (e *Engine) IsShutDown(id string) bool {
	inst, err := e.instance(id)
	return err == nil && inst.State() == StateShutDown
}

// StopAll stops every non-shutdown instance; used on engine shutdown.
func (e *Engine) StopAll() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, inst := range e.instances {
		if inst.State() != StateShutDown {
			_ = inst.stop()
		}
	}
}

// InstanceSnapshot is the management-API view of an instance.
type InstanceSnapshot struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Symbols        []string        `json:"symbols"`
	Timeframe      string          `json:"timeframe,omitempty"`
	State          string          `json:"state"`
	ShutdownReason string          `json:"shutdown_reason,omitempty"`
	DroppedTicks   uint64          `json:"dropped_ticks"`
}

// Snapshot returns a stable, copied view of all instances.
func (e *Engine) Snapshot() []InstanceSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]InstanceSnapshot, 0, len(e.instances))
	for id, inst := range e.instances {
		snap := InstanceSnapshot{
			ID:             id,
			Kind:           inst.cfg.Kind,
			Symbols:        append([]string(nil), inst.cfg.Symbols...),
			State:          inst.State().String(),
			ShutdownReason: inst.ShutdownReason(),
			DroppedTicks:   e.dispatcher.Dropped(id),
		}
		if tf, ok := inst.strat.Timeframe(); ok {
			snap.Timeframe = tf.String()
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
