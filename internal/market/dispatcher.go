package market

import (
	"sync"
	"sync/atomic"

	"ztrade/internal/logger"
	"ztrade/internal/types"
)

// Sink receives ticks for one strategy instance. Handle is called from a
// single goroutine per instance, so implementations never see two ticks
// concurrently. Active gates delivery: only Running instances get ticks.
type Sink interface {
	ID() string
	Active() bool
	Handle(types.Tick)
}

type subscriber struct {
	sink    Sink
	queue   chan types.Tick
	symbols map[string]struct{}
	dropped atomic.Uint64
	done    chan struct{}
}

// Dispatcher fans ticks out to subscribed strategy instances. Each
// instance has a bounded inbound queue; when it is full the oldest queued
// tick is dropped and counted. Strategies re-derive state from the latest
// tick rather than assuming every tick is seen.
type Dispatcher struct {
	mu        sync.RWMutex
	bySymbol  map[string]map[string]*subscriber
	byID      map[string]*subscriber
	queueSize int
	wg        sync.WaitGroup
	closed    bool
}

func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		bySymbol:  make(map[string]map[string]*subscriber),
		byID:      make(map[string]*subscriber),
		queueSize: queueSize,
	}
}

// Subscribe registers sink for the given symbols. Calling it again for an
// already-subscribed instance extends its symbol set; both directions are
// idempotent.
func (d *Dispatcher) Subscribe(sink Sink, symbols []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	sub := d.byID[sink.ID()]
	if sub == nil {
		sub = &subscriber{
			sink:    sink,
			queue:   make(chan types.Tick, d.queueSize),
			symbols: make(map[string]struct{}),
			done:    make(chan struct{}),
		}
		d.byID[sink.ID()] = sub
		d.wg.Add(1)
		go d.drain(sub)
	}
	for _, sym := range symbols {
		sub.symbols[sym] = struct{}{}
		set := d.bySymbol[sym]
		if set == nil {
			set = make(map[string]*subscriber)
			d.bySymbol[sym] = set
		}
		set[sink.ID()] = sub
	}
}

// Unsubscribe removes the instance from some or all symbols. With no
// symbols given the instance is fully detached and its drain goroutine
// stops once the queue empties.
func (d *Dispatcher) Unsubscribe(instanceID string, symbols ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := d.byID[instanceID]
	if sub == nil {
		return
	}
	if len(symbols) == 0 {
		for sym := range sub.symbols {
			symbols = append(symbols, sym)
		}
	}
	for _, sym := range symbols {
		delete(sub.symbols, sym)
		if set := d.bySymbol[sym]; set != nil {
			delete(set, instanceID)
			if len(set) == 0 {
				delete(d.bySymbol, sym)
			}
		}
	}
	if len(sub.symbols) == 0 {
		delete(d.byID, instanceID)
		close(sub.done)
	}
}

// Dispatch forwards a tick to every subscribed, active instance. It never
// blocks: a full queue sheds its oldest tick first.
func (d *Dispatcher) Dispatch(t types.Tick) {
	d.mu.RLock()
	set := d.bySymbol[t.Symbol]
	subs := make([]*subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	d.mu.RUnlock()

	for _, sub := range subs {
		if !sub.sink.Active() {
			continue
		}
		select {
		case sub.queue <- t:
			continue
		default:
		}
		// queue full: drop the oldest, then retry once
		select {
		case <-sub.queue:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.queue <- t:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Dropped reports how many ticks were shed for an instance.
func (d *Dispatcher) Dropped(instanceID string) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if sub := d.byID[instanceID]; sub != nil {
		return sub.dropped.Load()
	}
	return 0
}

// Close detaches all instances and waits for their queues to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, sub := range d.byID {
		delete(d.byID, id)
		close(sub.done)
	}
	d.bySymbol = make(map[string]map[string]*subscriber)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) drain(sub *subscriber) {
	defer d.wg.Done()
	for {
		select {
		case t := <-sub.queue:
			d.deliver(sub, t)
		case <-sub.done:
			// flush what is already queued, then exit
			for {
				select {
				case t := <-sub.queue:
					d.deliver(sub, t)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(sub *subscriber, t types.Tick) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("dispatcher: sink %s panicked on tick %s seq=%d: %v", sub.sink.ID(), t.Symbol, t.Seq, r)
		}
	}()
	if sub.sink.Active() {
		sub.sink.Handle(t)
	}
}
