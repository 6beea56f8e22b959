package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ztrade/internal/market"
	"ztrade/internal/types"
)

type stubPositions struct{ pos map[string]float64 }

func (s *stubPositions) StrategyPosition(_, symbol string) float64 { return s.pos[symbol] }

func newTestEngine(t *testing.T, pv PositionView) (*Engine, *market.Dispatcher) {
	t.Helper()
	d := market.NewDispatcher(16)
	t.Cleanup(d.Close)
	return NewEngine(d, pv, 64), d
}

func gapConfig(id string) InstanceConfig {
	return InstanceConfig{ID: id, Kind: "gap", Symbols: []string{"X"}}
}

func TestLifecycleTransitions(t *testing.T) {
	eng, _ := newTestEngine(t, &stubPositions{})
	require.NoError(t, eng.Add(gapConfig("g1")))

	snap := eng.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "stopped", snap[0].State)

	require.NoError(t, eng.Start("g1"))
	require.NoError(t, eng.Pause("g1"))
	assert.Error(t, eng.Start("g1"), "paused instances must be resumed, not started")
	require.NoError(t, eng.Resume("g1"))
	require.NoError(t, eng.Stop("g1"))

	assert.Error(t, eng.Pause("g1"), "only running instances pause")
	assert.Error(t, eng.Resume("g1"), "only paused instances resume")
}

func TestShutdownIsOneWayUntilRestart(t *testing.T) {
	eng, _ := newTestEngine(t, &stubPositions{})
	require.NoError(t, eng.Add(gapConfig("g1")))
	require.NoError(t, eng.Start("g1"))

	require.NoError(t, eng.Shutdown("g1", "drawdown breach"))
	assert.True(t, eng.IsShutDown("g1"))
	assert.Error(t, eng.Start("g1"))
	assert.Error(t, eng.Stop("g1"))

	require.NoError(t, eng.Restart("g1"))
	assert.False(t, eng.IsShutDown("g1"))
	require.NoError(t, eng.Start("g1"))
}

func TestRestartRequiresShutdown(t *testing.T) {
	eng, _ := newTestEngine(t, &stubPositions{})
	require.NoError(t, eng.Add(gapConfig("g1")))
	assert.Error(t, eng.Restart("g1"))
}

func TestAddRejectsDuplicatesAndUnknownKinds(t *testing.T) {
	eng, _ := newTestEngine(t, &stubPositions{})
	require.NoError(t, eng.Add(gapConfig("g1")))
	assert.Error(t, eng.Add(gapConfig("g1")))
	assert.Error(t, eng.Add(InstanceConfig{ID: "bad", Kind: "nope", Symbols: []string{"X"}}))
	assert.Error(t, eng.Add(InstanceConfig{ID: "nosyms", Kind: "gap"}))
}

// driveInstance builds an instance outside the dispatcher so tests can
// feed ticks synchronously.
func driveInstance(t *testing.T, cfg InstanceConfig, pv PositionView) (*Instance, *[]types.Signal) {
	t.Helper()
	strat, err := New(cfg.Kind, cfg.Timeframe, cfg.Params)
	require.NoError(t, err)
	var signals []types.Signal
	inst := newInstance(cfg, strat, func(s types.Signal) { signals = append(signals, s) }, pv)
	require.NoError(t, inst.start())
	return inst, &signals
}

func gapTick(price float64, at time.Time) types.Tick {
	return types.Tick{Symbol: "X", Price: price, Size: 1, At: at}
}

func TestGapStrategyEntersAndStopsOut(t *testing.T) {
	pv := &stubPositions{pos: map[string]float64{}}
	inst, signals := driveInstance(t, gapConfig("g1"), pv)

	day1 := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	inst.Handle(gapTick(100, day1))
	inst.Handle(gapTick(102, day1.Add(time.Hour)))
	assert.Empty(t, *signals, "first observed session has no reference close")

	// next session opens above yesterday's last price
	day2 := day1.Add(24 * time.Hour)
	inst.Handle(gapTick(105, day2))
	require.Len(t, *signals, 1)
	assert.Equal(t, types.SideBuy, (*signals)[0].Side)
	assert.Equal(t, "gap-up", (*signals)[0].Reason)
	pv.pos["X"] = 10

	// price holding above the stop produces nothing
	inst.Handle(gapTick(104.5, day2.Add(time.Minute)))
	assert.Len(t, *signals, 1)

	// 1% below entry trips the stop
	inst.Handle(gapTick(103.95, day2.Add(2*time.Minute)))
	require.Len(t, *signals, 2)
	assert.Equal(t, types.SideFlat, (*signals)[1].Side)
	assert.Equal(t, "stop-loss", (*signals)[1].Reason)
	pv.pos["X"] = 0

	// stopped out: no re-entry for the rest of the session
	inst.Handle(gapTick(106, day2.Add(3*time.Minute)))
	inst.Handle(gapTick(90, day2.Add(4*time.Minute)))
	assert.Len(t, *signals, 2)
}

func TestGapStrategyShortsGapDown(t *testing.T) {
	pv := &stubPositions{pos: map[string]float64{}}
	inst, signals := driveInstance(t, gapConfig("g1"), pv)

	day1 := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	inst.Handle(gapTick(100, day1))
	day2 := day1.Add(24 * time.Hour)
	inst.Handle(gapTick(97, day2))

	require.Len(t, *signals, 1)
	assert.Equal(t, types.SideSell, (*signals)[0].Side)
	assert.Equal(t, "gap-down", (*signals)[0].Reason)
}

func TestWindowCloseFlattensExactlyOnce(t *testing.T) {
	window, err := types.ParseTradingWindow("09:20-15:05", time.UTC)
	require.NoError(t, err)
	cfg := gapConfig("g1")
	cfg.Window = window

	pv := &stubPositions{pos: map[string]float64{"X": 10}}
	inst, signals := driveInstance(t, cfg, pv)

	after := time.Date(2026, 8, 27, 15, 10, 0, 0, time.UTC)
	inst.Handle(gapTick(100, after))
	require.Len(t, *signals, 1)
	assert.Equal(t, types.SideFlat, (*signals)[0].Side)
	assert.Equal(t, "window-close", (*signals)[0].Reason)

	inst.Handle(gapTick(99, after.Add(time.Minute)))
	assert.Len(t, *signals, 1, "the flatten is emitted once per close")
}

func TestWindowCloseWithoutPositionStaysSilent(t *testing.T) {
	window, err := types.ParseTradingWindow("09:20-15:05", time.UTC)
	require.NoError(t, err)
	cfg := gapConfig("g1")
	cfg.Window = window

	inst, signals := driveInstance(t, cfg, &stubPositions{pos: map[string]float64{}})
	inst.Handle(gapTick(100, time.Date(2026, 8, 27, 16, 0, 0, 0, time.UTC)))
	assert.Empty(t, *signals)
}

// alwaysBuy is a test strategy that wants to be long on every tick.
type alwaysBuy struct{ add bool }

func (alwaysBuy) Name() string                           { return "always-buy" }
func (alwaysBuy) NeedsTicks() bool                       { return true }
func (alwaysBuy) Timeframe() (types.Timeframe, bool)     { return 0, false }
func (alwaysBuy) Indicators() []IndicatorSpec            { return nil }
func (alwaysBuy) OnBarClose(*Context, types.Bar) *Advice { return nil }
func (s alwaysBuy) OnTick(*Context, types.Tick) *Advice {
	return &Advice{Side: types.SideBuy, Reason: "again", Add: s.add}
}

func TestSameDirectionSignalsSuppressed(t *testing.T) {
	pv := &stubPositions{pos: map[string]float64{"X": 10}}
	var signals []types.Signal
	inst := newInstance(InstanceConfig{ID: "a", Symbols: []string{"X"}}, alwaysBuy{},
		func(s types.Signal) { signals = append(signals, s) }, pv)
	require.NoError(t, inst.start())

	at := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	inst.Handle(gapTick(100, at))
	assert.Empty(t, signals, "already long, same-direction advice dropped")

	pv.pos["X"] = 0
	inst.Handle(gapTick(100, at.Add(time.Minute)))
	assert.Len(t, signals, 1)
}

func TestAddSignalsPassWhenAllowed(t *testing.T) {
	pv := &stubPositions{pos: map[string]float64{"X": 10}}
	var signals []types.Signal
	inst := newInstance(InstanceConfig{ID: "a", Symbols: []string{"X"}, AllowAdds: true}, alwaysBuy{add: true},
		func(s types.Signal) { signals = append(signals, s) }, pv)
	require.NoError(t, inst.start())

	inst.Handle(gapTick(100, time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)))
	assert.Len(t, signals, 1, "explicit adds go through when the instance allows them")
}

func TestMomentumCrossSignals(t *testing.T) {
	m := newMomentum(types.Timeframe1m, Params{
		"fast": 2, "slow": 4, "rsi_period": 2,
		"overbought": 101, "oversold": -1, "allow_short": 1,
	})
	set, err := NewIndicatorSet(m.Indicators())
	require.NoError(t, err)

	feed := func(close float64, pos float64) *Advice {
		set.Update(close, close, close, 1)
		ctx := &Context{Symbol: "X", Position: pos, ind: set}
		return m.OnBarClose(ctx, types.Bar{Symbol: "X", Close: close})
	}

	// decline keeps the fast EMA under the slow one
	var advices []*Advice
	for _, c := range []float64{100, 99, 98, 97, 96, 95} {
		advices = append(advices, feed(c, 0))
	}
	for _, a := range advices {
		assert.Nil(t, a, "no cross during a steady decline")
	}

	// rally forces the fast EMA across the slow one
	var buy *Advice
	for _, c := range []float64{100, 104, 108, 112} {
		if a := feed(c, 0); a != nil {
			buy = a
			break
		}
	}
	require.NotNil(t, buy)
	assert.Equal(t, types.SideBuy, buy.Side)
	assert.Equal(t, "ema-cross-up", buy.Reason)

	// with a long open, the reverse cross exits instead of shorting
	var exit *Advice
	for _, c := range []float64{100, 94, 88, 82} {
		if a := feed(c, 10); a != nil {
			exit = a
			break
		}
	}
	require.NotNil(t, exit)
	assert.Equal(t, types.SideFlat, exit.Side)
	assert.Equal(t, "cross-down-exit", exit.Reason)
}

func TestEngineDeliversSignalsThroughDispatcher(t *testing.T) {
	pv := &stubPositions{pos: map[string]float64{}}
	eng, d := newTestEngine(t, pv)
	require.NoError(t, eng.Add(gapConfig("g1")))
	require.NoError(t, eng.Start("g1"))

	day1 := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	d.Dispatch(types.Tick{Symbol: "X", Price: 100, Size: 1, At: day1, Seq: 1})
	d.Dispatch(types.Tick{Symbol: "X", Price: 105, Size: 1, At: day1.Add(24 * time.Hour), Seq: 2})

	select {
	case sig := <-eng.Signals():
		assert.Equal(t, "g1", sig.StrategyID)
		assert.Equal(t, types.SideBuy, sig.Side)
		assert.Equal(t, "gap-up", sig.Reason)
	case <-time.After(time.Second):
		t.Fatal("no signal delivered")
	}
}

func TestPausedInstanceReceivesNoTicks(t *testing.T) {
	pv := &stubPositions{pos: map[string]float64{}}
	eng, d := newTestEngine(t, pv)
	require.NoError(t, eng.Add(gapConfig("g1")))
	require.NoError(t, eng.Start("g1"))
	require.NoError(t, eng.Pause("g1"))

	day1 := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	d.Dispatch(types.Tick{Symbol: "X", Price: 100, Size: 1, At: day1, Seq: 1})
	d.Dispatch(types.Tick{Symbol: "X", Price: 105, Size: 1, At: day1.Add(24 * time.Hour), Seq: 2})

	select {
	case sig := <-eng.Signals():
		t.Fatalf("paused instance produced %v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}
