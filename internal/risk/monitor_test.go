package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ztrade/internal/types"
)

type fakeLister struct {
	open map[string][]OpenPosition
}

func (f *fakeLister) OpenPositions(strategyID string) []OpenPosition {
	return f.open[strategyID]
}

func TestMonitorTripsOnDailyLoss(t *testing.T) {
	src := newTestSource(Limits{MaxDailyLoss: 10000})
	lister := &fakeLister{open: map[string][]OpenPosition{
		"s1": {{Symbol: "X", Quantity: 40}, {Symbol: "Y", Quantity: -10}},
	}}
	var shutdowns []string
	var intents []types.OrderIntent
	m := NewMonitor(src, lister,
		func(id, reason string) error { shutdowns = append(shutdowns, id); return nil },
		func(i types.OrderIntent) { intents = append(intents, i) },
	)

	// a loss inside the limit does nothing
	m.OnPnL("s1", -10000, -10000)
	assert.Empty(t, shutdowns)
	assert.False(t, m.Tripped("s1"))

	// one tick past the limit trips the breaker
	m.OnPnL("s1", -10001, -10001)
	require.Equal(t, []string{"s1"}, shutdowns)
	assert.True(t, m.Tripped("s1"))

	require.Len(t, intents, 2)
	assert.Equal(t, types.SideSell, intents[0].Side)
	assert.Equal(t, 40.0, intents[0].Quantity)
	assert.Equal(t, "X", intents[0].Symbol)
	assert.Equal(t, types.SideBuy, intents[1].Side)
	assert.Equal(t, 10.0, intents[1].Quantity)
	assert.Equal(t, "risk-flatten", intents[1].Reason)
}

func TestMonitorTripIsOneShot(t *testing.T) {
	src := newTestSource(Limits{MaxDailyLoss: 100})
	var shutdowns int
	m := NewMonitor(src, &fakeLister{}, func(string, string) error { shutdowns++; return nil }, nil)

	m.OnPnL("s1", -101, -101)
	m.OnPnL("s1", -200, -200)
	m.OnPnL("s1", -300, -300)
	assert.Equal(t, 1, shutdowns, "breach is reported once, not per update")
}

func TestMonitorDrawdownFromPeak(t *testing.T) {
	src := newTestSource(Limits{MaxDrawdown: 500})
	var tripped bool
	m := NewMonitor(src, &fakeLister{}, func(string, string) error { tripped = true; return nil }, nil)

	m.OnPnL("s1", 0, 1000)  // peak 1000
	m.OnPnL("s1", 0, 600)   // drawdown 400, inside the limit
	assert.False(t, tripped)
	m.OnPnL("s1", 0, 450) // drawdown 550
	assert.True(t, tripped)
}

func TestMonitorResetClearsTrip(t *testing.T) {
	src := newTestSource(Limits{MaxDailyLoss: 100})
	m := NewMonitor(src, &fakeLister{}, func(string, string) error { return nil }, nil)

	m.OnPnL("s1", -200, -200)
	require.True(t, m.Tripped("s1"))

	m.Reset("s1")
	assert.False(t, m.Tripped("s1"))
}

func TestMonitorTracksStrategiesIndependently(t *testing.T) {
	src := newTestSource(Limits{MaxDailyLoss: 100})
	var shutdowns []string
	m := NewMonitor(src, &fakeLister{}, func(id, _ string) error { shutdowns = append(shutdowns, id); return nil }, nil)

	m.OnPnL("s1", -200, -200)
	m.OnPnL("s2", -50, -50)
	assert.Equal(t, []string{"s1"}, shutdowns)
	assert.False(t, m.Tripped("s2"))
}
