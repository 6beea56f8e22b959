package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ztrade/internal/types"
)

func barTick(symbol string, price, size float64, at time.Time) types.Tick {
	return types.Tick{Symbol: symbol, Price: price, Size: size, At: at}
}

func TestBarBuilderAggregatesOneInterval(t *testing.T) {
	b := NewBarBuilder(types.Timeframe1m)
	base := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)

	require.Nil(t, b.Apply(barTick("X", 100, 1, base)))
	require.Nil(t, b.Apply(barTick("X", 103, 2, base.Add(20*time.Second))))
	require.Nil(t, b.Apply(barTick("X", 99, 1, base.Add(40*time.Second))))

	closed := b.Apply(barTick("X", 101, 1, base.Add(time.Minute)))
	require.NotNil(t, closed)
	assert.Equal(t, 100.0, closed.Open)
	assert.Equal(t, 103.0, closed.High)
	assert.Equal(t, 99.0, closed.Low)
	assert.Equal(t, 99.0, closed.Close)
	assert.Equal(t, 4.0, closed.Volume)
	assert.Equal(t, base, closed.Start)
	assert.Equal(t, base.Add(time.Minute), closed.End)

	working, ok := b.Working("X")
	require.True(t, ok)
	assert.Equal(t, 101.0, working.Open)
}

func TestBarBuilderLateTickNeverReopensClosedBar(t *testing.T) {
	b := NewBarBuilder(types.Timeframe1m)
	base := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)

	b.Apply(barTick("X", 100, 1, base))
	closed := b.Apply(barTick("X", 101, 1, base.Add(time.Minute)))
	require.NotNil(t, closed)

	// a tick from the already-closed interval must not emit that bar again
	late := b.Apply(barTick("X", 102, 1, base.Add(30*time.Second)))
	assert.Nil(t, late)
	assert.Equal(t, uint64(1), b.LateTicks())
}

func TestBarBuilderLateTickDoesNotDisturbWorkingBar(t *testing.T) {
	b := NewBarBuilder(types.Timeframe1m)
	base := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)

	// close the 09:30 bar, then accumulate two ticks into 09:31
	b.Apply(barTick("X", 100, 1, base))
	require.NotNil(t, b.Apply(barTick("X", 110, 1, base.Add(time.Minute))))
	require.Nil(t, b.Apply(barTick("X", 112, 2, base.Add(time.Minute+10*time.Second))))

	// a straggler from 09:30 arrives mid-interval
	require.Nil(t, b.Apply(barTick("X", 90, 1, base.Add(30*time.Second))))

	// the 09:31 working bar kept its accumulated state
	working, ok := b.Working("X")
	require.True(t, ok)
	assert.Equal(t, 110.0, working.Open)
	assert.Equal(t, 112.0, working.High)
	assert.Equal(t, 3.0, working.Volume)

	// and the next interval closes 09:31 exactly once, with the real OHLCV
	closed := b.Apply(barTick("X", 111, 1, base.Add(2*time.Minute)))
	require.NotNil(t, closed)
	assert.Equal(t, base.Add(time.Minute), closed.Start)
	assert.Equal(t, 110.0, closed.Open)
	assert.Equal(t, 112.0, closed.Close)
	assert.Equal(t, 3.0, closed.Volume)
}

func TestBarBuilderTracksSymbolsIndependently(t *testing.T) {
	b := NewBarBuilder(types.Timeframe1m)
	base := time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC)

	b.Apply(barTick("X", 100, 1, base))
	b.Apply(barTick("Y", 50, 1, base))

	closed := b.Apply(barTick("X", 101, 1, base.Add(time.Minute)))
	require.NotNil(t, closed)
	assert.Equal(t, "X", closed.Symbol)

	_, ok := b.Working("Y")
	assert.True(t, ok)
}
