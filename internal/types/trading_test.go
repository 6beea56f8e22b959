package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := IdempotencyKey("s1", "sig-1")
	b := IdempotencyKey("s1", "sig-1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, IdempotencyKey("s1", "sig-2"))
	assert.NotEqual(t, a, IdempotencyKey("s2", "sig-1"))
	// the separator keeps (ab, c) and (a, bc) apart
	assert.NotEqual(t, IdempotencyKey("ab", "c"), IdempotencyKey("a", "bc"))
}

func TestSideSignAndOpposite(t *testing.T) {
	assert.Equal(t, 1.0, SideBuy.Sign())
	assert.Equal(t, -1.0, SideSell.Sign())
	assert.Equal(t, 0.0, SideFlat.Sign())
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestTradingWindowContains(t *testing.T) {
	w, err := ParseTradingWindow("09:20-15:05", time.UTC)
	require.NoError(t, err)

	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	assert.False(t, w.Contains(day.Add(9*time.Hour)))
	assert.True(t, w.Contains(day.Add(9*time.Hour+20*time.Minute)))
	assert.True(t, w.Contains(day.Add(12*time.Hour)))
	assert.False(t, w.Contains(day.Add(15*time.Hour+6*time.Minute)))
}

func TestTradingWindowOvernight(t *testing.T) {
	w, err := ParseTradingWindow("22:00-02:00", time.UTC)
	require.NoError(t, err)

	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	assert.True(t, w.Contains(day.Add(23*time.Hour)))
	assert.True(t, w.Contains(day.Add(time.Hour)))
	assert.False(t, w.Contains(day.Add(12*time.Hour)))
}

func TestTradingWindowZeroValueAlwaysOpen(t *testing.T) {
	var w TradingWindow
	assert.True(t, w.Contains(time.Now()))
	assert.True(t, w.Contains(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)))
}

func TestTradingWindowRespectsLocation(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	w, err := ParseTradingWindow("09:20-15:05", ist)
	require.NoError(t, err)

	// 04:30 UTC is 10:00 IST
	assert.True(t, w.Contains(time.Date(2026, 8, 27, 4, 30, 0, 0, time.UTC)))
	// 12:00 UTC is 17:30 IST
	assert.False(t, w.Contains(time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)))
}

func TestParseTradingWindowRejectsGarbage(t *testing.T) {
	for _, s := range []string{"0920-1505", "09:20", "09:20-25:05", "late-early"} {
		_, err := ParseTradingWindow(s, time.UTC)
		assert.Error(t, err, s)
	}
}

func TestTimeframeTruncate(t *testing.T) {
	at := time.Date(2026, 8, 27, 10, 7, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 27, 10, 7, 0, 0, time.UTC), Timeframe1m.Truncate(at))
	assert.Equal(t, time.Date(2026, 8, 27, 10, 5, 0, 0, time.UTC), Timeframe5m.Truncate(at))
	assert.Equal(t, time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC), Timeframe1h.Truncate(at))
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("15m")
	require.NoError(t, err)
	assert.Equal(t, Timeframe15m, tf)

	// any positive Go duration works too
	tf, err = ParseTimeframe("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, tf.Duration())

	_, err = ParseTimeframe("fast")
	assert.Error(t, err)
	_, err = ParseTimeframe("0s")
	assert.Error(t, err)
}
