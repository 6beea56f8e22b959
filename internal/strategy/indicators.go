package strategy

import (
	"fmt"
	"math"
)

// IndicatorKind enumerates the indicators the engine can maintain.
type IndicatorKind uint8

const (
	IndEMA IndicatorKind = iota + 1
	IndSMA
	IndRSI
	IndMACD
	IndATR
	IndBollinger
	IndVWAP
)

// IndicatorSpec declares one indicator a strategy needs. The engine
// maintains declared indicators incrementally, O(1) per update; nothing
// is recomputed from full history.
type IndicatorSpec struct {
	Kind   IndicatorKind
	Period int
	// MACD only
	Fast, Slow, Signal int
	// Bollinger only
	StdDev float64
}

func EMASpec(period int) IndicatorSpec { return IndicatorSpec{Kind: IndEMA, Period: period} }
func SMASpec(period int) IndicatorSpec { return IndicatorSpec{Kind: IndSMA, Period: period} }
func RSISpec(period int) IndicatorSpec { return IndicatorSpec{Kind: IndRSI, Period: period} }
func ATRSpec(period int) IndicatorSpec { return IndicatorSpec{Kind: IndATR, Period: period} }
func VWAPSpec() IndicatorSpec          { return IndicatorSpec{Kind: IndVWAP} }

func MACDSpec(fast, slow, signal int) IndicatorSpec {
	return IndicatorSpec{Kind: IndMACD, Fast: fast, Slow: slow, Signal: signal}
}

func BollingerSpec(period int, stdDev float64) IndicatorSpec {
	return IndicatorSpec{Kind: IndBollinger, Period: period, StdDev: stdDev}
}

// IndicatorSet owns the incremental calculators for one (instance,
// symbol) pair. It is private to its instance and updated from a single
// goroutine, so it carries no locks.
type IndicatorSet struct {
	emas  map[int]*emaCalc
	smas  map[int]*smaCalc
	rsis  map[int]*rsiCalc
	atrs  map[int]*atrCalc
	macdC *macdCalc
	bollC *bollCalc
	vwapC *vwapCalc
}

// NewIndicatorSet builds the calculators a strategy declared.
func NewIndicatorSet(specs []IndicatorSpec) (*IndicatorSet, error) {
	s := &IndicatorSet{
		emas: make(map[int]*emaCalc),
		smas: make(map[int]*smaCalc),
		rsis: make(map[int]*rsiCalc),
		atrs: make(map[int]*atrCalc),
	}
	for _, spec := range specs {
		switch spec.Kind {
		case IndEMA:
			s.emas[spec.Period] = newEMACalc(spec.Period)
		case IndSMA:
			s.smas[spec.Period] = newSMACalc(spec.Period)
		case IndRSI:
			s.rsis[spec.Period] = newRSICalc(spec.Period)
		case IndATR:
			s.atrs[spec.Period] = newATRCalc(spec.Period)
		case IndMACD:
			s.macdC = newMACDCalc(spec.Fast, spec.Slow, spec.Signal)
		case IndBollinger:
			s.bollC = newBollCalc(spec.Period, spec.StdDev)
		case IndVWAP:
			s.vwapC = &vwapCalc{}
		default:
			return nil, fmt.Errorf("unknown indicator kind %d", spec.Kind)
		}
	}
	return s, nil
}

// Update folds one observation into every calculator. Tick-driven
// strategies pass price for high/low/close with the tick size as volume;
// bar-driven strategies pass the closed bar's fields.
func (s *IndicatorSet) Update(high, low, close, volume float64) {
	for _, c := range s.emas {
		c.update(close)
	}
	for _, c := range s.smas {
		c.update(close)
	}
	for _, c := range s.rsis {
		c.update(close)
	}
	for _, c := range s.atrs {
		c.update(high, low, close)
	}
	if s.macdC != nil {
		s.macdC.update(close)
	}
	if s.bollC != nil {
		s.bollC.update(close)
	}
	if s.vwapC != nil {
		s.vwapC.update(close, volume)
	}
}

// ResetSession clears session-scoped indicators (VWAP).
func (s *IndicatorSet) ResetSession() {
	if s.vwapC != nil {
		*s.vwapC = vwapCalc{}
	}
}

func (s *IndicatorSet) ema(period int) (float64, bool) {
	if c := s.emas[period]; c != nil {
		return c.value()
	}
	return 0, false
}

func (s *IndicatorSet) sma(period int) (float64, bool) {
	if c := s.smas[period]; c != nil {
		return c.value()
	}
	return 0, false
}

func (s *IndicatorSet) rsi(period int) (float64, bool) {
	if c := s.rsis[period]; c != nil {
		return c.value()
	}
	return 0, false
}

func (s *IndicatorSet) atr(period int) (float64, bool) {
	if c := s.atrs[period]; c != nil {
		return c.value()
	}
	return 0, false
}

func (s *IndicatorSet) macd() (float64, float64, float64, bool) {
	if s.macdC != nil {
		return s.macdC.value()
	}
	return 0, 0, 0, false
}

func (s *IndicatorSet) bollinger() (float64, float64, float64, bool) {
	if s.bollC != nil {
		return s.bollC.value()
	}
	return 0, 0, 0, false
}

func (s *IndicatorSet) vwap() (float64, bool) {
	if s.vwapC != nil {
		return s.vwapC.value()
	}
	return 0, false
}

// ring is a fixed-size window with a running sum.
type ring struct {
	values []float64
	sum    float64
	pos    int
	count  int
}

func newRing(size int) *ring { return &ring{values: make([]float64, size)} }

func (r *ring) add(v float64) {
	if r.count == len(r.values) {
		r.sum -= r.values[r.pos]
	} else {
		r.count++
	}
	r.values[r.pos] = v
	r.sum += v
	r.pos = (r.pos + 1) % len(r.values)
}

func (r *ring) full() bool { return r.count == len(r.values) }

func (r *ring) mean() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

func (r *ring) stddev() float64 {
	if r.count < 2 {
		return 0
	}
	mean := r.mean()
	variance := 0.0
	for i := 0; i < r.count; i++ {
		d := r.values[i] - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(r.count))
}

type smaCalc struct{ window *ring }

func newSMACalc(period int) *smaCalc { return &smaCalc{window: newRing(period)} }

func (c *smaCalc) update(price float64) { c.window.add(price) }

func (c *smaCalc) value() (float64, bool) {
	if !c.window.full() {
		return 0, false
	}
	return c.window.mean(), true
}

type emaCalc struct {
	k       float64
	ema     float64
	seeded  bool
	samples int
	period  int
}

func newEMACalc(period int) *emaCalc {
	return &emaCalc{k: 2.0 / (float64(period) + 1.0), period: period}
}

func (c *emaCalc) update(price float64) {
	if !c.seeded {
		c.ema = price
		c.seeded = true
	} else {
		c.ema = (price-c.ema)*c.k + c.ema
	}
	c.samples++
}

func (c *emaCalc) value() (float64, bool) {
	if c.samples < c.period {
		return 0, false
	}
	return c.ema, true
}

// rsiCalc implements Wilder's RSI: a simple average over the first
// `period` changes, then Wilder smoothing.
type rsiCalc struct {
	period    int
	avgGain   float64
	avgLoss   float64
	lastPrice float64
	samples   int
}

func newRSICalc(period int) *rsiCalc { return &rsiCalc{period: period} }

func (c *rsiCalc) update(price float64) {
	if c.samples == 0 {
		c.lastPrice = price
		c.samples++
		return
	}
	change := price - c.lastPrice
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}
	c.lastPrice = price

	n := float64(c.period)
	if c.samples <= c.period {
		c.avgGain += gain / n
		c.avgLoss += loss / n
	} else {
		c.avgGain = (c.avgGain*(n-1) + gain) / n
		c.avgLoss = (c.avgLoss*(n-1) + loss) / n
	}
	c.samples++
}

func (c *rsiCalc) value() (float64, bool) {
	if c.samples <= c.period {
		return 0, false
	}
	if c.avgLoss == 0 {
		return 100, true
	}
	rs := c.avgGain / c.avgLoss
	return 100 - 100/(1+rs), true
}

type macdCalc struct {
	fast, slow, signal *emaCalc
}

func newMACDCalc(fast, slow, signal int) *macdCalc {
	return &macdCalc{fast: newEMACalc(fast), slow: newEMACalc(slow), signal: newEMACalc(signal)}
}

func (c *macdCalc) update(price float64) {
	c.fast.update(price)
	c.slow.update(price)
	f, fok := c.fast.value()
	s, sok := c.slow.value()
	if fok && sok {
		c.signal.update(f - s)
	}
}

func (c *macdCalc) value() (float64, float64, float64, bool) {
	f, fok := c.fast.value()
	s, sok := c.slow.value()
	if !fok || !sok {
		return 0, 0, 0, false
	}
	line := f - s
	sig, ok := c.signal.value()
	if !ok {
		sig = line
	}
	return line, sig, line - sig, true
}

// atrCalc uses Wilder smoothing over the true range.
type atrCalc struct {
	period    int
	atr       float64
	lastClose float64
	samples   int
	sumTR     float64
}

func newATRCalc(period int) *atrCalc { return &atrCalc{period: period} }

func (c *atrCalc) update(high, low, close float64) {
	if c.samples == 0 {
		c.lastClose = close
		c.samples++
		return
	}
	tr := high - low
	if v := math.Abs(high - c.lastClose); v > tr {
		tr = v
	}
	if v := math.Abs(low - c.lastClose); v > tr {
		tr = v
	}
	c.lastClose = close

	n := float64(c.period)
	if c.samples <= c.period {
		c.sumTR += tr
		if c.samples == c.period {
			c.atr = c.sumTR / n
		}
	} else {
		c.atr = (c.atr*(n-1) + tr) / n
	}
	c.samples++
}

func (c *atrCalc) value() (float64, bool) {
	if c.samples <= c.period {
		return 0, false
	}
	return c.atr, true
}

type bollCalc struct {
	window *ring
	stdDev float64
}

func newBollCalc(period int, stdDev float64) *bollCalc {
	if stdDev <= 0 {
		stdDev = 2.0
	}
	return &bollCalc{window: newRing(period), stdDev: stdDev}
}

func (c *bollCalc) update(price float64) { c.window.add(price) }

func (c *bollCalc) value() (float64, float64, float64, bool) {
	if !c.window.full() {
		return 0, 0, 0, false
	}
	mid := c.window.mean()
	dev := c.window.stddev() * c.stdDev
	return mid + dev, mid, mid - dev, true
}

// vwapCalc accumulates over the session; ResetSession clears it.
type vwapCalc struct {
	sumPV  float64
	sumVol float64
}

func (c *vwapCalc) update(price, volume float64) {
	c.sumPV += price * volume
	c.sumVol += volume
}

func (c *vwapCalc) value() (float64, bool) {
	if c.sumVol <= 0 {
		return 0, false
	}
	return c.sumPV / c.sumVol, true
}
