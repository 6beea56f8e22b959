package market

import (
	"sync"
	"sync/atomic"
	"time"

	"ztrade/internal/logger"
	"ztrade/internal/types"
)

// RawTick carries the already-decoded fields the feed collaborator hands
// us. Payload decoding happens upstream; the normalizer only sequences.
type RawTick struct {
	Symbol string
	Price  float64
	Size   float64
	At     time.Time
	Seq    uint64
}

// QualityKind classifies a data-quality observation on the tick stream.
type QualityKind uint8

const (
	QualityGap QualityKind = iota + 1
	QualityOutOfOrder
)

func (k QualityKind) String() string {
	switch k {
	case QualityGap:
		return "gap"
	case QualityOutOfOrder:
		return "out-of-order"
	default:
		return "unknown"
	}
}

// QualityEvent records a gap or out-of-order arrival. These are non-fatal:
// the affected tick is still forwarded in arrival order.
type QualityEvent struct {
	Symbol  string
	Kind    QualityKind
	Seq     uint64
	HighSeq uint64
	At      time.Time
}

// seenWindow remembers recently observed sequence numbers so duplicates
// can be told apart from late arrivals.
const seenWindow = 512

type symbolState struct {
	highSeq uint64
	seen    map[uint64]struct{}
	ring    [seenWindow]uint64
	ringLen int
	ringPos int
}

// Normalizer turns raw venue ticks into canonical Ticks. Duplicate
// sequence numbers are dropped silently (counted), gaps and out-of-order
// arrivals are reported but never block or reorder the stream.
type Normalizer struct {
	mu      sync.Mutex
	symbols map[string]*symbolState

	onQuality func(QualityEvent)

	dups       atomic.Uint64
	gaps       atomic.Uint64
	outOfOrder atomic.Uint64
}

// NewNormalizer creates a normalizer. onQuality may be nil.
func NewNormalizer(onQuality func(QualityEvent)) *Normalizer {
	return &Normalizer{
		symbols:   make(map[string]*symbolState),
		onQuality: onQuality,
	}
}

// Normalize validates sequencing and returns the canonical tick. The
// second return value is false when the tick is a duplicate and must not
// be forwarded.
func (n *Normalizer) Normalize(raw RawTick) (types.Tick, bool) {
	tick := types.Tick{
		Symbol: raw.Symbol,
		Price:  raw.Price,
		Size:   raw.Size,
		At:     raw.At,
		Seq:    raw.Seq,
	}

	n.mu.Lock()
	st := n.symbols[raw.Symbol]
	if st == nil {
		st = &symbolState{seen: make(map[uint64]struct{}, seenWindow)}
		n.symbols[raw.Symbol] = st
	}

	if _, dup := st.seen[raw.Seq]; dup {
		n.mu.Unlock()
		n.dups.Add(1)
		return types.Tick{}, false
	}
	st.remember(raw.Seq)

	var ev *QualityEvent
	switch {
	case st.highSeq == 0 || raw.Seq == st.highSeq+1:
		st.highSeq = raw.Seq
	case raw.Seq > st.highSeq+1:
		ev = &QualityEvent{Symbol: raw.Symbol, Kind: QualityGap, Seq: raw.Seq, HighSeq: st.highSeq, At: raw.At}
		st.highSeq = raw.Seq
	default:
		// late arrival; forward it anyway, strategies tolerate this
		ev = &QualityEvent{Symbol: raw.Symbol, Kind: QualityOutOfOrder, Seq: raw.Seq, HighSeq: st.highSeq, At: raw.At}
	}
	n.mu.Unlock()

	if ev != nil {
		if ev.Kind == QualityGap {
			n.gaps.Add(1)
		} else {
			n.outOfOrder.Add(1)
		}
		logger.Debugf("normalizer: %s on %s seq=%d high=%d", ev.Kind, ev.Symbol, ev.Seq, ev.HighSeq)
		if n.onQuality != nil {
			n.onQuality(*ev)
		}
	}
	return tick, true
}

// Stats reports cumulative counters: duplicates dropped, gaps seen,
// out-of-order arrivals forwarded.
func (n *Normalizer) Stats() (dups, gaps, outOfOrder uint64) {
	return n.dups.Load(), n.gaps.Load(), n.outOfOrder.Load()
}

func (s *symbolState) remember(seq uint64) {
	if s.ringLen == seenWindow {
		delete(s.seen, s.ring[s.ringPos])
	} else {
		s.ringLen++
	}
	s.ring[s.ringPos] = seq
	s.ringPos = (s.ringPos + 1) % seenWindow
	s.seen[seq] = struct{}{}
}
