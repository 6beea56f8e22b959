package types

import (
	"fmt"
	"time"
)

// Tick is a single normalized market update for one symbol. Ticks are
// immutable once emitted by the normalizer; Seq is the venue sequence
// number and is strictly increasing per symbol on a clean feed.
type Tick struct {
	Symbol string
	Price  float64
	Size   float64
	At     time.Time
	Seq    uint64
}

// Timeframe is the bar aggregation interval.
type Timeframe time.Duration

const (
	Timeframe1m  = Timeframe(time.Minute)
	Timeframe5m  = Timeframe(5 * time.Minute)
	Timeframe15m = Timeframe(15 * time.Minute)
	Timeframe1h  = Timeframe(time.Hour)
)

func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) }

// Truncate aligns t to the start of the bar containing it.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	return t.Truncate(time.Duration(tf))
}

func (tf Timeframe) String() string {
	switch tf {
	case Timeframe1m:
		return "1m"
	case Timeframe5m:
		return "5m"
	case Timeframe15m:
		return "15m"
	case Timeframe1h:
		return "1h"
	default:
		return time.Duration(tf).String()
	}
}

// ParseTimeframe accepts the short forms used in config files ("1m", "5m",
// "15m", "1h") as well as any Go duration string.
func ParseTimeframe(s string) (Timeframe, error) {
	switch s {
	case "1m":
		return Timeframe1m, nil
	case "5m":
		return Timeframe5m, nil
	case "15m":
		return Timeframe15m, nil
	case "1h":
		return Timeframe1h, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	return Timeframe(d), nil
}

// Bar is an OHLCV aggregate over one timeframe. Closed bars are immutable.
type Bar struct {
	Symbol    string
	Timeframe Timeframe
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Start     time.Time
	End       time.Time
}

// ConnState describes the market feed connection lifecycle.
type ConnState uint8

const (
	ConnConnected ConnState = iota + 1
	ConnDisconnected
	ConnReconnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// ConnEvent is pushed by the feed collaborator when connectivity changes.
// A Reconnected event obliges the engine to reconcile order state with the
// venue before resuming dispatch.
type ConnEvent struct {
	State  ConnState
	Reason string
	At     time.Time
}
