package entropy

import (
	"errors"
	"time"

	"go.miragespace.co/ringstore/quorum"
	"go.miragespace.co/ringstore/spec/kv"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/timing"

	"go.uber.org/zap"
)

const (
	// keys announced or pulled in one maintenance tick
	DefaultMaxPerTick = 100
	// peer calls in flight per step
	DefaultConcurrency = 3
	// sends of one version to one peer before the history throttles it
	DefaultHistoryCap = 2
	// distinct announcing hosts remembered per key
	DefaultMaxAnnouncers = 8
)

type Config struct {
	Logger *zap.Logger
	Router ring.Router
	Quorum *quorum.Store
	Store  kv.Store
	Clock  timing.Clock
	// ValidKey rejects malformed announced keys. Optional
	ValidKey func(path string) bool

	MaxPerTick             int
	Concurrency            int
	HistoryCap             int
	HistoryReset           time.Duration
	MaxAnnouncers          int
	AnnouncerExpiry        time.Duration
	IntervalResponsible    time.Duration
	IntervalNotResponsible time.Duration
	Ladder                 []time.Duration
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil Config")
	}
	if c.Logger == nil {
		return errors.New("nil Logger")
	}
	if c.Router == nil {
		return errors.New("nil Router")
	}
	if c.Quorum == nil {
		return errors.New("nil Quorum")
	}
	if c.Store == nil {
		return errors.New("nil Store")
	}
	if c.MaxPerTick < 0 || c.Concurrency < 0 || c.HistoryCap < 0 || c.MaxAnnouncers < 0 {
		return errors.New("invalid limits, must not be negative")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.Clock == nil {
		c.Clock = timing.SystemClock{}
	}
	if c.MaxPerTick == 0 {
		c.MaxPerTick = DefaultMaxPerTick
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.HistoryCap == 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	if c.MaxAnnouncers == 0 {
		c.MaxAnnouncers = DefaultMaxAnnouncers
	}
	if c.AnnouncerExpiry <= 0 {
		c.AnnouncerExpiry = timing.AnnouncerExpiry
	}
	if c.HistoryReset <= 0 {
		c.HistoryReset = timing.AnnounceHistoryReset
	}
	if c.IntervalResponsible <= 0 {
		c.IntervalResponsible = timing.AnnounceIntervalResponsible
	}
	if c.IntervalNotResponsible <= 0 {
		c.IntervalNotResponsible = timing.AnnounceIntervalNotResponsible
	}
	if len(c.Ladder) == 0 {
		c.Ladder = timing.DeferralLadder
	}
}
