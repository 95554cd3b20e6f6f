package node

import (
	"errors"
	"time"

	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/kv"
	"go.miragespace.co/ringstore/spec/rtt"
	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/timing"

	"go.uber.org/zap"
)

type Config struct {
	Logger    *zap.Logger
	Endpoint  string
	Transport transport.Transport
	Store     kv.Store
	Registry  *item.Registry
	Clock     timing.Clock
	RTT       rtt.Recorder
	// ValidKey rejects announcements for keys the registry cannot store. Optional
	ValidKey func(path string) bool

	MinimumCopies     int
	ReplicationFactor int
	// SkipCorroboration commits on the local copy alone. Only meant for single node testing
	SkipCorroboration bool
	// RetryDelay between corroboration attempts against a lagging peer
	RetryDelay     time.Duration
	LookupCacheTTL time.Duration

	MaintenanceInterval time.Duration
	StepTimeout         time.Duration
	JoinAttempts        uint
	JoinDelay           time.Duration
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil Config")
	}
	if c.Logger == nil {
		return errors.New("nil Logger")
	}
	if c.Endpoint == "" {
		return errors.New("empty Endpoint")
	}
	if c.Transport == nil {
		return errors.New("nil Transport")
	}
	if c.Store == nil {
		return errors.New("nil Store")
	}
	if c.Registry == nil {
		return errors.New("nil Registry")
	}
	if c.MaintenanceInterval < 0 {
		return errors.New("invalid MaintenanceInterval, must not be negative")
	}
	if c.StepTimeout < 0 {
		return errors.New("invalid StepTimeout, must not be negative")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.Clock == nil {
		c.Clock = timing.SystemClock{}
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = timing.MaintenanceInterval
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = timing.StepTimeout
	}
	if c.JoinAttempts == 0 {
		c.JoinAttempts = 5
	}
	if c.JoinDelay <= 0 {
		c.JoinDelay = time.Second
	}
}
