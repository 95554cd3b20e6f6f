package ring

import (
	"errors"
	"time"

	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/spec/rtt"
	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/timing"

	"go.uber.org/zap"
)

const (
	// bound on the seen set so gossip cannot grow it without limit
	MaxSeenPeers = 1024
	// peers handed out in one PING reply
	GossipSize = 32
	// successor corrections followed in one Stabilize
	MaxSuccessorCorrections = 8
	// distinct reporters needed before a reported public IP is considered
	MinIPReporters = 3
	// lookup candidates tried before giving up on a forward
	MaxForwardAttempts = 3
)

type Config struct {
	Logger    *zap.Logger
	Endpoint  string
	Transport transport.Transport
	Clock     timing.Clock
	RTT       rtt.Recorder
	// MaxHops bounds FIND forwarding, defaults to ring.DefaultMaxHops
	MaxHops int
	// LookupCacheTTL caches ResponsiblePeers results, zero disables the cache
	LookupCacheTTL time.Duration
	RPCTimeout     time.Duration
	PingTimeout    time.Duration
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
	if c.MaxHops < 0 {
		return errors.New("invalid MaxHops, must not be negative")
	}
	if c.LookupCacheTTL < 0 {
		return errors.New("invalid LookupCacheTTL, must not be negative")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.Clock == nil {
		c.Clock = timing.SystemClock{}
	}
	if c.MaxHops == 0 {
		c.MaxHops = ring.DefaultMaxHops
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = timing.RPCTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = timing.PingTimeout
	}
}
