package quorum

import (
	"context"
	"errors"
	"time"

	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/kv"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/timing"

	"go.uber.org/zap"
)

const (
	// peers asked concurrently during corroboration and commit fan-out
	MaxConcurrentPeerCalls = 3
	// QUERY-COMMIT attempts per peer, the first one plus 3 retries
	DefaultRetryAttempts   = 4
)

type Config struct {
	Logger   *zap.Logger
	Router   ring.Router
	Store    kv.Store
	Registry *item.Registry
	Clock    timing.Clock
	// MinimumCopies of agreeing peers, self excluded. Defaults to ring.MinimumNumberOfCopies
	MinimumCopies int
	// ReplicationFactor bounds the responsible peer set. Defaults to ring.ReplicationFactor
	ReplicationFactor int
	// SkipCorroboration commits without asking peers. Only meant for single node test setups
	SkipCorroboration bool
	PendingExpiry     time.Duration
	// RetryAttempts counts every QUERY-COMMIT sent to one peer, the first one included
	RetryAttempts     uint
	RetryDelay        time.Duration
	// OnCommitted fires once per commit token after the item is persisted
	OnCommitted func(ctx context.Context, it item.Item)
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
	if c.Store == nil {
		return errors.New("nil Store")
	}
	if c.Registry == nil {
		return errors.New("nil Registry")
	}
	if c.MinimumCopies < 0 || c.ReplicationFactor < 0 {
		return errors.New("invalid copy counts, must not be negative")
	}
	if c.MinimumCopies > 0 && c.ReplicationFactor > 0 && c.MinimumCopies >= c.ReplicationFactor {
		return errors.New("invalid MinimumCopies, must be smaller than ReplicationFactor")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.Clock == nil {
		c.Clock = timing.SystemClock{}
	}
	if c.MinimumCopies == 0 {
		c.MinimumCopies = ring.MinimumNumberOfCopies
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = ring.ReplicationFactor
	}
	if c.PendingExpiry <= 0 {
		c.PendingExpiry = timing.PendingCommitExpiry
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = timing.CorroborationDelay
	}
}
