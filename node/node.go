package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.miragespace.co/ringstore/entropy"
	"go.miragespace.co/ringstore/quorum"
	"go.miragespace.co/ringstore/ring"
	"go.miragespace.co/ringstore/spec/item"

	"github.com/avast/retry-go/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var errNotJoined = errors.New("node: no seed could be reached")

// Node ties ring membership, quorum storage and anti-entropy together behind one handler
type Node struct {
	logger *zap.Logger
	cfg    Config

	ring   *ring.Membership
	quorum *quorum.Store
	sync   *entropy.Sync

	started *atomic.Bool
	stopCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	n := &Node{
		logger:  cfg.Logger,
		cfg:     cfg,
		started: atomic.NewBool(false),
	}
	n.stopCtx, n.cancel = context.WithCancel(context.Background())

	m, err := ring.New(ring.Config{
		Logger:         cfg.Logger,
		Endpoint:       cfg.Endpoint,
		Transport:      cfg.Transport,
		Clock:          cfg.Clock,
		RTT:            cfg.RTT,
		LookupCacheTTL: cfg.LookupCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ring membership: %w", err)
	}
	n.ring = m

	q, err := quorum.New(quorum.Config{
		Logger:            cfg.Logger,
		Router:            m,
		Store:             cfg.Store,
		Registry:          cfg.Registry,
		Clock:             cfg.Clock,
		MinimumCopies:     cfg.MinimumCopies,
		ReplicationFactor: cfg.ReplicationFactor,
		SkipCorroboration: cfg.SkipCorroboration,
		RetryDelay:        cfg.RetryDelay,
		OnCommitted:       n.onCommitted,
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("creating quorum store: %w", err)
	}
	n.quorum = q

	s, err := entropy.New(entropy.Config{
		Logger:   cfg.Logger,
		Router:   m,
		Quorum:   q,
		Store:    cfg.Store,
		Clock:    cfg.Clock,
		ValidKey: cfg.ValidKey,
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("creating anti-entropy sync: %w", err)
	}
	n.sync = s

	return n, nil
}

func (n *Node) onCommitted(ctx context.Context, it item.Item) {
	n.sync.OnCommitted(ctx, it)
}

func (n *Node) Endpoint() string {
	return n.ring.Endpoint()
}

func (n *Node) Membership() *ring.Membership {
	return n.ring
}

func (n *Node) Quorum() *quorum.Store {
	return n.quorum
}

func (n *Node) Sync() *entropy.Sync {
	return n.sync
}

// Join adds seeds and stabilizes until one of them is adopted as successor
func (n *Node) Join(ctx context.Context, seeds ...string) error {
	if len(seeds) == 0 {
		return nil
	}
	n.ring.Join(seeds...)
	return retry.Do(func() error {
		n.ring.Stabilize(ctx)
		if succ := n.ring.Successor(); succ == "" || succ == n.ring.Endpoint() {
			return errNotJoined
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(n.cfg.JoinAttempts),
		retry.Delay(n.cfg.JoinDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// Write replicates it to the peers responsible for its path
func (n *Node) Write(ctx context.Context, it item.Item) error {
	return n.quorum.Submit(ctx, it)
}

// Read returns the resolved copy of path across its responsible peers. A non-authoritative
// result is returned along with a nil error and has Transient() set.
func (n *Node) Read(ctx context.Context, path string) (item.Consensus, error) {
	return n.quorum.QuorumRead(ctx, path)
}

// Start restores persisted sync states and runs the maintenance loop until Stop
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("node already started")
	}
	if _, err := n.sync.Load(ctx); err != nil {
		return fmt.Errorf("loading sync states: %w", err)
	}

	n.logger.Info("Starting ringstore node",
		zap.String("endpoint", n.ring.Endpoint()),
		zap.Uint64("id", n.ring.ID()),
		zap.Duration("interval", n.cfg.MaintenanceInterval))

	n.wg.Add(1)
	go n.maintenance()
	return nil
}

func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()
	n.ring.Close()
	n.logger.Info("Node stopped", zap.String("endpoint", n.ring.Endpoint()))
}
