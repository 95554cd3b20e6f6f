package quorum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.miragespace.co/ringstore/metrics"
	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type pendingCommit struct {
	mu        sync.Mutex
	token     string
	item      item.Item
	created   time.Time
	committed bool
	notified  bool
}

// Store accepts writes only after enough responsible peers vouch for the same version
type Store struct {
	logger   *zap.Logger
	router   ring.Router
	registry *item.Registry
	local    *Local
	cfg      Config

	pending *skipmap.StringMap[*pendingCommit]
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	logger := cfg.Logger.With(zap.String("component", "quorum"))
	return &Store{
		logger:   logger,
		router:   cfg.Router,
		registry: cfg.Registry,
		local:    NewLocal(logger, cfg.Store, cfg.Registry),
		cfg:      cfg,
		pending:  skipmap.NewString[*pendingCommit](),
	}, nil
}

func (s *Store) Local() *Local {
	return s.local
}

func (s *Store) Registry() *item.Registry {
	return s.registry
}

// MinimumCopies is the number of agreeing copies a commit or read needs
func (s *Store) MinimumCopies() int {
	return s.cfg.MinimumCopies
}

// ReplicationFactor bounds the responsible peer set of a key
func (s *Store) ReplicationFactor() int {
	return s.cfg.ReplicationFactor
}

func (s *Store) live(p *pendingCommit, now time.Time) bool {
	return now.Sub(p.created) < s.cfg.PendingExpiry
}

// Propose validates it against the best copy known and parks it under a fresh commit token
func (s *Store) Propose(ctx context.Context, it item.Item) (string, error) {
	existing, err := s.bestKnown(ctx, it.Path())
	if err != nil {
		return "", err
	}
	if item.Newer(existing, it) {
		return "", fmt.Errorf("%w: %s is already at %s", ring.ErrObjectSuperseded, it.Path(), existing.UpdatedUtc())
	}
	if pending, ok := s.newestPending(it.Path()); ok && pending.After(it.UpdatedUtc()) {
		return "", fmt.Errorf("%w: %s has a pending write at %s", ring.ErrObjectSuperseded, it.Path(), pending)
	}
	if err := s.registry.Validate(ctx, it, existing); err != nil {
		return "", err
	}

	p := &pendingCommit{
		token:   uuid.NewString(),
		item:    it,
		created: s.cfg.Clock.Now(),
	}
	s.pending.Store(p.token, p)

	s.logger.Debug("Proposed item",
		zap.String("path", it.Path()),
		zap.Time("version", it.UpdatedUtc()),
		zap.String("token", p.token))
	return p.token, nil
}

// bestKnown is the newest of the local copy and whatever the responsible peers hold
func (s *Store) bestKnown(ctx context.Context, path string) (item.Item, error) {
	existing, err := s.local.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if s.cfg.SkipCorroboration {
		return existing, nil
	}
	c, err := s.QuorumRead(ctx, path)
	if err != nil {
		s.logger.Debug("Quorum read before propose failed, validating against local copy",
			zap.String("path", path),
			zap.Error(err))
		return existing, nil
	}
	if item.Newer(c.Item, existing) {
		return c.Item, nil
	}
	return existing, nil
}

func (s *Store) newestPending(path string) (time.Time, bool) {
	now := s.cfg.Clock.Now()
	var (
		newest time.Time
		found  bool
	)
	s.pending.Range(func(_ string, p *pendingCommit) bool {
		if p.item.Path() != path || !s.live(p, now) {
			return true
		}
		if !found || p.item.UpdatedUtc().After(newest) {
			newest = p.item.UpdatedUtc()
			found = true
		}
		return true
	})
	return newest, found
}

// QueryCommitStatus reports the newest version this node holds for path, pending or committed
func (s *Store) QueryCommitStatus(ctx context.Context, path string) (time.Time, bool, error) {
	newest, found := s.newestPending(path)
	local, err := s.local.Get(ctx, path)
	if err != nil {
		return time.Time{}, false, err
	}
	if local != nil && (!found || local.UpdatedUtc().After(newest)) {
		return local.UpdatedUtc(), true, nil
	}
	return newest, found, nil
}

// Commit persists the item parked under token once enough peers corroborate its version.
// Committing the same token again is a no-op.
func (s *Store) Commit(ctx context.Context, token string, skipCorroboration bool) error {
	p, ok := s.pending.Load(token)
	if !ok {
		return fmt.Errorf("%w: unknown commit token", ring.ErrItemNotFound)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.committed {
		return nil
	}

	logger := s.logger.With(zap.String("path", p.item.Path()), zap.Time("version", p.item.UpdatedUtc()))

	if !skipCorroboration && !s.cfg.SkipCorroboration {
		if err := s.corroborate(ctx, p.item); err != nil {
			metrics.CommitsFailed.Inc()
			logger.Debug("Commit was not corroborated", zap.Error(err))
			return err
		}
	}

	if err := s.local.Put(ctx, p.item); err != nil {
		metrics.CommitsFailed.Inc()
		return fmt.Errorf("persisting %s: %w", p.item.Path(), err)
	}
	p.committed = true
	metrics.CommitsSucceeded.Inc()
	logger.Debug("Committed item")

	if !p.notified {
		p.notified = true
		s.notify(ctx, p.item)
	}
	return nil
}

func (s *Store) notify(ctx context.Context, it item.Item) {
	if s.cfg.OnCommitted == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Commit notification panicked", zap.String("path", it.Path()), zap.Any("panic", r))
		}
	}()
	s.cfg.OnCommitted(ctx, it)
}

var errNotYetVisible = errors.New("quorum: peer has not seen the version yet")

func init() {
	ring.RegisterRetryable(errNotYetVisible)
}

// corroborate asks every other responsible peer whether it holds the same version of it
func (s *Store) corroborate(ctx context.Context, it item.Item) error {
	peers, err := s.router.ResponsiblePeers(ctx, it.Path(), s.cfg.ReplicationFactor)
	if err != nil {
		return fmt.Errorf("%w: %w", ring.ErrNotEnoughPeers, err)
	}

	self := s.router.Endpoint()
	others := make([]string, 0, len(peers))
	for _, peer := range peers {
		if peer != self && s.router.Reachable(peer) {
			others = append(others, peer)
		}
	}
	if len(others) < s.cfg.MinimumCopies {
		return fmt.Errorf("%w: %d reachable responsible peers, need %d", ring.ErrNotEnoughPeers, len(others), s.cfg.MinimumCopies)
	}

	agreed := atomic.NewInt32(0)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentPeerCalls)
	for _, peer := range others {
		g.Go(func() error {
			err := retry.Do(func() error {
				var resp protocol.QueryCommitResponse
				if err := s.router.Call(gCtx, peer, protocol.CommandQueryCommit, protocol.QueryCommitRequest{
					Path: it.Path(),
				}, &resp); err != nil {
					return err
				}
				switch {
				case !resp.Found || resp.UpdatedUtc.Before(it.UpdatedUtc()):
					return errNotYetVisible
				case resp.UpdatedUtc.After(it.UpdatedUtc()):
					return retry.Unrecoverable(ring.ErrObjectSuperseded)
				}
				return nil
			},
				retry.Context(gCtx),
				retry.Attempts(s.cfg.RetryAttempts),
				retry.Delay(s.cfg.RetryDelay),
				retry.DelayType(retry.FixedDelay),
				retry.RetryIf(ring.ErrorIsRetryable),
				retry.LastErrorOnly(true),
			)
			if err != nil {
				// a peer that does not agree just does not count
				s.logger.Debug("Peer did not corroborate",
					zap.String("peer", peer),
					zap.String("path", it.Path()),
					zap.Error(err))
				return nil
			}
			agreed.Inc()
			return nil
		})
	}
	g.Wait()

	if n := int(agreed.Load()); n < s.cfg.MinimumCopies {
		return fmt.Errorf("%w: %d of %d peers agreed, need %d", ring.ErrNotEnoughPeers, n, len(others), s.cfg.MinimumCopies)
	}
	return nil
}

// Housekeeping drops commit tokens older than the pending expiry
func (s *Store) Housekeeping(_ context.Context) int {
	now := s.cfg.Clock.Now()
	expired := make([]string, 0)
	s.pending.Range(func(token string, p *pendingCommit) bool {
		if !s.live(p, now) {
			expired = append(expired, token)
		}
		return true
	})
	for _, token := range expired {
		s.pending.Delete(token)
	}
	if len(expired) > 0 {
		s.logger.Debug("Purged expired commit tokens", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Pending is the number of commit tokens currently held
func (s *Store) Pending() int {
	return s.pending.Len()
}
