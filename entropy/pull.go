package entropy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.miragespace.co/ringstore/metrics"
	"go.miragespace.co/ringstore/quorum"
	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/util"

	"github.com/zhangyunhao116/skipset"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errNoSource = errors.New("entropy: no peer could supply the key")
	errStorage  = errors.New("entropy: local storage failure")
)

// PullStep runs the pulls that are due, oldest first. Returns the number of pulls attempted
func (s *Sync) PullStep(ctx context.Context) int {
	now := s.cfg.Clock.Now()

	type candidate struct {
		path string
		due  time.Time
	}
	due := make([]candidate, 0)
	s.states.Range(func(path string, e *entry) bool {
		e.mu.Lock()
		at := e.state.due()
		e.mu.Unlock()
		if !at.IsZero() && !at.After(now) {
			due = append(due, candidate{path: path, due: at})
		}
		return true
	})
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].due.Before(due[j].due)
	})
	if len(due) > s.cfg.MaxPerTick {
		due = due[:s.cfg.MaxPerTick]
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, c := range due {
		g.Go(func() error {
			if err := s.Pull(ctx, c.path); err != nil && !errors.Is(err, ring.ErrDeferred) {
				s.logger.Debug("Pull did not complete", zap.String("path", c.path), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
	return len(due)
}

// Pull brings the local copy of path and its collections up to the version last announced
// to us. When no quorum is reachable the pull is deferred along the ladder; once the ladder is
// exhausted the announcers themselves are trusted by majority.
func (s *Sync) Pull(ctx context.Context, path string) error {
	e := s.entry(path)

	e.mu.Lock()
	if e.state.Status == StatusPullInProgress {
		e.mu.Unlock()
		return nil
	}
	ann := e.state.Inbound
	e.pruneAnnouncers(s.cfg.Clock.Now(), s.cfg.AnnouncerExpiry)
	announcers := endpoints(e.announcerList())
	attempts := e.state.Attempts
	s.transition(ctx, e, StatusPullInProgress)
	e.mu.Unlock()

	err := s.pull(ctx, path, ann, announcers, attempts)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := s.cfg.Clock.Now()

	if errors.Is(err, ring.ErrDeferred) {
		delay, _ := util.Ladder(s.cfg.Ladder, attempts)
		e.state.Attempts = attempts + 1
		e.state.NextAttempt = now.Add(delay)
		s.transition(ctx, e, StatusDeferring)
		metrics.PullsDeferred.Inc()
		s.logger.Debug("Deferred pull",
			zap.String("path", path),
			zap.Int("attempt", e.state.Attempts),
			zap.Duration("delay", delay))
		return err
	}

	e.state.Attempts = 0
	e.state.NextAttempt = time.Time{}
	e.state.Inbound = nil
	e.state.LastPull = now

	switch {
	case errors.Is(err, errNoSource):
		s.logger.Info("Gave up pulling key, no peer could supply it", zap.String("path", path))
		s.transition(ctx, e, StatusNoPeersAvailable)
		return nil
	case err != nil:
		s.transition(ctx, e, StatusStorageError)
		return err
	}
	s.transition(ctx, e, StatusIdle)
	metrics.PullsCompleted.Inc()
	return nil
}

func (s *Sync) pull(ctx context.Context, path string, ann *protocol.Announcement, announcers []string, attempts int) error {
	local, err := s.local.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %w", errStorage, err)
	}

	best := local
	if local == nil || ann == nil || ann.UpdatedUtc.After(local.UpdatedUtc()) {
		var source item.Item
		c, err := s.quorum.QuorumRead(ctx, path)
		if err == nil && c.OK() {
			source = c.Item
		} else {
			if _, ok := util.Ladder(s.cfg.Ladder, attempts); ok {
				return fmt.Errorf("%w: %s: %v", ring.ErrDeferred, path, err)
			}
			it, ok := s.fromAnnouncers(ctx, path, announcers)
			if !ok {
				return errNoSource
			}
			source = it
		}

		if item.Newer(source, local) {
			if _, err := s.adopt(ctx, source); err != nil {
				if isStorageFailure(err) {
					return fmt.Errorf("%w: %w", errStorage, err)
				}
				s.logger.Warn("Refused pulled copy", zap.String("path", path), zap.Error(err))
				return nil
			}
			best = source
		}
	}

	agg, ok := best.(item.Aggregate)
	if !ok {
		return nil
	}
	for _, col := range agg.Collections() {
		if err := s.reconcile(ctx, agg, col, ann, announcers); err != nil {
			return err
		}
	}
	return nil
}

// isStorageFailure separates local failures from a pulled copy that was simply not acceptable
func isStorageFailure(err error) bool {
	var ve *ring.ValidationError
	return !errors.As(err, &ve) && !errors.Is(err, ring.ErrObjectSuperseded) && !errors.Is(err, ring.ErrUnknownKind)
}

// fromAnnouncers reads path from the reachable peers that announced it and trusts a strict
// majority of the hosts that answered. Announcers are already one per host.
func (s *Sync) fromAnnouncers(ctx context.Context, path string, announcers []string) (item.Item, bool) {
	self := s.router.Endpoint()
	peers := make([]string, 0, len(announcers))
	for _, a := range announcers {
		if a != self && s.router.Reachable(a) {
			peers = append(peers, a)
		}
	}
	if len(peers) == 0 {
		return nil, false
	}

	copies := make([]item.Item, len(peers))
	answered := skipset.NewString()
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for i, peer := range peers {
		g.Go(func() error {
			it, err := s.quorum.FetchFrom(ctx, peer, path)
			if err != nil {
				s.logger.Debug("Announcer read failed", zap.String("peer", peer), zap.String("path", path), zap.Error(err))
				return nil
			}
			copies[i] = it
			answered.Add(util.EndpointHost(peer))
			return nil
		})
	}
	g.Wait()

	c := item.Resolve(copies, s.quorum.MinimumCopies())
	if c.Item == nil || c.Count*2 <= answered.Len() {
		return nil, false
	}
	s.logger.Info("Using announcer majority after exhausting deferrals",
		zap.String("path", path),
		zap.Int("agreeing", c.Count),
		zap.Int("answered", answered.Len()))
	return c.Item, true
}

// sources lists the peers a collection may be listed from, the announcer first
func (s *Sync) sources(ctx context.Context, path string, ann *protocol.Announcement, announcers []string) []string {
	self := s.router.Endpoint()
	seen := map[string]bool{self: true}
	out := make([]string, 0)
	add := func(peer string) {
		if peer == "" || seen[peer] || !s.router.Reachable(peer) {
			return
		}
		seen[peer] = true
		out = append(out, peer)
	}
	if ann != nil {
		add(ann.Endpoint)
	}
	if peers, err := s.router.ResponsiblePeers(ctx, path, s.quorum.ReplicationFactor()); err == nil {
		for _, p := range peers {
			add(p)
		}
	}
	for _, a := range announcers {
		add(a)
	}
	return out
}

// reconcile brings one collection of agg up to date by diffing per item versions
func (s *Sync) reconcile(ctx context.Context, agg item.Aggregate, collection string, ann *protocol.Announcement, announcers []string) error {
	logger := s.logger.With(zap.String("path", agg.Path()), zap.String("collection", collection))

	localMembers, err := s.members(ctx, agg, collection)
	if err != nil {
		return fmt.Errorf("%w: %w", errStorage, err)
	}
	if ann != nil && ann.Hashes != nil {
		if remoteHash, ok := ann.Hashes[collection]; ok && remoteHash == collectionHash(localMembers) {
			return nil
		}
	}

	prefix := item.CollectionPath(agg, collection)
	var remote map[string]item.Item
	for _, peer := range s.sources(ctx, agg.Path(), ann, announcers) {
		remote, err = s.listRemote(ctx, peer, prefix)
		if err == nil {
			break
		}
		logger.Debug("Listing collection from peer failed", zap.String("peer", peer), zap.Error(err))
	}
	if remote == nil {
		logger.Debug("No peer could list the collection")
		return nil
	}

	paths := make([]string, 0, len(remote))
	for p := range remote {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	adopted := 0
	for _, p := range paths {
		raw := remote[p]
		if !item.Newer(raw, localMembers[p]) {
			continue
		}
		candidate := raw
		if c, err := s.quorum.QuorumRead(ctx, p); err == nil && c.OK() && !item.Newer(raw, c.Item) {
			candidate = c.Item
		}
		ok, err := s.adopt(ctx, candidate)
		if err != nil {
			if isStorageFailure(err) {
				return fmt.Errorf("%w: %w", errStorage, err)
			}
			logger.Warn("Refused pulled collection member", zap.String("member", p), zap.Error(err))
			continue
		}
		if ok {
			adopted++
		}
	}
	if adopted > 0 {
		logger.Info("Reconciled collection", zap.Int("adopted", adopted))
	}
	return nil
}

// listRemote pages through the collection at prefix on peer
func (s *Sync) listRemote(ctx context.Context, peer, prefix string) (map[string]item.Item, error) {
	out := make(map[string]item.Item)
	for offset := 0; ; {
		var resp protocol.ListResponse
		if err := s.router.Call(ctx, peer, protocol.CommandList, protocol.ListRequest{
			Path:   prefix,
			Order:  protocol.SortAscending,
			Offset: offset,
			Limit:  quorum.MaxListLimit,
		}, &resp); err != nil {
			return nil, err
		}
		for i := range resp.Items {
			it, err := s.quorum.Registry().Decode(&resp.Items[i])
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(it.Path(), prefix) {
				return nil, fmt.Errorf("peer %s listed %s outside of %s", peer, it.Path(), prefix)
			}
			if item.Newer(it, out[it.Path()]) {
				out[it.Path()] = it
			}
		}
		if !resp.More || len(resp.Items) == 0 {
			return out, nil
		}
		offset += len(resp.Items)
	}
}
