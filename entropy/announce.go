package entropy

import (
	"context"
	"sort"
	"time"

	"go.miragespace.co/ringstore/metrics"
	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/protocol"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (s *Sync) announceInterval(path string) (time.Duration, bool) {
	if s.router.IsCurrentlyResponsible(path) {
		return s.cfg.IntervalResponsible, true
	}
	return s.cfg.IntervalNotResponsible, false
}

// Announce sends the state of every key at rest whose announce interval elapsed to the peers
// responsible for it. Keys announced longest ago go first. Returns the number of keys processed.
func (s *Sync) Announce(ctx context.Context) int {
	now := s.cfg.Clock.Now()

	type candidate struct {
		e    *entry
		last time.Time
	}
	due := make([]candidate, 0)
	s.states.Range(func(path string, e *entry) bool {
		e.mu.Lock()
		status, last := e.state.Status, e.state.LastAnnounce
		e.mu.Unlock()
		if !status.announceable() {
			return true
		}
		interval, _ := s.announceInterval(path)
		if now.Sub(last) >= interval {
			due = append(due, candidate{e: e, last: last})
		}
		return true
	})
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].last.Before(due[j].last)
	})
	if len(due) > s.cfg.MaxPerTick {
		due = due[:s.cfg.MaxPerTick]
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, c := range due {
		g.Go(func() error {
			s.announceOne(ctx, c.e)
			return nil
		})
	}
	g.Wait()
	return len(due)
}

func (s *Sync) announceOne(ctx context.Context, e *entry) {
	e.mu.Lock()
	path := e.state.Path
	cached := e.state.Local
	e.mu.Unlock()

	logger := s.logger.With(zap.String("path", path))

	local, err := s.local.Get(ctx, path)
	if err != nil {
		logger.Error("Failed to read local copy for announce", zap.Error(err))
		e.mu.Lock()
		s.transition(ctx, e, StatusStorageError)
		e.mu.Unlock()
		return
	}

	_, responsible := s.announceInterval(path)
	status := StatusNotResponsible
	if responsible {
		status = StatusResponsible
	}

	finish := func(ann *protocol.Announcement) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.state.LastAnnounce = s.cfg.Clock.Now()
		e.state.Local = ann
		if e.state.Status.announceable() {
			s.transition(ctx, e, status)
		}
	}

	if local == nil {
		logger.Debug("Tracked key has no local copy, skipping announce")
		finish(nil)
		return
	}

	if c, err := s.quorum.QuorumRead(ctx, path); err == nil && c.OK() && item.Newer(c.Item, local) {
		if adopted, err := s.adopt(ctx, c.Item); err != nil {
			logger.Debug("Failed to adopt newer network copy", zap.Error(err))
		} else if adopted {
			logger.Info("Adopted newer network copy instead of announcing", zap.Time("version", c.Item.UpdatedUtc()))
			finish(nil)
			return
		}
	}

	ann := cached
	if ann == nil || !ann.UpdatedUtc.Equal(local.UpdatedUtc()) {
		ann, err = s.announcement(ctx, local)
		if err != nil {
			logger.Error("Failed to build announcement", zap.Error(err))
			e.mu.Lock()
			s.transition(ctx, e, StatusStorageError)
			e.mu.Unlock()
			return
		}
	}

	peers, err := s.router.ResponsiblePeers(ctx, path, s.quorum.ReplicationFactor())
	if err != nil {
		logger.Debug("No responsible peers to announce to", zap.Error(err))
		finish(ann)
		return
	}

	self := s.router.Endpoint()
	fingerprint := ann.Fingerprint()
	for _, peer := range peers {
		if peer == self || !s.router.Reachable(peer) {
			continue
		}
		e.mu.Lock()
		allowed := e.history.allow(peer, fingerprint, s.cfg.Clock.Now(), s.cfg.HistoryCap, s.cfg.HistoryReset)
		e.mu.Unlock()
		if !allowed {
			continue
		}
		var resp protocol.SyncResponse
		if err := s.router.Call(ctx, peer, protocol.CommandSync, protocol.SyncRequest{Announcement: *ann}, &resp); err != nil {
			logger.Debug("Announce rejected by peer", zap.String("peer", peer), zap.Error(err))
			continue
		}
		e.mu.Lock()
		e.history.record(peer, s.cfg.Clock.Now())
		e.mu.Unlock()
		metrics.AnnouncementsSent.Inc()
	}
	finish(ann)
}
