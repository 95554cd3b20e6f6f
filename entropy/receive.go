package entropy

import (
	"context"
	"fmt"
	"maps"

	"go.miragespace.co/ringstore/metrics"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/util"

	"go.uber.org/zap"
)

// OnAnnounceReceived enqueues a pull for ann unless this node already holds what it describes.
// senderIP is the address the announcement actually came from.
func (s *Sync) OnAnnounceReceived(ctx context.Context, ann *protocol.Announcement, senderIP string) error {
	if ann.Path == "" || (s.cfg.ValidKey != nil && !s.cfg.ValidKey(ann.Path)) {
		return fmt.Errorf("%w: %q", ring.ErrInvalidKey, ann.Path)
	}
	if ann.Endpoint == "" || util.EndpointHost(ann.Endpoint) != senderIP {
		return fmt.Errorf("%w: %s claimed by %s", ring.ErrAnnounceSpoofed, ann.Endpoint, senderIP)
	}
	metrics.AnnouncementsTaken.Inc()

	upToDate, err := s.holds(ctx, ann)
	if err != nil {
		return err
	}

	e := s.entry(ann.Path)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.noteAnnouncer(ann.Endpoint, s.cfg.Clock.Now(), s.cfg.AnnouncerExpiry, s.cfg.MaxAnnouncers)

	switch e.state.Status {
	case StatusPullInProgress:
		return nil
	case StatusEnqueued, StatusDeferring:
		if e.state.Inbound == nil || ann.UpdatedUtc.After(e.state.Inbound.UpdatedUtc) {
			e.state.Inbound = ann
		}
		s.transition(ctx, e, e.state.Status)
		return nil
	}

	if upToDate {
		s.transition(ctx, e, e.state.Status)
		return nil
	}

	e.state.Inbound = ann
	e.state.Queued = s.cfg.Clock.Now()
	s.transition(ctx, e, StatusEnqueued)
	s.logger.Debug("Enqueued pull",
		zap.String("path", ann.Path),
		zap.String("announcer", ann.Endpoint),
		zap.Time("version", ann.UpdatedUtc))
	return nil
}

// holds reports whether the local copy is at least as new as ann with identical collections
func (s *Sync) holds(ctx context.Context, ann *protocol.Announcement) (bool, error) {
	local, err := s.local.Get(ctx, ann.Path)
	if err != nil {
		return false, err
	}
	if local == nil || ann.UpdatedUtc.After(local.UpdatedUtc()) {
		return false, nil
	}
	mine, err := s.announcement(ctx, local)
	if err != nil {
		return false, err
	}
	if len(ann.Hashes) == 0 && len(mine.Hashes) == 0 {
		return true, nil
	}
	return maps.Equal(mine.Hashes, ann.Hashes), nil
}

func (s *Sync) Handle(ctx context.Context, req *protocol.SyncRequest) (*protocol.SyncResponse, error) {
	if err := s.OnAnnounceReceived(ctx, &req.Announcement, transport.RemoteIP(ctx)); err != nil {
		return nil, err
	}
	return &protocol.SyncResponse{Accepted: true}, nil
}
