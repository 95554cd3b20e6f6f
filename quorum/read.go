package quorum

import (
	"context"
	"fmt"

	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/util/promise"

	"go.uber.org/zap"
)

// FetchFrom reads path from one peer, serving our own copy locally. A peer without a copy yields nil
func (s *Store) FetchFrom(ctx context.Context, peer, path string) (item.Item, error) {
	if peer == s.router.Endpoint() {
		return s.local.Get(ctx, path)
	}
	var resp protocol.GetResponse
	if err := s.router.Call(ctx, peer, protocol.CommandGet, protocol.GetRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	if resp.Item == nil {
		return nil, nil
	}
	it, err := s.registry.Decode(resp.Item)
	if err != nil {
		return nil, err
	}
	if it.Path() != path {
		return nil, fmt.Errorf("peer %s answered %s with %s", peer, path, it.Path())
	}
	return it, nil
}

// Fetch reads path from each of peers concurrently and resolves the copies. Peers that fail
// are left out of the result and of the answered count.
func (s *Store) Fetch(ctx context.Context, path string, peers []string) (item.Consensus, int) {
	copies, errs := promise.Map(ctx, peers, MaxConcurrentPeerCalls, func(fnCtx context.Context, peer string) (item.Item, error) {
		return s.FetchFrom(fnCtx, peer, path)
	})

	answered := 0
	for i, err := range errs {
		if err != nil {
			s.logger.Debug("Peer read failed", zap.String("peer", peers[i]), zap.String("path", path), zap.Error(err))
			continue
		}
		answered++
	}
	return item.Resolve(copies, s.cfg.MinimumCopies), answered
}

// QuorumRead fetches path from every responsible peer and resolves the copies. A result that
// is not OK is transient and left to the caller to accept or not.
func (s *Store) QuorumRead(ctx context.Context, path string) (item.Consensus, error) {
	peers, err := s.router.ResponsiblePeers(ctx, path, s.cfg.ReplicationFactor)
	if err != nil {
		return item.Consensus{Required: s.cfg.MinimumCopies}, fmt.Errorf("%w: %w", ring.ErrNotEnoughPeers, err)
	}
	c, answered := s.Fetch(ctx, path, peers)
	if answered == 0 {
		return c, fmt.Errorf("%w: no responsible peer answered for %s", ring.ErrNotEnoughPeers, path)
	}
	if c.Item == nil {
		return c, ring.ErrItemNotFound
	}
	return c, nil
}
