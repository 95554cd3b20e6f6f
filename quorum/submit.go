package quorum

import (
	"context"
	"errors"
	"fmt"

	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/util/promise"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (s *Store) put(ctx context.Context, peer string, env *protocol.Envelope) (string, error) {
	if peer == s.router.Endpoint() {
		it, err := s.registry.Decode(env)
		if err != nil {
			return "", err
		}
		return s.Propose(ctx, it)
	}
	var resp protocol.PutResponse
	if err := s.router.Call(ctx, peer, protocol.CommandPut, protocol.PutRequest{Item: *env}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (s *Store) commit(ctx context.Context, peer, token string) error {
	if peer == s.router.Endpoint() {
		return s.Commit(ctx, token, false)
	}
	return s.router.Call(ctx, peer, protocol.CommandCommit, protocol.CommitRequest{Token: token}, nil)
}

// Submit writes it to the ring: every responsible peer is asked to propose it, then every
// peer that accepted is asked to commit. The write stands once enough peers committed.
func (s *Store) Submit(ctx context.Context, it item.Item) error {
	env, err := s.registry.Encode(it)
	if err != nil {
		return err
	}
	peers, err := s.router.ResponsiblePeers(ctx, it.Path(), s.cfg.ReplicationFactor)
	if err != nil {
		return fmt.Errorf("%w: %w", ring.ErrNotEnoughPeers, err)
	}

	required := s.cfg.MinimumCopies
	if s.cfg.SkipCorroboration {
		required = 1
	}

	tokens, errs := promise.Map(ctx, peers, MaxConcurrentPeerCalls, func(fnCtx context.Context, peer string) (string, error) {
		return s.put(fnCtx, peer, env)
	})

	accepted := 0
	var rejection error
	for i, err := range errs {
		if err != nil {
			s.logger.Debug("Peer did not accept proposal", zap.String("peer", peers[i]), zap.String("path", it.Path()), zap.Error(err))
			var ve *ring.ValidationError
			if rejection == nil && (errors.As(err, &ve) || errors.Is(err, ring.ErrObjectSuperseded)) {
				rejection = err
			}
			continue
		}
		accepted++
	}
	if accepted < required {
		if rejection != nil {
			return rejection
		}
		return fmt.Errorf("%w: %d peers accepted the proposal for %s, need %d", ring.ErrNotEnoughPeers, accepted, it.Path(), required)
	}

	committed := atomic.NewInt32(0)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentPeerCalls)
	for i, peer := range peers {
		if errs[i] != nil {
			continue
		}
		token := tokens[i]
		g.Go(func() error {
			if err := s.commit(gCtx, peer, token); err != nil {
				s.logger.Debug("Peer did not commit", zap.String("peer", peer), zap.String("path", it.Path()), zap.Error(err))
				return nil
			}
			committed.Inc()
			return nil
		})
	}
	g.Wait()

	if n := int(committed.Load()); n < required {
		return fmt.Errorf("%w: %d peers committed %s, need %d", ring.ErrNotEnoughPeers, n, it.Path(), required)
	}
	s.logger.Info("Submitted item",
		zap.String("path", it.Path()),
		zap.Time("version", it.UpdatedUtc()),
		zap.Int("committed", int(committed.Load())))
	return nil
}
