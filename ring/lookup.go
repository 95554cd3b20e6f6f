package ring

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"

	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"

	"github.com/Yiling-J/theine-go"
	"go.uber.org/zap"
)

// FindResponsiblePeer resolves the peer whose interval (peer, successor] holds target.
// When no peer is closer to target than this node, self is returned with ErrInsufficientPeers.
func (m *Membership) FindResponsiblePeer(ctx context.Context, target uint64, hops []string, maxHops int) (string, error) {
	self, id, succ, _ := m.routing()

	succID := id
	if succ != "" {
		succID = ring.Hash(succ)
	}
	if ring.InRange(target, id, succID) {
		return self, nil
	}

	if maxHops <= 0 {
		maxHops = m.cfg.MaxHops
	}
	if slices.Contains(hops, self) || len(hops)+1 > maxHops {
		return "", ring.ErrMaxHops
	}

	candidates, skipped := m.closestPreceding(id, target, hops)
	if len(candidates) == 0 {
		if skipped {
			return "", ring.ErrMaxHops
		}
		return self, ring.ErrInsufficientPeers
	}

	forward := protocol.FindRequest{
		Target:  target,
		Hops:    append(slices.Clone(hops), self),
		MaxHops: maxHops,
	}

	var lastErr error
	for i, c := range candidates {
		if i >= MaxForwardAttempts {
			break
		}
		var resp protocol.FindResponse
		err := m.Call(ctx, c, protocol.CommandFind, forward, &resp)
		if err == nil && resp.Peer != "" {
			return resp.Peer, nil
		}
		if errors.Is(err, ring.ErrMaxHops) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		m.logger.Debug("Lookup forward failed, trying next candidate",
			zap.Uint64("target", target),
			zap.String("peer", c),
			zap.Error(err))
	}
	if lastErr == nil {
		lastErr = ring.ErrInsufficientPeers
	}
	return self, fmt.Errorf("%w: %w", ring.ErrInsufficientPeers, lastErr)
}

// closestPreceding returns reachable peers strictly between this node and target, furthest first.
// Finger entries come before the rest of the seen set. skipped reports whether a candidate was
// excluded only because it already appears in the hop list.
func (m *Membership) closestPreceding(id, target uint64, hops []string) (candidates []string, skipped bool) {
	now := m.clock.Now()
	added := make(map[string]bool)

	consider := func(list []*Peer) []string {
		out := make([]string, 0)
		for _, p := range list {
			if added[p.Endpoint] || !ring.BetweenStrict(id, p.ID, target) {
				continue
			}
			if !p.CanConnect(now) {
				continue
			}
			if slices.Contains(hops, p.Endpoint) {
				skipped = true
				continue
			}
			added[p.Endpoint] = true
			out = append(out, p.Endpoint)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return ring.Distance(id, ring.Hash(out[i])) > ring.Distance(id, ring.Hash(out[j]))
		})
		return out
	}

	fingers := make([]*Peer, 0)
	for i := ring.MaxFingerEntries - 1; i >= 0; i-- {
		endpoint := m.finger(i)
		if endpoint == "" {
			continue
		}
		if p, ok := m.seen.Load(endpoint); ok {
			fingers = append(fingers, p)
		}
	}
	candidates = consider(fingers)

	rest := make([]*Peer, 0, m.seen.Len())
	m.seen.Range(func(_ string, p *Peer) bool {
		rest = append(rest, p)
		return true
	})
	candidates = append(candidates, consider(rest)...)
	return
}

// HandleFind answers a forwarded lookup
func (m *Membership) HandleFind(ctx context.Context, req *protocol.FindRequest) (*protocol.FindResponse, error) {
	peer, err := m.FindResponsiblePeer(ctx, req.Target, req.Hops, req.MaxHops)
	if err != nil {
		return nil, err
	}
	return &protocol.FindResponse{Peer: peer}, nil
}

// ResponsiblePeers walks from the owner of key through its predecessors until count replicas
// are found or the walk comes back around.
func (m *Membership) ResponsiblePeers(ctx context.Context, key string, count int) ([]string, error) {
	if count <= 0 {
		count = ring.ReplicationFactor
	}
	if m.lookupCache != nil {
		peers, err := m.lookupCache.Get(ctx, cacheKey(key, count))
		return slices.Clone(peers), err
	}
	return m.resolveReplicas(ctx, key, count)
}

func (m *Membership) resolveReplicas(ctx context.Context, key string, count int) ([]string, error) {
	owner, err := m.FindResponsiblePeer(ctx, ring.Hash(key), nil, m.cfg.MaxHops)
	if err != nil && (owner == "" || !errors.Is(err, ring.ErrInsufficientPeers)) {
		return nil, fmt.Errorf("resolving owner of %q: %w", key, err)
	}

	peers := []string{owner}
	visited := map[string]bool{owner: true}
	current := owner
	for len(peers) < count {
		prev, err := m.FindResponsiblePeer(ctx, ring.Hash(current), nil, m.cfg.MaxHops)
		if prev == "" || (err != nil && !errors.Is(err, ring.ErrInsufficientPeers)) {
			m.logger.Debug("Replica walk stopped early",
				zap.String("key", key),
				zap.Strings("peers", peers),
				zap.Error(err))
			break
		}
		if visited[prev] {
			break
		}
		visited[prev] = true
		peers = append(peers, prev)
		current = prev
	}
	return peers, nil
}

func cacheKey(key string, count int) string {
	return strconv.Itoa(count) + "|" + key
}

const lookupCacheSize = 4096

func (m *Membership) initLookupCache() error {
	cache, err := theine.NewBuilder[string, []string](lookupCacheSize).
		BuildWithLoader(m.lookupLoader)
	if err != nil {
		return err
	}
	m.lookupCache = cache
	return nil
}

func (m *Membership) lookupLoader(ctx context.Context, ck string) (theine.Loaded[[]string], error) {
	sep := 0
	for sep < len(ck) && ck[sep] != '|' {
		sep++
	}
	count, _ := strconv.Atoi(ck[:sep])
	peers, err := m.resolveReplicas(ctx, ck[sep+1:], count)
	if err != nil {
		return theine.Loaded[[]string]{}, err
	}
	return theine.Loaded[[]string]{
		Value: peers,
		Cost:  1,
		TTL:   m.cfg.LookupCacheTTL,
	}, nil
}
