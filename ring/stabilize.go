package ring

import (
	"context"
	"math/rand"
	"time"

	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/timing"
	"go.miragespace.co/ringstore/util"

	"go.uber.org/zap"
)

// ping exchanges liveness and gossip with a peer. Seen lists and observed IPs are imported on success
func (m *Membership) ping(ctx context.Context, endpoint string) (*protocol.PingResponse, error) {
	resp := &protocol.PingResponse{}
	err := m.call(ctx, m.cfg.PingTimeout, endpoint, protocol.CommandPing, protocol.PingRequest{
		Endpoint: m.Endpoint(),
	}, resp)
	if err != nil {
		return nil, err
	}
	for _, s := range resp.Seen {
		m.observe(s)
	}
	if resp.ObservedIP != "" {
		m.recordObservedIP(endpoint, resp.ObservedIP)
	}
	return resp, nil
}

// Stabilize runs one round of successor and predecessor maintenance. Peer failures are absorbed
func (m *Membership) Stabilize(ctx context.Context) {
	preValid := m.checkPredecessor(ctx)
	succValid := m.checkSuccessor(ctx)
	if !succValid {
		succValid = m.promoteSuccessor(ctx)
	}
	m.randomPing(ctx)

	m.mu.Lock()
	if preValid && succValid {
		if m.stabilizedSince.IsZero() {
			m.stabilizedSince = m.clock.Now()
		}
	} else {
		m.stabilizedSince = time.Time{}
	}
	m.mu.Unlock()
}

func (m *Membership) checkPredecessor(ctx context.Context) bool {
	pre := m.Predecessor()
	if pre == "" {
		return false
	}
	if _, err := m.ping(ctx, pre); err != nil {
		m.mu.Lock()
		if m.predecessor == pre {
			m.predecessor = ""
			m.logger.Info("Discovered dead predecessor", zap.String("old", pre))
		}
		m.mu.Unlock()
		return false
	}
	return true
}

// checkSuccessor pings the successor and follows its reported predecessor while that one sits
// between us and the successor
func (m *Membership) checkSuccessor(ctx context.Context) bool {
	succ := m.Successor()
	if succ == "" {
		return false
	}
	resp, err := m.ping(ctx, succ)
	if err != nil {
		m.mu.Lock()
		if m.successor == succ {
			m.successor = ""
			m.logger.Info("Discovered dead successor", zap.String("old", succ))
		}
		m.mu.Unlock()
		return false
	}

	for i := 0; i < MaxSuccessorCorrections; i++ {
		self, id, _, _ := m.routing()
		candidate := resp.Predecessor
		if candidate == "" || candidate == self || candidate == succ {
			break
		}
		if !ring.BetweenStrict(id, ring.Hash(candidate), ring.Hash(succ)) {
			break
		}
		m.observe(candidate)
		next, err := m.ping(ctx, candidate)
		if err != nil {
			break
		}
		m.mu.Lock()
		if m.successor == succ {
			m.successor = candidate
		}
		m.mu.Unlock()
		m.logger.Info("Discovered new successor via Stabilize",
			zap.String("old", succ),
			zap.String("new", candidate))
		succ, resp = candidate, next
	}
	return true
}

// promoteSuccessor adopts the closest reachable peer not yet tried as successor
func (m *Membership) promoteSuccessor(ctx context.Context) bool {
	peers := m.reachablePeers()
	tried := 0
	for _, p := range peers {
		if !p.tryAsSuccessor() {
			continue
		}
		tried++
		if _, err := m.ping(ctx, p.Endpoint); err != nil {
			continue
		}
		m.mu.Lock()
		promoted := m.successor == ""
		if promoted {
			m.successor = p.Endpoint
		}
		m.mu.Unlock()
		if promoted {
			m.logger.Info("Promoted peer to successor", zap.Object("peer", p))
		}
		return true
	}
	if tried == 0 && len(peers) > 0 {
		// every peer was tried once, allow another round on the next tick
		m.seen.Range(func(_ string, p *Peer) bool {
			p.resetTried(true, false)
			return true
		})
	}
	return false
}

func (m *Membership) randomPing(ctx context.Context) {
	peers := m.reachablePeers()
	if len(peers) == 0 {
		return
	}
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	for _, p := range peers {
		if p.tryForRandomPing() {
			m.ping(ctx, p.Endpoint)
			return
		}
	}
	m.seen.Range(func(_ string, p *Peer) bool {
		p.resetTried(false, true)
		return true
	})
}

// UpdatePredecessor accepts candidate if it sits between the current predecessor and this node
// and is reachable. A candidate we have never failed to reach is confirmed with a ping unless
// confirmed is set, which the ping handler does since the caller just proved it is alive.
func (m *Membership) UpdatePredecessor(ctx context.Context, candidate string, confirmed bool) bool {
	self, id, _, pre := m.routing()
	if candidate == "" || candidate == self || candidate == pre {
		return false
	}
	if pre != "" && m.Reachable(pre) && !ring.BetweenStrict(ring.Hash(pre), ring.Hash(candidate), id) {
		return false
	}
	if !m.Reachable(candidate) {
		return false
	}
	if !confirmed {
		if _, err := m.ping(ctx, candidate); err != nil {
			return false
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.predecessor != pre {
		return false
	}
	m.predecessor = candidate
	if m.successor == "" {
		// two node ring: whoever notifies us is also the only successor candidate
		m.successor = candidate
	}
	m.logger.Info("Discovered new predecessor",
		zap.String("old", pre),
		zap.String("new", candidate))
	return true
}

// HandlePing records the caller, offers it as predecessor and replies with gossip
func (m *Membership) HandlePing(ctx context.Context, req *protocol.PingRequest) (*protocol.PingResponse, error) {
	if req.Endpoint != "" {
		m.observe(req.Endpoint)
		notifyCtx, cancel := context.WithTimeout(ctx, timing.NotifyTimeout)
		m.UpdatePredecessor(notifyCtx, req.Endpoint, true)
		cancel()
	}

	self, _, succ, pre := m.routing()
	resp := &protocol.PingResponse{
		Endpoint:    self,
		ObservedIP:  transport.RemoteIP(ctx),
		Successor:   succ,
		Predecessor: pre,
		Seen:        make([]string, 0, GossipSize),
	}
	peers := m.reachablePeers()
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	for _, p := range peers {
		if len(resp.Seen) >= GossipSize {
			break
		}
		if p.Endpoint == req.Endpoint {
			continue
		}
		resp.Seen = append(resp.Seen, p.Endpoint)
	}
	return resp, nil
}

// RefreshOneFingerTableEntry resolves the next finger entry in round robin order
func (m *Membership) RefreshOneFingerTableEntry(ctx context.Context) {
	k := int(m.cursor.Load()) % ring.MaxFingerEntries
	target := ring.ModuloSum(m.ID(), uint64(1)<<k)

	peer, err := m.FindResponsiblePeer(ctx, target, nil, m.cfg.MaxHops)
	if err != nil || peer == "" {
		m.passHadGap.Store(true)
		m.logger.Debug("Finger table entry unresolved", zap.Int("k", k), zap.Error(err))
	} else if m.setFinger(k, peer) {
		m.logger.Debug("Finger table entry updated", zap.Int("k", k), zap.String("peer", peer))
	}

	next := (k + 1) % ring.MaxFingerEntries
	m.cursor.Store(uint32(next))
	if next == 0 {
		gap := m.passHadGap.Swap(false)
		if !gap && !m.fullyPopulated.Load() {
			m.fullyPopulated.Store(true)
			m.logger.Info("Finger table fully populated")
		}
	}
}

func (m *Membership) recordObservedIP(reporter, ip string) {
	m.ipVotes.Store(reporter, ip)
	if m.ipVotes.Len() < MinIPReporters {
		return
	}

	counts := make(map[string]int)
	total := 0
	m.ipVotes.Range(func(_ string, v string) bool {
		counts[v]++
		total++
		return true
	})
	if total < MinIPReporters {
		return
	}

	self := m.Endpoint()
	current := util.EndpointHost(self)
	for candidate, n := range counts {
		if n*2 <= total || candidate == current {
			continue
		}
		next := util.ReplaceEndpointHost(self, candidate)
		m.logger.Warn("Adopting public IP reported by peers",
			zap.String("old", self),
			zap.String("new", next),
			zap.Int("votes", n),
			zap.Int("reporters", total))
		m.resetRouting(next)
		return
	}
}
