package ring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.miragespace.co/ringstore/metrics"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/spec/rtt"
	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/timing"

	"github.com/Yiling-J/theine-go"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type fingerEntry struct {
	mu       sync.RWMutex
	endpoint string
}

// Membership is this node's position in the ring and its view of the peers around it
type Membership struct {
	logger    *zap.Logger
	transport transport.Transport
	clock     timing.Clock
	rtt       rtt.Recorder
	cfg       Config

	// guards endpoint, id, successor, predecessor and stabilizedSince
	mu              sync.RWMutex
	endpoint        string
	id              uint64
	successor       string
	predecessor     string
	stabilizedSince time.Time

	fingers        [ring.MaxFingerEntries]fingerEntry
	cursor         *atomic.Uint32
	passHadGap     *atomic.Bool
	fullyPopulated *atomic.Bool

	seen    *skipmap.StringMap[*Peer]
	ipVotes *skipmap.StringMap[string]

	lookupCache *theine.LoadingCache[string, []string]
}

var _ ring.Router = (*Membership)(nil)

func New(cfg Config) (*Membership, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	m := &Membership{
		logger:         cfg.Logger.With(zap.String("component", "ring")),
		transport:      cfg.Transport,
		clock:          cfg.Clock,
		rtt:            cfg.RTT,
		cfg:            cfg,
		endpoint:       cfg.Endpoint,
		id:             ring.Hash(cfg.Endpoint),
		cursor:         atomic.NewUint32(0),
		passHadGap:     atomic.NewBool(false),
		fullyPopulated: atomic.NewBool(false),
		seen:           skipmap.NewString[*Peer](),
		ipVotes:        skipmap.NewString[string](),
	}

	if cfg.LookupCacheTTL > 0 {
		if err := m.initLookupCache(); err != nil {
			return nil, fmt.Errorf("initializing lookup cache: %w", err)
		}
	}

	m.logger.Info("Ring membership initialized",
		zap.String("endpoint", m.endpoint),
		zap.Uint64("id", m.id),
	)

	return m, nil
}

func (m *Membership) Endpoint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint
}

func (m *Membership) ID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

func (m *Membership) Successor() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.successor
}

func (m *Membership) Predecessor() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.predecessor
}

// routing returns a consistent view of the identity and immediate neighbours
func (m *Membership) routing() (self string, id uint64, succ string, pre string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint, m.id, m.successor, m.predecessor
}

// Join seeds the seen set. The next Stabilize promotes one of them to successor
func (m *Membership) Join(seeds ...string) {
	for _, s := range seeds {
		if p := m.observe(s); p != nil {
			m.logger.Info("Added seed peer", zap.Object("peer", p))
		}
	}
}

func (m *Membership) IsInRange(value, lo, hi uint64) bool {
	return ring.InRange(value, lo, hi)
}

// IsCurrentlyResponsible reports whether the key falls between this node and its successor
func (m *Membership) IsCurrentlyResponsible(key string) bool {
	_, id, succ, _ := m.routing()
	succID := id
	if succ != "" {
		succID = ring.Hash(succ)
	}
	return ring.InRange(ring.Hash(key), id, succID)
}

// Reachable is true for unknown endpoints; only recorded failures make a peer unreachable
func (m *Membership) Reachable(endpoint string) bool {
	if endpoint == m.Endpoint() {
		return true
	}
	p, ok := m.seen.Load(endpoint)
	if !ok {
		return true
	}
	return p.CanConnect(m.clock.Now())
}

// observe records an endpoint in the seen set, returning nil for self or invalid endpoints
func (m *Membership) observe(endpoint string) *Peer {
	if endpoint == "" || endpoint == m.Endpoint() {
		return nil
	}
	if p, ok := m.seen.Load(endpoint); ok {
		return p
	}
	if m.seen.Len() >= MaxSeenPeers {
		return nil
	}
	p, loaded := m.seen.LoadOrStoreLazy(endpoint, func() *Peer {
		return newPeer(endpoint, ring.Hash(endpoint))
	})
	if !loaded {
		m.logger.Debug("Discovered peer", zap.Object("peer", p))
	}
	return p
}

func (m *Membership) markSuccess(endpoint string, latency time.Duration) {
	p := m.observe(endpoint)
	if p == nil {
		return
	}
	p.markSuccess(m.clock.Now())
	if m.rtt != nil {
		m.rtt.Record(endpoint, latency)
	}
}

func (m *Membership) markFailure(endpoint string) {
	p, ok := m.seen.Load(endpoint)
	if !ok {
		return
	}
	p.markFailure(m.clock.Now())
}

// reachablePeers lists seen peers eligible for a connection, sorted clockwise from this node
func (m *Membership) reachablePeers() []*Peer {
	now := m.clock.Now()
	id := m.ID()
	peers := make([]*Peer, 0, m.seen.Len())
	m.seen.Range(func(_ string, p *Peer) bool {
		if p.CanConnect(now) {
			peers = append(peers, p)
		}
		return true
	})
	sort.SliceStable(peers, func(i, j int) bool {
		return ring.Distance(id, peers[i].ID) < ring.Distance(id, peers[j].ID)
	})
	return peers
}

func (m *Membership) StabilizedFor() time.Duration {
	m.mu.RLock()
	since := m.stabilizedSince
	m.mu.RUnlock()
	if since.IsZero() {
		return 0
	}
	return m.clock.Now().Sub(since)
}

func (m *Membership) FullyPopulated() bool {
	return m.fullyPopulated.Load()
}

// GarbageCollect forgets peers that have been unreachable for too long
func (m *Membership) GarbageCollect(_ context.Context) int {
	now := m.clock.Now()
	removed := make([]string, 0)
	m.seen.Range(func(endpoint string, p *Peer) bool {
		if p.expired(now, timing.PeerGCAfter) {
			removed = append(removed, endpoint)
		}
		return true
	})
	for _, endpoint := range removed {
		m.forget(endpoint)
	}
	if len(removed) > 0 {
		metrics.PeersCollected.Add(len(removed))
		m.logger.Info("Removed unreachable peers", zap.Strings("peers", removed))
	}
	return len(removed)
}

func (m *Membership) forget(endpoint string) {
	m.seen.Delete(endpoint)
	m.ipVotes.Delete(endpoint)
	if m.rtt != nil {
		m.rtt.Drop(endpoint)
	}
	for i := range m.fingers {
		f := &m.fingers[i]
		f.mu.Lock()
		if f.endpoint == endpoint {
			f.endpoint = ""
		}
		f.mu.Unlock()
	}
	m.mu.Lock()
	if m.successor == endpoint {
		m.successor = ""
		m.stabilizedSince = time.Time{}
	}
	if m.predecessor == endpoint {
		m.predecessor = ""
		m.stabilizedSince = time.Time{}
	}
	m.mu.Unlock()
}

// resetRouting drops everything derived from the old identity
func (m *Membership) resetRouting(endpoint string) {
	m.mu.Lock()
	m.endpoint = endpoint
	m.id = ring.Hash(endpoint)
	m.successor = ""
	m.predecessor = ""
	m.stabilizedSince = time.Time{}
	m.mu.Unlock()

	for i := range m.fingers {
		f := &m.fingers[i]
		f.mu.Lock()
		f.endpoint = ""
		f.mu.Unlock()
	}
	m.cursor.Store(0)
	m.passHadGap.Store(false)
	m.fullyPopulated.Store(false)
	m.ipVotes.Range(func(k string, _ string) bool {
		m.ipVotes.Delete(k)
		return true
	})
	m.seen.Range(func(_ string, p *Peer) bool {
		p.resetTried(true, true)
		return true
	})
	m.seen.Delete(endpoint)
}

func (m *Membership) Close() {
	if m.lookupCache != nil {
		m.lookupCache.Close()
	}
}

type Snapshot struct {
	Endpoint       string
	ID             uint64
	Successor      string
	Predecessor    string
	Fingers        []string
	FullyPopulated bool
	StabilizedFor  time.Duration
	Peers          []PeerSnapshot
}

// Snapshot copies the routing state for reporting
func (m *Membership) Snapshot() Snapshot {
	self, id, succ, pre := m.routing()
	s := Snapshot{
		Endpoint:       self,
		ID:             id,
		Successor:      succ,
		Predecessor:    pre,
		Fingers:        make([]string, ring.MaxFingerEntries),
		FullyPopulated: m.FullyPopulated(),
		StabilizedFor:  m.StabilizedFor(),
		Peers:          make([]PeerSnapshot, 0, m.seen.Len()),
	}
	for i := range m.fingers {
		s.Fingers[i] = m.finger(i)
	}
	m.seen.Range(func(_ string, p *Peer) bool {
		s.Peers = append(s.Peers, p.snapshot())
		return true
	})
	return s
}

func (m *Membership) finger(i int) string {
	f := &m.fingers[i]
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.endpoint
}

func (m *Membership) setFinger(i int, endpoint string) (changed bool) {
	f := &m.fingers[i]
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endpoint != endpoint {
		f.endpoint = endpoint
		changed = true
	}
	return
}
