package ring

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"go.miragespace.co/ringstore/overlay"
	"go.miragespace.co/ringstore/rtt"
	"go.miragespace.co/ringstore/spec/mocks"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/timing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testHandler(m *Membership) transport.Handler {
	return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		switch req.Command {
		case protocol.CommandPing:
			var ping protocol.PingRequest
			if err := req.Decode(&ping); err != nil {
				return nil, err
			}
			resp, err := m.HandlePing(ctx, &ping)
			if err != nil {
				return nil, err
			}
			return protocol.NewResponse(resp)
		case protocol.CommandFind:
			var find protocol.FindRequest
			if err := req.Decode(&find); err != nil {
				return nil, err
			}
			resp, err := m.HandleFind(ctx, &find)
			if err != nil {
				return nil, err
			}
			return protocol.NewResponse(resp)
		default:
			return nil, fmt.Errorf("unexpected command %s", req.Command)
		}
	}
}

type testRing struct {
	network *overlay.Network
	nodes   []*Membership
}

func newTestMembership(t *testing.T, as *require.Assertions, network *overlay.Network, endpoint string, mutate func(*Config)) *Membership {
	cfg := Config{
		Logger:    zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller())).With(zap.String("node", endpoint)),
		Endpoint:  endpoint,
		Transport: network.Transport(endpoint),
		RTT:       rtt.NewInstrumentation(20, nil),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	as.NoError(err)
	network.Register(endpoint, testHandler(m))
	t.Cleanup(m.Close)
	return m
}

func makeRing(t *testing.T, as *require.Assertions, num int, mutate func(*Config)) *testRing {
	network := overlay.NewNetwork(zaptest.NewLogger(t))
	r := &testRing{network: network}
	for i := 0; i < num; i++ {
		m := newTestMembership(t, as, network, fmt.Sprintf("10.0.0.%d:7000", i+1), mutate)
		if i > 0 {
			m.Join(r.nodes[0].Endpoint())
		}
		r.nodes = append(r.nodes, m)
	}
	return r
}

// sorted returns the nodes in clockwise order of identifier
func (r *testRing) sorted() []*Membership {
	s := append([]*Membership(nil), r.nodes...)
	sort.Slice(s, func(i, j int) bool {
		return s[i].ID() < s[j].ID()
	})
	return s
}

func (r *testRing) stable() bool {
	s := r.sorted()
	n := len(s)
	for i, m := range s {
		if m.Successor() != s[(i+1)%n].Endpoint() {
			return false
		}
		if m.Predecessor() != s[(i-1+n)%n].Endpoint() {
			return false
		}
	}
	return true
}

func (r *testRing) tick(ctx context.Context) {
	for _, m := range r.nodes {
		m.Stabilize(ctx)
		m.RefreshOneFingerTableEntry(ctx)
	}
}

func (r *testRing) converge(ctx context.Context, as *require.Assertions) {
	for i := 0; i < 200; i++ {
		r.tick(ctx)
		if r.stable() {
			return
		}
	}
	as.FailNow("ring did not converge")
}

// expectedOwner is the node X where target falls into (X, successor(X)]
func (r *testRing) expectedOwner(target uint64) string {
	s := r.sorted()
	n := len(s)
	for i, m := range s {
		if ring.InRange(target, m.ID(), s[(i+1)%n].ID()) {
			return m.Endpoint()
		}
	}
	return ""
}

func TestConfigValidate(t *testing.T) {
	as := require.New(t)

	var cfg *Config
	as.Error(cfg.Validate())

	cfg = &Config{}
	as.ErrorContains(cfg.Validate(), "Logger")

	cfg.Logger = zaptest.NewLogger(t)
	as.ErrorContains(cfg.Validate(), "Endpoint")

	cfg.Endpoint = "127.0.0.1:1"
	as.ErrorContains(cfg.Validate(), "Transport")

	cfg.Transport = overlay.NewNetwork(cfg.Logger).Transport(cfg.Endpoint)
	as.NoError(cfg.Validate())

	cfg.MaxHops = -1
	as.Error(cfg.Validate())
}

func TestSingleNode(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	r := makeRing(t, as, 1, nil)
	m := r.nodes[0]

	for i := 0; i < 10; i++ {
		target := ring.Hash(fmt.Sprintf("key-%d", i))
		peer, err := m.FindResponsiblePeer(ctx, target, nil, 0)
		as.NoError(err)
		as.Equal(m.Endpoint(), peer)
		as.True(m.IsCurrentlyResponsible(fmt.Sprintf("key-%d", i)))
	}

	peers, err := m.ResponsiblePeers(ctx, "accounts/1", ring.ReplicationFactor)
	as.NoError(err)
	as.Equal([]string{m.Endpoint()}, peers)

	m.Stabilize(ctx)
	as.Equal("", m.Successor())
	as.Zero(m.StabilizedFor())
}

func TestStabilizeConverges(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	r := makeRing(t, as, 8, nil)
	r.converge(ctx, as)

	for _, m := range r.nodes {
		as.Positive(m.seen.Len())
		for _, p := range m.Snapshot().Peers {
			as.Zero(p.Failures)
		}
	}
}

func TestFindResponsiblePeerAgrees(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	r := makeRing(t, as, 8, nil)
	r.converge(ctx, as)

	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("accounts/%d", i)
		expected := r.expectedOwner(ring.Hash(key))
		for _, m := range r.nodes {
			peer, err := m.FindResponsiblePeer(ctx, ring.Hash(key), nil, 0)
			as.NoError(err)
			as.Equal(expected, peer, "lookup from %s for %s", m.Endpoint(), key)
			as.Equal(expected == m.Endpoint(), m.IsCurrentlyResponsible(key))
		}
	}
}

func TestFindMaxHops(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	r := makeRing(t, as, 4, nil)
	r.converge(ctx, as)

	s := r.sorted()
	m := s[0]
	// a target behind this node needs a forward
	target := s[2].ID() + 1

	_, err := m.FindResponsiblePeer(ctx, target, []string{m.Endpoint()}, 0)
	as.ErrorIs(err, ring.ErrMaxHops)

	_, err = m.FindResponsiblePeer(ctx, target, []string{"a", "b"}, 2)
	as.ErrorIs(err, ring.ErrMaxHops)

	resp, err := m.HandleFind(ctx, &protocol.FindRequest{Target: target})
	as.NoError(err)
	as.Equal(s[2].Endpoint(), resp.Peer)
}

func TestResponsiblePeers(t *testing.T) {
	for _, ttl := range []time.Duration{0, time.Minute} {
		t.Run(fmt.Sprintf("cache=%s", ttl), func(t *testing.T) {
			as := require.New(t)
			ctx := context.Background()

			r := makeRing(t, as, 7, func(c *Config) {
				c.LookupCacheTTL = ttl
			})
			r.converge(ctx, as)

			s := r.sorted()
			n := len(s)
			index := make(map[string]int)
			for i, m := range s {
				index[m.Endpoint()] = i
			}

			for i := 0; i < 16; i++ {
				key := fmt.Sprintf("accounts/%d", i)
				owner := r.expectedOwner(ring.Hash(key))

				for _, m := range r.nodes {
					peers, err := m.ResponsiblePeers(ctx, key, ring.ReplicationFactor)
					as.NoError(err)
					as.Len(peers, ring.ReplicationFactor)
					as.Equal(owner, peers[0])
					for j := 1; j < len(peers); j++ {
						// every replica is the predecessor of the one before it
						as.Equal(s[(index[peers[j-1]]-1+n)%n].Endpoint(), peers[j])
					}
					peers[0] = "mutated"
				}
			}

			small, err := r.nodes[0].ResponsiblePeers(ctx, "accounts/x", 2)
			as.NoError(err)
			as.Len(small, 2)
		})
	}
}

func TestResponsiblePeersSmallRing(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	r := makeRing(t, as, 3, nil)
	r.converge(ctx, as)

	peers, err := r.nodes[1].ResponsiblePeers(ctx, "accounts/1", ring.ReplicationFactor)
	as.NoError(err)
	as.Len(peers, 3)
	as.ElementsMatch([]string{r.nodes[0].Endpoint(), r.nodes[1].Endpoint(), r.nodes[2].Endpoint()}, peers)
}

func TestFingerTablePopulates(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	r := makeRing(t, as, 5, nil)
	r.converge(ctx, as)

	for _, m := range r.nodes {
		// a pass may have started before the ring settled
		for i := 0; i < ring.MaxFingerEntries*2; i++ {
			m.RefreshOneFingerTableEntry(ctx)
		}
		as.True(m.FullyPopulated())

		for k := 0; k < ring.MaxFingerEntries; k++ {
			target := ring.ModuloSum(m.ID(), uint64(1)<<k)
			as.Equal(r.expectedOwner(target), m.finger(k), "finger %d of %s", k, m.Endpoint())
		}
	}
}

func TestUpdatePredecessor(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	clock := timing.NewManualClock(time.Now())
	network := overlay.NewNetwork(zaptest.NewLogger(t))
	nodes := make([]*Membership, 0)
	for i := 0; i < 4; i++ {
		nodes = append(nodes, newTestMembership(t, as, network, fmt.Sprintf("10.0.1.%d:7000", i+1), func(c *Config) {
			c.Clock = clock
		}))
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID() < nodes[j].ID()
	})
	self := nodes[3]
	far, near := nodes[1], nodes[2]

	as.True(self.UpdatePredecessor(ctx, far.Endpoint(), false))
	as.Equal(far.Endpoint(), self.Predecessor())
	// a node with no successor takes the first predecessor as successor too
	as.Equal(far.Endpoint(), self.Successor())

	// nodes[0] is not between far and self
	as.False(self.UpdatePredecessor(ctx, nodes[0].Endpoint(), false))
	as.False(self.UpdatePredecessor(ctx, self.Endpoint(), false))

	as.True(self.UpdatePredecessor(ctx, near.Endpoint(), false))
	as.Equal(near.Endpoint(), self.Predecessor())

	// an unreachable predecessor can be replaced by anyone reachable
	network.SetOffline(near.Endpoint(), true)
	self.Stabilize(ctx)
	as.Equal("", self.Predecessor())
	self.mu.Lock()
	self.predecessor = near.Endpoint()
	self.mu.Unlock()
	as.False(self.Reachable(near.Endpoint()))
	as.True(self.UpdatePredecessor(ctx, nodes[0].Endpoint(), false))

	// unconfirmed candidates must answer a ping
	network.SetOffline(far.Endpoint(), true)
	self.mu.Lock()
	self.predecessor = ""
	self.mu.Unlock()
	as.False(self.UpdatePredecessor(ctx, far.Endpoint(), false))
}

func TestGarbageCollect(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	clock := timing.NewManualClock(time.Now())
	network := overlay.NewNetwork(zaptest.NewLogger(t))
	a := newTestMembership(t, as, network, "10.0.2.1:7000", func(c *Config) {
		c.Clock = clock
	})
	b := newTestMembership(t, as, network, "10.0.2.2:7000", nil)

	a.Join(b.Endpoint())
	for i := 0; i < 3; i++ {
		a.Stabilize(ctx)
		b.Stabilize(ctx)
	}
	as.Equal(b.Endpoint(), a.Successor())
	as.Equal(b.Endpoint(), a.Predecessor())
	as.Equal(a.Endpoint(), b.Successor())

	network.SetOffline(b.Endpoint(), true)
	a.Stabilize(ctx)
	as.Equal("", a.Successor())
	as.Equal("", a.Predecessor())
	as.Zero(a.StabilizedFor())

	// two failures in one round back off for two steps
	as.False(a.Reachable(b.Endpoint()))
	clock.Advance(timing.PeerBackoffStep)
	as.False(a.Reachable(b.Endpoint()))
	clock.Advance(timing.PeerBackoffStep)
	as.True(a.Reachable(b.Endpoint()))

	as.Equal(0, a.GarbageCollect(ctx))
	clock.Advance(timing.PeerGCAfter)
	as.Equal(1, a.GarbageCollect(ctx))
	as.Empty(a.Snapshot().Peers)
	as.True(a.Reachable(b.Endpoint()))
}

func TestPeerBackoff(t *testing.T) {
	as := require.New(t)

	now := time.Now()
	p := newPeer("10.0.0.1:7000", 1)
	as.True(p.CanConnect(now))

	for i := 0; i < 10; i++ {
		p.markFailure(now)
	}
	as.False(p.CanConnect(now.Add(timing.PeerBackoffMax - time.Second)))
	as.True(p.CanConnect(now.Add(timing.PeerBackoffMax)))
	as.False(p.expired(now.Add(time.Minute), timing.PeerGCAfter))
	as.True(p.expired(now.Add(timing.PeerGCAfter), timing.PeerGCAfter))

	p.markSuccess(now)
	as.True(p.CanConnect(now))
	as.False(p.expired(now.Add(timing.PeerGCAfter), timing.PeerGCAfter))
}

func TestHandlersRender(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	r := makeRing(t, as, 4, nil)
	r.converge(ctx, as)

	m := r.nodes[0]

	rec := httptest.NewRecorder()
	m.GraphHandler(rec, httptest.NewRequest("GET", "/_internal/graph", nil))
	as.Equal(200, rec.Code)
	body := rec.Body.String()
	as.Contains(body, "digraph")
	for _, n := range r.nodes {
		as.Contains(body, n.Endpoint())
	}

	rec = httptest.NewRecorder()
	m.StatsHandler(rec, httptest.NewRequest("GET", "/_internal/stats", nil))
	as.Equal(200, rec.Code)
	as.True(strings.Contains(rec.Body.String(), m.Endpoint()))
	as.Contains(rec.Body.String(), "seen peers")
}

func TestCallRestoresTypedErrors(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	const peer = "10.0.0.2:7000"
	tp := new(mocks.Transport)
	m, err := New(Config{
		Logger:    zaptest.NewLogger(t),
		Endpoint:  "10.0.0.1:7000",
		Transport: tp,
	})
	as.NoError(err)
	t.Cleanup(m.Close)
	m.Join(peer)

	isGet := mock.MatchedBy(func(req *protocol.Request) bool {
		return req.Command == protocol.CommandGet
	})

	tp.On("Request", mock.Anything, peer, isGet).Return(&protocol.Response{
		Code:  "superseded",
		Error: "newer copy exists",
	}, nil).Once()
	err = m.Call(ctx, peer, protocol.CommandGet, &protocol.GetRequest{Path: "k"}, &protocol.GetResponse{})
	as.ErrorIs(err, ring.ErrObjectSuperseded)
	as.True(m.Reachable(peer))

	reply, err := protocol.NewResponse(&protocol.GetResponse{Item: &protocol.Envelope{Kind: "note"}})
	as.NoError(err)
	tp.On("Request", mock.Anything, peer, isGet).Return(reply, nil).Once()
	var resp protocol.GetResponse
	as.NoError(m.Call(ctx, peer, protocol.CommandGet, &protocol.GetRequest{Path: "k"}, &resp))
	as.Equal("note", resp.Item.Kind)

	tp.On("Request", mock.Anything, peer, isGet).Return(nil, transport.ErrNotConnected).Once()
	err = m.Call(ctx, peer, protocol.CommandGet, &protocol.GetRequest{Path: "k"}, &resp)
	as.ErrorIs(err, transport.ErrNotConnected)
	as.True(ring.ErrorIsRetryable(err))
	as.False(m.Reachable(peer))

	as.ErrorIs(m.Call(ctx, "", protocol.CommandGet, nil, nil), ring.ErrInvalidTarget)

	tp.AssertExpectations(t)
}

func TestPublicIPDetection(t *testing.T) {
	const (
		self     = "10.0.0.1:7000"
		publicIP = "203.0.113.7"
	)
	reporters := []string{"10.0.0.2:7000", "10.0.0.3:7000", "10.0.0.4:7000", "10.0.0.5:7000"}

	isPing := mock.MatchedBy(func(req *protocol.Request) bool {
		return req.Command == protocol.CommandPing
	})

	setup := func(t *testing.T, as *require.Assertions, observed map[string]string) *Membership {
		tp := new(mocks.Transport)
		m, err := New(Config{
			Logger:    zaptest.NewLogger(t),
			Endpoint:  self,
			Transport: tp,
		})
		as.NoError(err)
		t.Cleanup(m.Close)

		for peer, ip := range observed {
			m.Join(peer)
			reply, err := protocol.NewResponse(&protocol.PingResponse{
				Endpoint:   peer,
				ObservedIP: ip,
			})
			as.NoError(err)
			tp.On("Request", mock.Anything, peer, isPing).Return(reply, nil)
		}

		m.mu.Lock()
		m.successor = reporters[0]
		m.predecessor = reporters[1]
		m.mu.Unlock()
		m.setFinger(3, reporters[0])
		return m
	}

	unchanged := func(as *require.Assertions, m *Membership) {
		as.Equal(self, m.Endpoint())
		as.Equal(ring.Hash(self), m.ID())
		as.Equal(reporters[0], m.Successor())
		as.Equal(reporters[1], m.Predecessor())
	}

	t.Run("two reporters are not enough", func(t *testing.T) {
		as := require.New(t)
		ctx := context.Background()

		m := setup(t, as, map[string]string{
			reporters[0]: publicIP,
			reporters[1]: publicIP,
		})
		for _, peer := range reporters[:2] {
			_, err := m.ping(ctx, peer)
			as.NoError(err)
		}
		unchanged(as, m)
	})

	t.Run("split vote is not adopted", func(t *testing.T) {
		as := require.New(t)
		ctx := context.Background()

		m := setup(t, as, map[string]string{
			reporters[0]: publicIP,
			reporters[1]: "198.51.100.9",
			reporters[2]: "192.0.2.44",
			reporters[3]: "10.0.0.1",
		})
		for _, peer := range reporters {
			_, err := m.ping(ctx, peer)
			as.NoError(err)
		}
		unchanged(as, m)
	})

	t.Run("majority of three is adopted", func(t *testing.T) {
		as := require.New(t)
		ctx := context.Background()

		m := setup(t, as, map[string]string{
			reporters[0]: publicIP,
			reporters[1]: "10.0.0.1",
			reporters[2]: publicIP,
		})
		for _, peer := range reporters[:3] {
			_, err := m.ping(ctx, peer)
			as.NoError(err)
		}

		adopted := publicIP + ":7000"
		as.Equal(adopted, m.Endpoint())
		as.Equal(ring.Hash(adopted), m.ID())
		as.Empty(m.Successor())
		as.Empty(m.Predecessor())
		as.False(m.FullyPopulated())
		for _, f := range m.Snapshot().Fingers {
			as.Empty(f)
		}
		as.Equal(0, m.ipVotes.Len())
	})
}
