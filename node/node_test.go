package node

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"go.miragespace.co/ringstore/entropy"
	"go.miragespace.co/ringstore/kv/memory"
	"go.miragespace.co/ringstore/overlay"
	"go.miragespace.co/ringstore/record"
	"go.miragespace.co/ringstore/rtt"
	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/spec/transport"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestNode(t *testing.T, as *require.Assertions, network *overlay.Network, endpoint string, mutate func(*Config)) *Node {
	reg := item.NewRegistry()
	record.Register(reg, nil)

	cfg := Config{
		Logger:     zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller())).With(zap.String("node", endpoint)),
		Endpoint:   endpoint,
		Transport:  network.Transport(endpoint),
		Store:      memory.New(),
		Registry:   reg,
		RTT:        rtt.NewInstrumentation(20, nil),
		ValidKey:   record.ValidKey,
		RetryDelay: time.Millisecond * 10,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(cfg)
	as.NoError(err)
	network.Register(endpoint, n.Handle)
	t.Cleanup(n.Stop)
	return n
}

func makeCluster(t *testing.T, as *require.Assertions, num int) (*overlay.Network, []*Node) {
	network := overlay.NewNetwork(zaptest.NewLogger(t))
	nodes := make([]*Node, 0, num)
	for i := 0; i < num; i++ {
		n := newTestNode(t, as, network, fmt.Sprintf("10.0.0.%d:7000", i+1), nil)
		if i > 0 {
			n.Membership().Join(nodes[0].Endpoint())
		}
		nodes = append(nodes, n)
	}
	return network, nodes
}

func stable(nodes []*Node) bool {
	s := append([]*Node(nil), nodes...)
	sort.Slice(s, func(i, j int) bool {
		return s[i].Membership().ID() < s[j].Membership().ID()
	})
	num := len(s)
	for i, n := range s {
		m := n.Membership()
		if m.Successor() != s[(i+1)%num].Endpoint() || m.Predecessor() != s[(i-1+num)%num].Endpoint() {
			return false
		}
	}
	return true
}

func converge(ctx context.Context, as *require.Assertions, nodes []*Node) {
	for i := 0; i < 200; i++ {
		for _, n := range nodes {
			n.Tick(ctx)
		}
		if stable(nodes) {
			return
		}
	}
	as.FailNow("ring did not converge")
}

func account(id string, at time.Time) *record.Account {
	return &record.Account{
		ID:      id,
		Owner:   id + "-key",
		Balance: 100,
		Updated: at.UTC(),
	}
}

func TestConfigValidate(t *testing.T) {
	as := require.New(t)

	var cfg *Config
	as.Error(cfg.Validate())

	cfg = &Config{}
	as.Error(cfg.Validate())

	cfg.Logger = zaptest.NewLogger(t)
	cfg.Endpoint = "10.0.0.1:7000"
	cfg.Transport = overlay.NewNetwork(cfg.Logger).Transport(cfg.Endpoint)
	cfg.Store = memory.New()
	as.Error(cfg.Validate())

	cfg.Registry = item.NewRegistry()
	as.NoError(cfg.Validate())

	cfg.MaintenanceInterval = -time.Second
	as.Error(cfg.Validate())
}

func TestHandleDispatch(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	network := overlay.NewNetwork(zaptest.NewLogger(t))
	n := newTestNode(t, as, network, "10.0.0.1:7000", nil)

	req, err := protocol.NewRequest(protocol.CommandPing, protocol.PingRequest{Endpoint: "10.0.0.2:7000"})
	as.NoError(err)
	resp := transport.Serve(transport.WithRemoteIP(ctx, "10.0.0.2"), n.Handle, req)
	as.Equal(string(ring.CodeOK), resp.Code)

	var ping protocol.PingResponse
	as.NoError(resp.Decode(&ping))
	as.Equal(n.Endpoint(), ping.Endpoint)
	as.Equal("10.0.0.2", ping.ObservedIP)

	resp = transport.Serve(ctx, n.Handle, &protocol.Request{Command: "BOGUS", Payload: []byte("{}")})
	var ve *ring.ValidationError
	as.ErrorAs(ring.ErrorFromCode(ring.Code(resp.Code), resp.Error), &ve)

	resp = transport.Serve(ctx, n.Handle, &protocol.Request{Command: protocol.CommandGet})
	as.ErrorAs(ring.ErrorFromCode(ring.Code(resp.Code), resp.Error), &ve)

	req, err = protocol.NewRequest(protocol.CommandCommit, protocol.CommitRequest{Token: "missing"})
	as.NoError(err)
	resp = transport.Serve(ctx, n.Handle, req)
	as.ErrorIs(ring.ErrorFromCode(ring.Code(resp.Code), resp.Error), ring.ErrItemNotFound)
}

func TestStepPanicRecovered(t *testing.T) {
	as := require.New(t)

	network := overlay.NewNetwork(zaptest.NewLogger(t))
	n := newTestNode(t, as, network, "10.0.0.1:7000", nil)

	ran := false
	as.NotPanics(func() {
		n.runStep(context.Background(), step{"boom", func(context.Context) { panic("boom") }})
		n.runStep(context.Background(), step{"after", func(context.Context) { ran = true }})
	})
	as.True(ran)
}

func TestStartStop(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	network := overlay.NewNetwork(zaptest.NewLogger(t))
	n := newTestNode(t, as, network, "10.0.0.1:7000", func(c *Config) {
		c.MaintenanceInterval = time.Millisecond * 20
	})

	as.NoError(n.Start(ctx))
	as.Error(n.Start(ctx))

	// let a few passes run against an empty ring
	time.Sleep(time.Millisecond * 100)
}

func TestSingleNodeLocalMode(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	network := overlay.NewNetwork(zaptest.NewLogger(t))
	n := newTestNode(t, as, network, "10.0.0.1:7000", func(c *Config) {
		c.SkipCorroboration = true
	})

	acc := account("alice", time.Now())
	as.NoError(n.Write(ctx, acc))

	c, err := n.Read(ctx, acc.Path())
	as.NoError(err)
	as.True(c.Transient())
	as.True(c.Item.UpdatedUtc().Equal(acc.Updated))

	as.Equal([]string{acc.Path()}, n.Sync().Tracked())
}

func TestJoin(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	network := overlay.NewNetwork(zaptest.NewLogger(t))
	seed := newTestNode(t, as, network, "10.0.0.1:7000", nil)
	joiner := newTestNode(t, as, network, "10.0.0.2:7000", func(c *Config) {
		c.JoinDelay = time.Millisecond
	})

	as.NoError(joiner.Join(ctx))
	as.NoError(joiner.Join(ctx, seed.Endpoint()))
	as.Equal(seed.Endpoint(), joiner.Membership().Successor())

	lonely := newTestNode(t, as, network, "10.0.0.3:7000", func(c *Config) {
		c.JoinDelay = time.Millisecond
		c.JoinAttempts = 2
	})
	as.Error(lonely.Join(ctx, "10.0.0.9:7000"))
}

func TestClusterWriteRead(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	network, nodes := makeCluster(t, as, 3)
	converge(ctx, as, nodes)

	acc := account("alice", time.Now())
	as.NoError(nodes[0].Write(ctx, acc))

	for _, n := range nodes {
		c, err := n.Read(ctx, acc.Path())
		as.NoError(err)
		as.True(c.OK())
		as.Equal(3, c.Count)
		as.True(c.Item.UpdatedUtc().Equal(acc.Updated))

		local, err := n.Quorum().Local().Get(ctx, acc.Path())
		as.NoError(err)
		as.NotNil(local)
	}

	// older versions are refused everywhere
	as.ErrorIs(nodes[1].Write(ctx, account("alice", acc.Updated.Add(-time.Minute))), ring.ErrObjectSuperseded)

	network.SetOffline(nodes[2].Endpoint(), true)

	as.ErrorIs(nodes[0].Write(ctx, account("alice", time.Now())), ring.ErrNotEnoughPeers)

	// the failed write is not visible as committed
	c, err := nodes[1].Read(ctx, acc.Path())
	as.NoError(err)
	as.True(c.Item.UpdatedUtc().Equal(acc.Updated))
}

func TestClusterRepairsLostCopy(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	_, nodes := makeCluster(t, as, 3)
	converge(ctx, as, nodes)

	acc := account("bob", time.Now())
	as.NoError(nodes[0].Write(ctx, acc))

	lost := nodes[2]
	as.NoError(lost.Quorum().Local().Delete(ctx, acc.Path()))

	// the announcement from a holder enqueues a pull on the node that lost its copy
	nodes[0].Tick(ctx)
	st, ok := lost.Sync().State(acc.Path())
	as.True(ok)
	as.Equal(entropy.StatusEnqueued, st.Status)

	lost.Tick(ctx)
	st, _ = lost.Sync().State(acc.Path())
	as.Equal(entropy.StatusIdle, st.Status)

	local, err := lost.Quorum().Local().Get(ctx, acc.Path())
	as.NoError(err)
	as.NotNil(local)
	as.True(local.UpdatedUtc().Equal(acc.Updated))
}
