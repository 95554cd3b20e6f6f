package status

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.miragespace.co/ringstore/overlay"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func pingHandler(self, pre, succ string) func(context.Context, *protocol.Request) (*protocol.Response, error) {
	return func(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
		if req.Command != protocol.CommandPing {
			return nil, ring.NewValidationError("unexpected %s", req.Command)
		}
		return protocol.NewResponse(&protocol.PingResponse{
			Endpoint:    self,
			ObservedIP:  "127.0.0.1",
			Predecessor: pre,
			Successor:   succ,
		})
	}
}

func testNetwork(t *testing.T) *overlay.Network {
	network := overlay.NewNetwork(zaptest.NewLogger(t))
	network.Register("a:1", pingHandler("a:1", "c:1", "b:1"))
	network.Register("b:1", pingHandler("b:1", "a:1", "c:1"))
	network.Register("c:1", pingHandler("c:1", "b:1", "a:1"))
	return network
}

func TestWalk(t *testing.T) {
	as := require.New(t)
	network := testNetwork(t)
	tp := network.Transport("")
	ctx := context.Background()

	nodes, err := walk(ctx, tp, "a:1", 0, time.Second)
	as.NoError(err)
	as.Len(nodes, 1)
	as.Equal("b:1", nodes[0].Successor)

	nodes, err = walk(ctx, tp, "a:1", 10, time.Second)
	as.NoError(err)
	as.Len(nodes, 3)
	as.Equal("a:1", nodes[0].Endpoint)
	as.Equal("b:1", nodes[1].Endpoint)
	as.Equal("c:1", nodes[2].Endpoint)

	nodes, err = walk(ctx, tp, "b:1", 1, time.Second)
	as.NoError(err)
	as.Len(nodes, 2)
	as.Equal("c:1", nodes[1].Endpoint)
}

func TestWalkUnreachable(t *testing.T) {
	as := require.New(t)
	network := testNetwork(t)
	network.SetOffline("c:1", true)
	tp := network.Transport("")
	ctx := context.Background()

	nodes, err := walk(ctx, tp, "a:1", 10, time.Second)
	as.NoError(err)
	as.Len(nodes, 3)
	as.Equal("c:1", nodes[2].Endpoint)
	as.Empty(nodes[2].ObservedIP)

	_, err = walk(ctx, tp, "c:1", 10, time.Second)
	as.Error(err)

	var buf bytes.Buffer
	render(&buf, nodes)
	as.Contains(buf.String(), "(unreachable)")
	as.Contains(buf.String(), "b:1")
}

func TestPingRemoteError(t *testing.T) {
	as := require.New(t)
	network := overlay.NewNetwork(zaptest.NewLogger(t))
	network.Register("x:1", func(context.Context, *protocol.Request) (*protocol.Response, error) {
		return nil, ring.NewValidationError("nope")
	})

	_, err := ping(context.Background(), network.Transport(""), "x:1")
	var ve *ring.ValidationError
	as.ErrorAs(err, &ve)
	as.Equal("nope", ve.Reason)
}
