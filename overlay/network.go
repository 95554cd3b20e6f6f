package overlay

import (
	"context"
	"encoding/json"
	"fmt"

	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/timing"
	"go.miragespace.co/ringstore/util"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Network is an in-process hub connecting endpoints without sockets. Every exchange is
// round tripped through the wire encoding so handlers never share memory with callers.
type Network struct {
	logger   *zap.Logger
	handlers *skipmap.StringMap[transport.Handler]
	offline  *skipmap.StringMap[bool]
}

func NewNetwork(logger *zap.Logger) *Network {
	return &Network{
		logger:   logger,
		handlers: skipmap.NewString[transport.Handler](),
		offline:  skipmap.NewString[bool](),
	}
}

func (n *Network) Register(endpoint string, h transport.Handler) {
	n.handlers.Store(endpoint, h)
	n.offline.Delete(endpoint)
}

func (n *Network) Unregister(endpoint string) {
	n.handlers.Delete(endpoint)
}

// SetOffline partitions endpoint from everyone, in both directions
func (n *Network) SetOffline(endpoint string, offline bool) {
	if offline {
		n.offline.Store(endpoint, true)
	} else {
		n.offline.Delete(endpoint)
	}
}

func (n *Network) isOffline(endpoint string) bool {
	_, ok := n.offline.Load(endpoint)
	return ok
}

// Transport returns the view of the network as seen by sender
func (n *Network) Transport(sender string) transport.Transport {
	return &memoryTransport{
		network: n,
		sender:  sender,
		closed:  atomic.NewBool(false),
	}
}

type memoryTransport struct {
	network *Network
	sender  string
	closed  *atomic.Bool
}

var _ transport.Transport = (*memoryTransport)(nil)

func (m *memoryTransport) Request(ctx context.Context, endpoint string, req *protocol.Request) (*protocol.Response, error) {
	if m.closed.Load() {
		return nil, transport.ErrClosed
	}
	if m.network.isOffline(m.sender) || m.network.isOffline(endpoint) {
		return nil, fmt.Errorf("%w: %s is unreachable", transport.ErrNotConnected, endpoint)
	}
	h, ok := m.network.handlers.Load(endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered", transport.ErrNotConnected, endpoint)
	}

	var inbound protocol.Request
	if err := roundTrip(req, &inbound); err != nil {
		return nil, err
	}

	replyCh := make(chan *protocol.Response, 1)
	go func() {
		// handlers outlive an impatient caller, as they would across a real connection
		handlerCtx := transport.WithRemoteIP(context.WithoutCancel(ctx), util.EndpointHost(m.sender))
		handlerCtx, cancel := context.WithTimeout(handlerCtx, timing.HandlerTimeout)
		defer cancel()
		replyCh <- transport.Serve(handlerCtx, h, &inbound)
	}()

	select {
	case <-ctx.Done():
		return nil, transport.ErrTimeout
	case resp := <-replyCh:
		if m.network.isOffline(m.sender) || m.network.isOffline(endpoint) {
			// the reply was lost on the way back
			return nil, fmt.Errorf("%w: %s went offline", transport.ErrNotConnected, endpoint)
		}
		var outbound protocol.Response
		if err := roundTrip(resp, &outbound); err != nil {
			return nil, err
		}
		return &outbound, nil
	}
}

func (m *memoryTransport) Close() error {
	m.closed.Store(true)
	return nil
}

func roundTrip(in, out any) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return json.Unmarshal(buf, out)
}
