package overlay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/timing"
	"go.miragespace.co/ringstore/util"
	"go.miragespace.co/ringstore/util/atomic"

	"github.com/gorilla/websocket"
	"github.com/zhangyunhao116/skipmap"
	uberAtomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// Path the ring websocket is served on
	RingPath = "/ring"
	// Live connections kept per peer endpoint
	MaxConnectionsPerPeer = 2
)

var _ transport.Transport = (*WebSocket)(nil)

type WebSocketConfig struct {
	Logger *zap.Logger
	// Serves requests a peer sends back over a dialed connection. Optional
	Handler transport.Handler
	Dialer  *websocket.Dialer
	Header  http.Header
}

// WebSocket is the client side of the ring transport. Connections are dialed lazily and reused.
type WebSocket struct {
	WebSocketConfig

	pools     *skipmap.StringMap[*peerPool]
	dialMutex *atomic.KeyedRWMutex

	started *uberAtomic.Bool
	closed  *uberAtomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type peerPool struct {
	mu    sync.Mutex
	conns []*channel
	next  int
}

// pick returns a live channel round robin, and whether the pool has room for another
func (p *peerPool) pick() (*channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.conns[:0]
	for _, c := range p.conns {
		if !c.Closed() {
			live = append(live, c)
		}
	}
	p.conns = live

	if len(p.conns) == 0 {
		return nil, true
	}
	p.next = (p.next + 1) % len(p.conns)
	return p.conns[p.next], len(p.conns) < MaxConnectionsPerPeer
}

func (p *peerPool) add(c *channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, c)
}

func (p *peerPool) snapshot() []*channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*channel(nil), p.conns...)
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			HandshakeTimeout: timing.HandshakeTimeout,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		WebSocketConfig: cfg,
		pools:           skipmap.NewString[*peerPool](),
		dialMutex:       atomic.NewKeyedRWMutex(),
		started:         uberAtomic.NewBool(false),
		closed:          uberAtomic.NewBool(false),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start runs the connection reaper until Close
func (t *WebSocket) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reaper(t.ctx)
	}()
}

// URL maps a ring endpoint to the websocket address it is served on
func URL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "ws://" + endpoint + RingPath
}

func (t *WebSocket) getChannel(ctx context.Context, endpoint string) (*channel, error) {
	pool, _ := t.pools.LoadOrStore(endpoint, &peerPool{})
	if c, room := pool.pick(); c != nil && !room {
		return c, nil
	}

	unlock := t.dialMutex.Lock(endpoint)
	defer unlock()

	existing, room := pool.pick()
	if existing != nil && !room {
		return existing, nil
	}

	c, err := t.dial(ctx, endpoint)
	if err != nil {
		if existing != nil {
			// the pool is still usable at reduced width
			return existing, nil
		}
		return nil, err
	}
	pool.add(c)
	return c, nil
}

func (t *WebSocket) dial(ctx context.Context, endpoint string) (*channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timing.HandshakeTimeout)
	defer cancel()

	conn, resp, err := t.Dialer.DialContext(dialCtx, URL(endpoint), t.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", transport.ErrNotConnected, endpoint, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	logger := t.Logger.With(zap.String("peer", endpoint))
	c := newChannel(logger, conn, util.EndpointHost(endpoint), t.Handler)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		c.Start(t.ctx)
	}()

	logger.Debug("Dialed websocket connection to peer")
	return c, nil
}

func (t *WebSocket) Request(ctx context.Context, endpoint string, req *protocol.Request) (*protocol.Response, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timing.RPCTimeout)
		defer cancel()
	}

	c, err := t.getChannel(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, req)
}

// Drop closes every pooled connection to endpoint
func (t *WebSocket) Drop(endpoint string) {
	unlock := t.dialMutex.Lock(endpoint)
	defer unlock()

	pool, ok := t.pools.LoadAndDelete(endpoint)
	if !ok {
		return
	}
	for _, c := range pool.snapshot() {
		c.Close()
	}
}

func (t *WebSocket) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	t.pools.Range(func(endpoint string, pool *peerPool) bool {
		for _, c := range pool.snapshot() {
			c.Close()
		}
		return true
	})
	t.wg.Wait()
	return nil
}

func deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}
