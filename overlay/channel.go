package overlay

import (
	"context"
	"fmt"
	"sync"

	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/timing"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// frame is one websocket message; exactly one field is set
type frame struct {
	Request  *protocol.Request  `json:"request,omitempty"`
	Response *protocol.Response `json:"response,omitempty"`
}

func noHandler(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return nil, fmt.Errorf("%s: channel has no request handler", req.Command)
}

// channel multiplexes request/reply exchanges over one websocket connection in both directions
type channel struct {
	logger   *zap.Logger
	conn     *websocket.Conn
	remoteIP string
	handler  transport.Handler

	num     *atomic.Uint64
	replies *xsync.MapOf[uint64, chan *protocol.Response]

	writeMu sync.Mutex
	closed  *atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func newChannel(logger *zap.Logger, conn *websocket.Conn, remoteIP string, handler transport.Handler) *channel {
	if handler == nil {
		handler = noHandler
	}
	return &channel{
		logger:   logger,
		conn:     conn,
		remoteIP: remoteIP,
		handler:  handler,
		num:      atomic.NewUint64(0),
		replies:  xsync.NewMapOf[uint64, chan *protocol.Response](),
		closed:   atomic.NewBool(false),
		done:     make(chan struct{}),
	}
}

// Start reads frames until the connection fails or is closed. Each inbound request is
// answered on its own goroutine.
func (c *channel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.Close()
		c.wg.Wait()
	}()

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !c.closed.Load() {
				c.logger.Debug("Channel read error", zap.Error(err))
			}
			return
		}

		switch {
		case f.Response != nil:
			if ch, ok := c.replies.LoadAndDelete(f.Response.Token); ok {
				ch <- f.Response
			}
		case f.Request != nil:
			c.wg.Add(1)
			go c.serve(ctx, f.Request)
		}
	}
}

func (c *channel) serve(ctx context.Context, req *protocol.Request) {
	defer c.wg.Done()

	handlerCtx, cancel := context.WithTimeout(transport.WithRemoteIP(ctx, c.remoteIP), timing.HandlerTimeout)
	defer cancel()

	resp := transport.Serve(handlerCtx, c.handler, req)
	if err := c.send(&frame{Response: resp}); err != nil {
		c.logger.Debug("Channel reply send error", zap.Error(err))
		c.Close()
	}
}

func (c *channel) send(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// ping sends a websocket control ping, used by the reaper
func (c *channel) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline(timing.PingTimeout))
}

func (c *channel) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}

	token := c.num.Inc()
	replyCh := make(chan *protocol.Response, 1)

	out := *req
	out.Token = token

	c.replies.Store(token, replyCh)
	defer c.replies.Delete(token)

	if err := c.send(&frame{Request: &out}); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}

	select {
	case <-ctx.Done():
		return nil, transport.ErrTimeout
	case <-c.done:
		return nil, transport.ErrClosed
	case resp := <-replyCh:
		return resp, nil
	}
}

func (c *channel) Closed() bool {
	return c.closed.Load()
}

func (c *channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline(timing.PingTimeout))
	c.writeMu.Unlock()
	return c.conn.Close()
}
