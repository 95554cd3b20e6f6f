package overlay

import (
	"context"
	"net/http"
	"sync"

	"go.miragespace.co/ringstore/spec/transport"
	"go.miragespace.co/ringstore/util"

	"github.com/gorilla/websocket"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Handler accepts ring connections from peers and serves their requests
type Handler struct {
	logger   *zap.Logger
	handler  transport.Handler
	upgrader websocket.Upgrader

	conns  *skipmap.Uint64Map[*channel]
	nextID *atomic.Uint64
	closed *atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

func NewHandler(logger *zap.Logger, h transport.Handler) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		logger:  logger,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns:  skipmap.NewUint64[*channel](),
		nextID: atomic.NewUint64(0),
		closed: atomic.NewBool(false),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Failed to upgrade ring connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	remoteIP := util.RemoteHost(r.RemoteAddr)
	c := newChannel(h.logger.With(zap.String("remote", r.RemoteAddr)), conn, remoteIP, h.handler)

	id := h.nextID.Inc()
	h.conns.Store(id, c)
	h.wg.Add(1)
	defer func() {
		h.conns.Delete(id)
		h.wg.Done()
	}()

	c.Start(h.ctx)
}

// Connections is the number of live inbound connections
func (h *Handler) Connections() int {
	return h.conns.Len()
}

func (h *Handler) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()
	h.conns.Range(func(_ uint64, c *channel) bool {
		c.Close()
		return true
	})
	h.wg.Wait()
	return nil
}
