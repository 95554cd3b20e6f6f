package overlay

import (
	"context"
	"time"

	"go.miragespace.co/ringstore/timing"
	"go.miragespace.co/ringstore/util"

	"go.uber.org/zap"
)

// reapDead probes every pooled connection and closes those that can no longer carry frames
func (t *WebSocket) reapDead() int {
	reaped := 0
	t.pools.Range(func(endpoint string, pool *peerPool) bool {
		for _, c := range pool.snapshot() {
			if c.Closed() {
				continue
			}
			if err := c.ping(); err != nil {
				t.Logger.Debug("Reaping dead websocket connection", zap.String("peer", endpoint), zap.Error(err))
				c.Close()
				reaped++
			}
		}
		// prune closed connections
		pool.pick()
		return true
	})
	return reaped
}

func (t *WebSocket) reaper(ctx context.Context) {
	timer := time.NewTimer(util.RandomTimeRange(timing.ReaperInterval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.reapDead()
			timer.Reset(util.RandomTimeRange(timing.ReaperInterval))
		}
	}
}
