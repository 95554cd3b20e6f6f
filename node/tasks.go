package node

import (
	"context"
	"time"

	"go.miragespace.co/ringstore/util"

	"go.uber.org/zap"
)

type step struct {
	name string
	fn   func(ctx context.Context)
}

func (n *Node) steps() []step {
	return []step{
		{"stabilize", n.ring.Stabilize},
		{"fix-finger", n.ring.RefreshOneFingerTableEntry},
		{"gc-peers", func(ctx context.Context) { n.ring.GarbageCollect(ctx) }},
		{"housekeeping", func(ctx context.Context) { n.quorum.Housekeeping(ctx) }},
		{"announce", func(ctx context.Context) { n.sync.Announce(ctx) }},
		{"pull", func(ctx context.Context) { n.sync.PullStep(ctx) }},
	}
}

// Tick runs one maintenance pass. A failing or panicking step does not stop the ones after it
func (n *Node) Tick(ctx context.Context) {
	for _, s := range n.steps() {
		if ctx.Err() != nil {
			return
		}
		n.runStep(ctx, s)
	}
}

func (n *Node) runStep(ctx context.Context, s step) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Maintenance step panicked",
				zap.String("step", s.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	stepCtx, cancel := context.WithTimeout(ctx, n.cfg.StepTimeout)
	defer cancel()

	start := time.Now()
	s.fn(stepCtx)
	if took := time.Since(start); took > n.cfg.StepTimeout/2 {
		n.logger.Warn("Maintenance step is slow", zap.String("step", s.name), zap.Duration("took", took))
	}
}

func (n *Node) maintenance() {
	defer n.wg.Done()

	timer := time.NewTimer(util.RandomTimeRange(n.cfg.MaintenanceInterval))
	defer timer.Stop()

	for {
		select {
		case <-n.stopCtx.Done():
			n.logger.Debug("Stopping maintenance task")
			return
		case <-timer.C:
			n.Tick(n.stopCtx)
			timer.Reset(util.RandomTimeRange(n.cfg.MaintenanceInterval))
		}
	}
}
