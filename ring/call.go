package ring

import (
	"context"
	"fmt"
	"time"

	"go.miragespace.co/ringstore/metrics"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"

	"go.uber.org/zap"
)

// Call is the only way this node talks to peers. It bounds the exchange with the RPC timeout,
// keeps the peer's health record current and restores typed errors from the reply code.
func (m *Membership) Call(ctx context.Context, endpoint string, cmd protocol.Command, req, resp any) error {
	return m.call(ctx, m.cfg.RPCTimeout, endpoint, cmd, req, resp)
}

func (m *Membership) call(ctx context.Context, timeout time.Duration, endpoint string, cmd protocol.Command, req, resp any) error {
	if endpoint == "" {
		return fmt.Errorf("%s: %w", cmd, ring.ErrInvalidTarget)
	}
	r, err := protocol.NewRequest(cmd, req)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	reply, err := m.transport.Request(callCtx, endpoint, r)
	metrics.ObserveOutbound(cmd, start)
	if err != nil {
		// our own cancellation says nothing about the peer
		if ctx.Err() == nil {
			m.markFailure(endpoint)
		}
		m.logger.Debug("Peer call failed",
			zap.String("peer", endpoint),
			zap.String("command", string(cmd)),
			zap.Error(err))
		return fmt.Errorf("%s %s: %w", cmd, endpoint, err)
	}
	m.markSuccess(endpoint, time.Since(start))

	if code := ring.Code(reply.Code); code != ring.CodeOK {
		return ring.ErrorFromCode(code, reply.Error)
	}
	if resp == nil {
		return nil
	}
	if err := reply.Decode(resp); err != nil {
		return fmt.Errorf("decoding %s reply from %s: %w", cmd, endpoint, err)
	}
	return nil
}
