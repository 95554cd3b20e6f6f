package node

import (
	"context"
	"fmt"
	"time"

	"go.miragespace.co/ringstore/metrics"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/spec/transport"
)

var _ transport.Handler = (*Node)(nil).Handle

// Handle dispatches one inbound request to the component that owns its command
func (n *Node) Handle(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	switch req.Command {
	case protocol.CommandPing:
		return dispatch(ctx, req, n.ring.HandlePing)
	case protocol.CommandFind:
		return dispatch(ctx, req, n.ring.HandleFind)
	case protocol.CommandGet:
		return dispatch(ctx, req, n.quorum.HandleGet)
	case protocol.CommandPut:
		return dispatch(ctx, req, n.quorum.HandlePut)
	case protocol.CommandQueryCommit:
		return dispatch(ctx, req, n.quorum.HandleQueryCommit)
	case protocol.CommandCommit:
		return dispatch(ctx, req, n.quorum.HandleCommit)
	case protocol.CommandList:
		return dispatch(ctx, req, n.quorum.HandleList)
	case protocol.CommandSync:
		return dispatch(ctx, req, n.sync.Handle)
	default:
		return nil, ring.NewValidationError("unknown command %q", req.Command)
	}
}

func dispatch[Req, Resp any](ctx context.Context, req *protocol.Request, fn func(context.Context, *Req) (*Resp, error)) (*protocol.Response, error) {
	defer metrics.ObserveInbound(req.Command, time.Now())

	var r Req
	if err := req.Decode(&r); err != nil {
		return nil, ring.NewValidationError("decoding %s request: %v", req.Command, err)
	}
	resp, err := fn(ctx, &r)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s handler returned no reply", req.Command)
	}
	return protocol.NewResponse(resp)
}
