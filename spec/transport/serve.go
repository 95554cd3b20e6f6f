package transport

import (
	"context"
	"fmt"

	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
)

// Serve runs h for one request and always produces a reply carrying the request token.
// Handler errors become typed result codes and panics become internal errors.
func Serve(ctx context.Context, h Handler, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = &protocol.Response{
				Code:  string(ring.CodeInternal),
				Error: fmt.Sprintf("panic handling %s: %v", req.Command, r),
			}
		}
		resp.Token = req.Token
	}()

	reply, err := h(ctx, req)
	if err != nil {
		return &protocol.Response{
			Code:  string(ring.ErrorCode(err)),
			Error: err.Error(),
		}
	}
	if reply == nil {
		reply = &protocol.Response{}
	}
	if reply.Code == "" {
		reply.Code = string(ring.CodeOK)
	}
	return reply
}
