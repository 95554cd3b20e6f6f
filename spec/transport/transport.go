package transport

import (
	"context"

	"go.miragespace.co/ringstore/spec/protocol"
)

// Handler answers one inbound request. Errors are converted to a typed reply by the caller
type Handler func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

// Transport delivers one request to a peer endpoint and waits for the matching reply
type Transport interface {
	Request(ctx context.Context, endpoint string, req *protocol.Request) (*protocol.Response, error)
	Close() error
}

type remoteIPKey struct{}

func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, remoteIPKey{}, ip)
}

// RemoteIP returns the observed IP of the peer that sent the request being handled
func RemoteIP(ctx context.Context) string {
	ip, _ := ctx.Value(remoteIPKey{}).(string)
	return ip
}
