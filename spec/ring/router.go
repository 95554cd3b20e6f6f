package ring

import (
	"context"

	"go.miragespace.co/ringstore/spec/protocol"
)

// Router is the view of ring membership that the storage layers need
type Router interface {
	// Endpoint of this node as advertised to peers
	Endpoint() string
	// ResponsiblePeers returns up to count endpoints holding replicas of key, self included when applicable
	ResponsiblePeers(ctx context.Context, key string, count int) ([]string, error)
	IsCurrentlyResponsible(key string) bool
	// Reachable reports whether a peer is currently eligible for a connection attempt
	Reachable(endpoint string) bool
	// Call sends cmd to endpoint, decoding the reply into resp. Remote failures come back as typed errors
	Call(ctx context.Context, endpoint string, cmd protocol.Command, req, resp any) error
}
