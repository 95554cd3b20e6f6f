package timing

import "time"

const (
	RPCTimeout       = time.Second * 5
	PingTimeout      = time.Second * 3
	HandshakeTimeout = time.Second * 10
	// UpdatePredecessor triggered by an inbound ping has to finish before the ping reply
	NotifyTimeout = time.Second * 2
)

const (
	// Upper bound on answering one inbound request, lookups forwarded across several hops included
	HandlerTimeout = time.Second * 15
	// How often pooled connections are probed for liveness
	ReaperInterval = time.Second * 30
)
