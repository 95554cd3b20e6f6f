package transport

import (
	"errors"

	"go.miragespace.co/ringstore/spec/ring"
)

var (
	ErrNotConnected = errors.New("transport: peer is not connected")
	ErrTimeout      = errors.New("transport: timed out waiting for reply")
	ErrClosed       = errors.New("transport: already closed")
)

func init() {
	ring.RegisterRetryable(ErrNotConnected)
	ring.RegisterRetryable(ErrTimeout)
	ring.RegisterRetryable(ErrClosed)
}
