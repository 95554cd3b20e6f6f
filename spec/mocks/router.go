//go:build !no_mocks
// +build !no_mocks

package mocks

import (
	"context"

	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"

	"github.com/stretchr/testify/mock"
)

type Router struct {
	mock.Mock
}

var _ ring.Router = (*Router)(nil)

func (r *Router) Endpoint() string {
	args := r.Called()
	return args.String(0)
}

func (r *Router) ResponsiblePeers(ctx context.Context, key string, count int) ([]string, error) {
	args := r.Called(ctx, key, count)
	v := args.Get(0)
	e := args.Error(1)
	if v == nil {
		return nil, e
	}
	return v.([]string), e
}

func (r *Router) IsCurrentlyResponsible(key string) bool {
	args := r.Called(key)
	return args.Bool(0)
}

func (r *Router) Reachable(endpoint string) bool {
	args := r.Called(endpoint)
	return args.Bool(0)
}

// Call passes resp to the mock so a Run func can fill it in
func (r *Router) Call(ctx context.Context, endpoint string, cmd protocol.Command, req, resp any) error {
	args := r.Called(ctx, endpoint, cmd, req, resp)
	return args.Error(0)
}
