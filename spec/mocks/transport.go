//go:build !no_mocks
// +build !no_mocks

package mocks

import (
	"context"

	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/transport"

	"github.com/stretchr/testify/mock"
)

type Transport struct {
	mock.Mock
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Request(ctx context.Context, endpoint string, req *protocol.Request) (*protocol.Response, error) {
	args := t.Called(ctx, endpoint, req)
	v := args.Get(0)
	e := args.Error(1)
	if v == nil {
		return nil, e
	}
	return v.(*protocol.Response), e
}

func (t *Transport) Close() error {
	args := t.Called()
	return args.Error(0)
}
