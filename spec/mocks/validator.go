//go:build !no_mocks
// +build !no_mocks

package mocks

import (
	"context"

	"go.miragespace.co/ringstore/spec/item"

	"github.com/stretchr/testify/mock"
)

type Validator struct {
	mock.Mock
}

var _ item.Validator = (*Validator)(nil)

func (v *Validator) Validate(ctx context.Context, candidate item.Item, existing item.Item) error {
	args := v.Called(ctx, candidate, existing)
	return args.Error(0)
}
