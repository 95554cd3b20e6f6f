package memory

import (
	"context"
	"testing"

	"go.miragespace.co/ringstore/kv/kvtest"
	"go.miragespace.co/ringstore/spec/kv"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		return New()
	})
}

func TestPrefixStopsEarly(t *testing.T) {
	as := require.New(t)

	m := New()
	m.Put("a/1", "")
	m.Put("b/1", "")
	m.Put("b/2", "")
	m.Put("c/1", "")

	as.Equal([]string{"b/1", "b/2"}, m.Keys("b/"))
	as.Equal(4, m.Len())

	m.Remove("b/1")
	keys, err := m.ListKeys(context.Background(), "b/")
	as.NoError(err)
	as.Equal([]string{"b/2"}, keys)
}
