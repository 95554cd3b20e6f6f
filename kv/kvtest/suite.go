// Package kvtest holds the behavior every kv.Store provider has to satisfy
package kvtest

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"

	"go.miragespace.co/ringstore/spec/kv"

	"github.com/stretchr/testify/require"
)

func ks(p string, i int) string {
	var sb strings.Builder
	sb.WriteString(p)
	sb.WriteString("/")
	sb.WriteString(strconv.FormatInt(int64(i), 10))
	return sb.String()
}

// Run exercises a fresh store returned by factory. The suite closes it
func Run(t *testing.T, factory func(t *testing.T) kv.Store) {
	t.Run("get set delete", func(t *testing.T) {
		testGetSetDelete(t, factory(t))
	})
	t.Run("list keys sorted", func(t *testing.T) {
		testListKeys(t, factory(t))
	})
	t.Run("concurrent writers", func(t *testing.T) {
		testConcurrent(t, factory(t))
	})
	t.Run("closed", func(t *testing.T) {
		testClosed(t, factory(t))
	})
}

func testGetSetDelete(t *testing.T, s kv.Store) {
	as := require.New(t)
	ctx := context.Background()
	defer s.Close()

	_, found, err := s.Get(ctx, "item/missing")
	as.NoError(err)
	as.False(found)

	as.NoError(s.Set(ctx, "item/a", "1"))
	v, found, err := s.Get(ctx, "item/a")
	as.NoError(err)
	as.True(found)
	as.Equal("1", v)

	as.NoError(s.Set(ctx, "item/a", "2"))
	v, _, err = s.Get(ctx, "item/a")
	as.NoError(err)
	as.Equal("2", v)

	as.NoError(s.Set(ctx, "item/empty", ""))
	v, found, err = s.Get(ctx, "item/empty")
	as.NoError(err)
	as.True(found)
	as.Equal("", v)

	as.NoError(s.Delete(ctx, "item/a"))
	_, found, err = s.Get(ctx, "item/a")
	as.NoError(err)
	as.False(found)

	as.NoError(s.Delete(ctx, "item/never"))
}

func testListKeys(t *testing.T, s kv.Store) {
	as := require.New(t)
	ctx := context.Background()
	defer s.Close()

	for _, k := range []string{"sync/b", "item/c", "item/a", "item/b/x", "itemz", "aaa"} {
		as.NoError(s.Set(ctx, k, k))
	}

	keys, err := s.ListKeys(ctx, "item/")
	as.NoError(err)
	as.Equal([]string{"item/a", "item/b/x", "item/c"}, keys)

	keys, err = s.ListKeys(ctx, "sync/")
	as.NoError(err)
	as.Equal([]string{"sync/b"}, keys)

	keys, err = s.ListKeys(ctx, "nothing/")
	as.NoError(err)
	as.Empty(keys)

	keys, err = s.ListKeys(ctx, "")
	as.NoError(err)
	as.Len(keys, 6)
	as.True(sortedStrings(keys))
}

func testConcurrent(t *testing.T, s kv.Store) {
	as := require.New(t)
	ctx := context.Background()
	defer s.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := s.Set(ctx, ks(ks("w", w), i), "v"); err != nil {
					t.Error(err)
				}
			}
		}(w)
	}
	wg.Wait()

	keys, err := s.ListKeys(ctx, "w/")
	as.NoError(err)
	as.Len(keys, 100)
}

func testClosed(t *testing.T, s kv.Store) {
	as := require.New(t)
	ctx := context.Background()

	as.NoError(s.Set(ctx, "k", "v"))
	as.NoError(s.Close())

	as.Error(s.Set(ctx, "k", "v2"))
	_, _, err := s.Get(ctx, "k")
	as.Error(err)
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}
