package sqlite3

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.miragespace.co/ringstore/kv/kvtest"
	"go.miragespace.co/ringstore/spec/kv"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	cache, err := os.MkdirTemp("", "wazero")
	if err != nil {
		panic(err)
	}
	if err := Initialize(filepath.Join(cache, "cache")); err != nil {
		panic(err)
	}
	code := m.Run()
	os.RemoveAll(cache)
	os.Exit(code)
}

func testGetKV(t *testing.T) *SqliteKV {
	t.Helper()

	as := require.New(t)
	logger := zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller()))

	dir, err := os.MkdirTemp("", "sql")
	as.NoError(err)

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	s, err := New(Config{
		Logger:  logger,
		DataDir: dir,
	})
	as.NoError(err)

	return s
}

func TestStoreBehavior(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		return testGetKV(t)
	})
}

func TestPersistAcrossReopen(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "sql")
	as.NoError(err)
	defer os.RemoveAll(dir)

	cfg := Config{
		Logger:  zaptest.NewLogger(t),
		DataDir: dir,
	}

	s, err := New(cfg)
	as.NoError(err)
	as.NoError(s.Set(ctx, "item/accounts/a", `{"kind":"account"}`))
	as.NoError(s.Close())

	s, err = New(cfg)
	as.NoError(err)
	defer s.Close()

	v, found, err := s.Get(ctx, "item/accounts/a")
	as.NoError(err)
	as.True(found)
	as.Equal(`{"kind":"account"}`, v)
}

func TestPrefixEnd(t *testing.T) {
	as := require.New(t)

	end, ok := prefixEnd("item/")
	as.True(ok)
	as.Equal("item0", end)

	end, ok = prefixEnd("a\xff")
	as.True(ok)
	as.Equal("b", end)

	_, ok = prefixEnd("\xff\xff")
	as.False(ok)
}
