package kv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"go.miragespace.co/ringstore/kv/aof"
	"go.miragespace.co/ringstore/kv/memory"
	"go.miragespace.co/ringstore/kv/sqlite3"
	"go.miragespace.co/ringstore/spec/kv"

	"go.uber.org/zap"
)

var benchErr error

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func benchmarkSet(b *testing.B, store kv.Store) {
	ctx := context.Background()
	b.ResetTimer()

	var err error
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		key := "item/account/" + randomHex(16)
		value := randomHex(128)
		b.StartTimer()
		err = store.Set(ctx, key, value)
	}
	benchErr = err
}

func BenchmarkSqliteKVSet(b *testing.B) {
	dir := b.TempDir()
	if err := sqlite3.Initialize(filepath.Join(dir, "wazero")); err != nil {
		b.Fatalf("initializing sqlite runtime: %v", err)
	}
	store, err := sqlite3.New(sqlite3.Config{
		Logger:  zap.NewNop(),
		DataDir: dir,
	})
	if err != nil {
		b.Fatalf("initializing kv: %v", err)
	}
	defer store.Close()

	benchmarkSet(b, store)
}

func BenchmarkAOFKVSet(b *testing.B) {
	store, err := aof.New(aof.Config{
		Logger:        zap.NewNop(),
		DataDir:       b.TempDir(),
		FlushInterval: time.Second,
	})
	if err != nil {
		b.Fatalf("initializing kv: %v", err)
	}
	go store.Start()
	defer store.Close()

	benchmarkSet(b, store)
}

func BenchmarkMemoryKVSet(b *testing.B) {
	benchmarkSet(b, memory.New())
}
