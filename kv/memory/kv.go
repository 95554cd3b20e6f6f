package memory

import (
	"context"
	"strings"

	"go.miragespace.co/ringstore/spec/kv"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
)

// MemoryKV keeps keys in a skiplist so prefix listings come out sorted
type MemoryKV struct {
	s      *skipmap.StringMap[string]
	closed *atomic.Bool
}

var _ kv.Store = (*MemoryKV)(nil)

func New() *MemoryKV {
	return &MemoryKV{
		s:      skipmap.NewString[string](),
		closed: atomic.NewBool(false),
	}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	if m.closed.Load() {
		return "", false, kv.ErrClosed
	}
	v, ok := m.s.Load(key)
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value string) error {
	if m.closed.Load() {
		return kv.ErrClosed
	}
	m.Put(key, value)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	if m.closed.Load() {
		return kv.ErrClosed
	}
	m.Remove(key)
	return nil
}

func (m *MemoryKV) ListKeys(_ context.Context, prefix string) ([]string, error) {
	if m.closed.Load() {
		return nil, kv.ErrClosed
	}
	return m.Keys(prefix), nil
}

func (m *MemoryKV) Close() error {
	m.closed.Store(true)
	return nil
}

// Put, Remove and Keys skip the closed check, used when replaying logs into a fresh map

func (m *MemoryKV) Put(key, value string) {
	m.s.Store(key, value)
}

func (m *MemoryKV) Remove(key string) {
	m.s.Delete(key)
}

func (m *MemoryKV) Keys(prefix string) []string {
	keys := make([]string, 0)
	m.s.Range(func(key string, _ string) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
			return true
		}
		// sorted: once past the prefix nothing else can match
		return key < prefix
	})
	return keys
}

func (m *MemoryKV) Len() int {
	return m.s.Len()
}
