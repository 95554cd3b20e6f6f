package atomic

import (
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

// KeyedRWMutex hands out one RWMutex per key, created on first use
type KeyedRWMutex struct {
	noCopy
	mutexes *skipmap.StringMap[*sync.RWMutex]
}

func NewKeyedRWMutex() *KeyedRWMutex {
	return &KeyedRWMutex{
		mutexes: skipmap.NewString[*sync.RWMutex](),
	}
}

func (m *KeyedRWMutex) obtain(key string) *sync.RWMutex {
	value, _ := m.mutexes.LoadOrStoreLazy(key, func() *sync.RWMutex {
		return &sync.RWMutex{}
	})
	return value
}

func (m *KeyedRWMutex) Lock(key string) func() {
	mu := m.obtain(key)
	mu.Lock()

	return mu.Unlock
}

func (m *KeyedRWMutex) RLock(key string) func() {
	mu := m.obtain(key)
	mu.RLock()

	return mu.RUnlock
}

// TryLock returns nil when the key is already held
func (m *KeyedRWMutex) TryLock(key string) func() {
	mu := m.obtain(key)
	if !mu.TryLock() {
		return nil
	}
	return mu.Unlock
}

// Forget drops the mutex of a key that is no longer used. Callers must not hold it
func (m *KeyedRWMutex) Forget(key string) {
	m.mutexes.Delete(key)
}

func (m *KeyedRWMutex) Len() int {
	return m.mutexes.Len()
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
