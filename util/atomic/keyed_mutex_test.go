package atomic

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexExclusive(t *testing.T) {
	as := require.New(t)

	m := NewKeyedRWMutex()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("k")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	as.Equal(50, counter)
	as.Equal(1, m.Len())
}

func TestKeyedMutexTryLock(t *testing.T) {
	as := require.New(t)

	m := NewKeyedRWMutex()

	unlock := m.TryLock("a")
	as.NotNil(unlock)
	as.Nil(m.TryLock("a"))
	as.NotNil(m.TryLock("b"))

	unlock()
	again := m.TryLock("a")
	as.NotNil(again)
	again()

	m.Forget("a")
	as.Equal(1, m.Len())
}
