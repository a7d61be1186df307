package shardmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockRegistrySerializesByKey(t *testing.T) {
	reg := NewLockRegistry()

	const workers = 16
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := reg.Lock("name:orders")
			counter++
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, workers, counter)
}

func TestLockRegistryIndependentKeys(t *testing.T) {
	reg := NewLockRegistry()
	releaseA := reg.Lock("a")
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		release := reg.Lock("b")
		release()
		close(done)
	}()
	<-done
	releaseA()

	// Re-acquiring after release works.
	release := reg.Lock("a")
	release()
}
