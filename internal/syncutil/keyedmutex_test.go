package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), "neg_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, n, counter)
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock := m.Lock("busy")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	got, err := m.LockContext(ctx, "busy")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_ReleaseAllowsNextHolder(t *testing.T) {
	m := NewKeyedMutex()

	unlock := m.Lock("k")
	acquired := make(chan struct{})
	go func() {
		u := m.Lock("k")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired")
	}
}

func TestKeyedMutex_ZeroValueUsable(t *testing.T) {
	var m KeyedMutex
	unlock, err := m.LockContext(context.Background(), "x")
	require.NoError(t, err)
	unlock()
}

func TestShardOf_Stable(t *testing.T) {
	assert.Equal(t, shardOf("neg_abc"), shardOf("neg_abc"))
	assert.Less(t, shardOf("anything"), uint32(shardCount))
}
