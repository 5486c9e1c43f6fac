package broker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispositionGuard_OnlyOneClaimWins(t *testing.T) {
	var guard DispositionGuard
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if guard.Claim() == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, guard.Disposed())
	assert.ErrorIs(t, guard.Claim(), ErrAlreadyDisposed)
}

func TestDispositionGuard_Release(t *testing.T) {
	var guard DispositionGuard
	assert.NoError(t, guard.Claim())
	guard.Release()
	assert.False(t, guard.Disposed())
	assert.NoError(t, guard.Claim())
}
