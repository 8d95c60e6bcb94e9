package singleflight

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCollapsesConcurrentFetches(t *testing.T) {
	paymasters := []string{"0xaa", "0xbb", "0xcc", "0xaa", "0xbb"}
	gasLimits := map[string]*big.Int{
		"0xaa": big.NewInt(100000),
		"0xbb": big.NewInt(200000),
		"0xcc": big.NewInt(300000),
	}
	fetchCount := new(int32)
	m := NewManager(func(_ context.Context, k string) (*big.Int, error) {
		atomic.AddInt32(fetchCount, 1)
		return gasLimits[k], nil
	}, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, p := range paymasters {
			wg.Add(1)
			go func(p string) {
				defer wg.Done()
				res, err := m.Get(context.Background(), p)
				assert.NoError(t, err)
				assert.Equal(t, gasLimits[p], res)
			}(p)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(fetchCount))
}

func TestManagerPropagatesFetchError(t *testing.T) {
	boom := assert.AnError
	m := NewManager(func(_ context.Context, _ string) (int, error) {
		return 0, boom
	}, time.Second)

	_, err := m.Get(context.Background(), "0xdead")
	require.ErrorIs(t, err, boom)
}

func TestManagerContextCancellation(t *testing.T) {
	block := make(chan struct{})
	m := NewManager(func(_ context.Context, _ string) (int, error) {
		<-block
		return 1, nil
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Get(ctx, "0xabc")
	require.ErrorIs(t, err, context.Canceled)
	close(block)
}
