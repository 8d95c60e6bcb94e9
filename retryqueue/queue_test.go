package retryqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	if err := red.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	processed := make(chan []byte, 10)
	nextProcessed := func() []byte {
		select {
		case data := <-processed:
			return data
		case <-time.After(1 * time.Second):
			t.Fatal("timeout")
		}
		return nil
	}
	processOk := func(ctx context.Context, data []byte) error {
		processed <- data
		return nil
	}
	queue := NewRedisQueue(log, red, "queue_test")
	err = queue.CleanQueues(ctx)
	require.NoError(t, err)

	t.Run("empty queue cancel", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		time.Sleep(10 * time.Millisecond)

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(context.Background()))
	})

	t.Run("normal processing", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		require.NoError(t, queue.UpdateBlock(1))
		require.NoError(t, queue.Push(ctx, []byte("boost-check"), false, 2, 2))
		require.Equal(t, "boost-check", string(nextProcessed()))

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(context.Background()))
	})

	t.Run("multiple workers", func(t *testing.T) {
		procCtx, procCancel := context.WithCancel(ctx)
		workers := MultipleWorkers(processOk, 10, rate.Inf, 1)
		wg := queue.StartProcessLoop(procCtx, workers)

		require.NoError(t, queue.UpdateBlock(1))

		for i := 0; i < 10; i++ {
			require.NoError(t, queue.Push(ctx, []byte("replenish-check"), false, 2, 2))
		}
		for i := 0; i < 10; i++ {
			require.Equal(t, "replenish-check", string(nextProcessed()))
		}

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(context.Background()))
	})

	t.Run("stale items are dropped", func(t *testing.T) {
		require.NoError(t, queue.Push(ctx, []byte("stale"), false, 2, 2))
		require.NoError(t, queue.UpdateBlock(2))

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		require.NoError(t, queue.Push(ctx, []byte("fresh"), false, 3, 3))
		require.Equal(t, "fresh", string(nextProcessed()))

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(context.Background()))
	})

	t.Run("queue full thresholds", func(t *testing.T) {
		queue.MaxUnprocessedItemsLowPrio = 3
		queue.MaxUnprocessedItemsHighPrio = 4
		defer func() {
			queue.MaxUnprocessedItemsLowPrio = DefaultMaxUnprocessedItemsForLowPrio
			queue.MaxUnprocessedItemsHighPrio = DefaultMaxUnprocessedItemsForHighPrio
		}()

		require.NoError(t, queue.UpdateBlock(3))

		queued, err := queue.queuedItems(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(0), queued)

		err = queue.Push(ctx, []byte("stale"), false, 2, 3)
		require.ErrorIs(t, err, ErrStaleItem)

		require.NoError(t, queue.Push(ctx, []byte("a"), false, 3, 4))
		require.NoError(t, queue.Push(ctx, []byte("b"), false, 3, 5))
		require.NoError(t, queue.Push(ctx, []byte("c"), false, 5, 6))

		queued, err = queue.queuedItems(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(3), queued)

		err = queue.Push(ctx, []byte("d"), false, 3, 7)
		require.ErrorIs(t, err, ErrQueueFull)

		require.NoError(t, queue.Push(ctx, []byte("high-prio"), true, 3, 7))

		err = queue.Push(ctx, []byte("high-prio-2"), true, 3, 7)
		require.ErrorIs(t, err, ErrQueueFull)

		queued, err = queue.queuedItems(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(4), queued)

		require.NoError(t, queue.CleanQueues(context.Background()))
	})

	t.Run("rollover across ticks", func(t *testing.T) {
		require.NoError(t, queue.Push(ctx, []byte("rollover"), false, 4, 5))
		require.NoError(t, queue.UpdateBlock(3))
		require.NoError(t, queue.UpdateBlock(4))

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk})

		require.Equal(t, "rollover", string(nextProcessed()))

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(context.Background()))
	})

	t.Run("failing worker retries on another worker", func(t *testing.T) {
		errEncountered := false
		processErr := func(ctx context.Context, data []byte) error {
			errEncountered = true
			return errors.Join(errors.New("boost failed"), ErrProcessWorkerError)
		}

		require.NoError(t, queue.UpdateBlock(5))

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc{processOk, processErr})

		for i := 0; i < 4; i++ {
			require.NoError(t, queue.Push(ctx, []byte("boost-check"), false, 6, 6))
		}
		for i := 0; i < 4; i++ {
			require.Equal(t, "boost-check", string(nextProcessed()))
		}
		require.True(t, errEncountered)

		procCancel()
		wg.Wait()
		require.NoError(t, queue.CleanQueues(context.Background()))
	})
}
