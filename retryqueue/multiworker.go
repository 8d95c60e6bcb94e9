package retryqueue

import (
	"context"

	"golang.org/x/time/rate"
)

// MultipleWorkers creates n workers that are rate limited by limit.
// Use case is to have multiple concurrent workers draining the same queue
// (e.g. one per RPC endpoint used for boost/replenish checks) without
// overwhelming that endpoint. ProcessFunc must be thread safe.
func MultipleWorkers(processFunc ProcessFunc, n int, limit rate.Limit, burst int) []ProcessFunc {
	rateLimiter := rate.NewLimiter(limit, burst)

	process := make([]ProcessFunc, n)
	for i := 0; i < n; i++ {
		process[i] = func(ctx context.Context, data []byte) error {
			if err := rateLimiter.Wait(ctx); err != nil {
				return err
			}
			return processFunc(ctx, data)
		}
	}
	return process
}
