// Package singleflight collapses concurrent lookups of the same key into a
// single in-flight fetch, with a TTL cache of the result.
//
// It exists to stop a burst of admissions for the same untrusted paymaster
// from each issuing their own getGasLimits() RPC call: the first caller
// triggers the fetch, everyone else waiting on the same key gets the same
// result once it lands.
package singleflight

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	taskQueueLen          = 60
	currentlyExecutedSize = 50
	defaultCleanupInterval = 5 * time.Second
)

type Manager[T any] struct {
	mu                sync.Mutex
	handler           Handler[T]
	taskQueue         chan task[T]
	currentlyExecuted map[string][]chan<- result[T]
}

// NewCustomManager creates a Manager around a caller-supplied cache, for
// cases where the default TTL cache isn't the right fit (e.g. caching
// trusted paymasters forever, since their gas limits never change).
func NewCustomManager[T any](h Handler[T]) *Manager[T] {
	m := &Manager[T]{
		handler:           h,
		taskQueue:         make(chan task[T], taskQueueLen),
		currentlyExecuted: make(map[string][]chan<- result[T], currentlyExecutedSize),
	}
	go m.start()
	return m
}

// NewManager creates a Manager backed by a TTL cache; this is the preferred
// constructor for the common case.
func NewManager[T any](fetch func(ctx context.Context, k string) (T, error), cacheTime time.Duration) *Manager[T] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	return NewCustomManager[T](Handler[T]{
		Fetch: fetch,
		Set: func(k string, v T) {
			g.Set(k, v, cacheTime)
		},
		Get: func(k string) (T, bool) {
			v, ok := g.Get(k)
			if !ok {
				var zero T
				return zero, false
			}
			//nolint:forcetypeassert
			return v.(T), true
		},
	})
}

type Handler[T any] struct {
	Fetch func(ctx context.Context, k string) (T, error)
	Set   func(k string, v T)
	Get   func(k string) (T, bool)
}

type task[T any] struct {
	key string
	res chan<- result[T]
}

type result[T any] struct {
	v T
	e error
}

func (m *Manager[T]) start() {
	for t := range m.taskQueue {
		m.mu.Lock()
		v, ok := m.handler.Get(t.key)
		if ok {
			t.res <- result[T]{v: v}
			close(t.res)
			m.mu.Unlock()
			continue
		}

		chans, ok := m.currentlyExecuted[t.key]
		if ok {
			m.currentlyExecuted[t.key] = append(chans, t.res)
			m.mu.Unlock()
			continue
		}
		m.currentlyExecuted[t.key] = []chan<- result[T]{t.res}
		m.mu.Unlock()

		go m.fetch(t.key)
	}
}

func (m *Manager[T]) fetch(key string) {
	res, err := m.handler.Fetch(context.Background(), key)

	m.mu.Lock()
	defer m.mu.Unlock()
	chans := m.currentlyExecuted[key]
	delete(m.currentlyExecuted, key)

	if err != nil {
		for _, ch := range chans {
			ch <- result[T]{e: err}
			close(ch)
		}
		return
	}
	m.handler.Set(key, res)
	for _, ch := range chans {
		ch <- result[T]{v: res}
		close(ch)
	}
}

// Get returns the cached value for k, or waits for an in-flight (or newly
// triggered) fetch to complete.
func (m *Manager[T]) Get(ctx context.Context, k string) (T, error) { //nolint:ireturn
	if r, ok := m.handler.Get(k); ok {
		return r, nil
	}

	resChan := make(chan result[T], 1)
	m.taskQueue <- task[T]{key: k, res: resChan}
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case completed := <-resChan:
		return completed.v, completed.e
	}
}
