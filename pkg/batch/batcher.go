package batch

import (
	"context"
	"sync"
	"time"
)

// ProcessFunc handles one flushed batch.
type ProcessFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items and hands them to a ProcessFunc either when
// batchSize items are pending or every batchInterval, whichever is first.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	maxPending    int

	mu      sync.Mutex
	pending []T
	flushMu sync.Mutex

	flushChan chan struct{}
	stopChan  chan struct{}
	doneChan  chan struct{}
	stopOnce  sync.Once

	process ProcessFunc[T]
	onError func(error)
}

// NewBatcher starts a batcher. When maxPending items are already queued
// Add drops the new item and returns false. maxPending <= 0 means unbounded.
func NewBatcher[T any](batchSize int, batchInterval time.Duration, maxPending int, process ProcessFunc[T], onError func(error)) *Batcher[T] {
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		maxPending:    maxPending,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
		process:       process,
		onError:       onError,
	}

	go b.run()

	return b
}

// Add queues an item without blocking.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}

	return true
}

// flush hands every pending item to the ProcessFunc.
func (b *Batcher[T]) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	b.mu.Unlock()

	return b.process(ctx, items)
}

func (b *Batcher[T]) run() {
	defer close(b.doneChan)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushAndReport()
		case <-b.flushChan:
			b.flushAndReport()
		case <-b.stopChan:
			b.flushAndReport()
			return
		}
	}
}

func (b *Batcher[T]) flushAndReport() {
	if err := b.flush(context.Background()); err != nil && b.onError != nil {
		b.onError(err)
	}
}

// Stop flushes what is pending and waits for the worker to exit.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	<-b.doneChan
}
