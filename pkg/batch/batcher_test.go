package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches [][]int
}

func (c *collector) process(ctx context.Context, items []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, items)
	return nil
}

func (c *collector) flat() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func TestBatcher_FlushesOnSize(t *testing.T) {
	c := &collector{}
	b := NewBatcher[int](3, time.Hour, 0, c.process, nil)
	defer b.Stop()

	for i := 1; i <= 3; i++ {
		assert.True(t, b.Add(i))
	}

	require.Eventually(t, func() bool { return len(c.flat()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, c.flat())
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	c := &collector{}
	b := NewBatcher[int](100, 10*time.Millisecond, 0, c.process, nil)
	defer b.Stop()

	b.Add(7)
	require.Eventually(t, func() bool { return len(c.flat()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatcher_StopFlushesPending(t *testing.T) {
	c := &collector{}
	b := NewBatcher[int](100, time.Hour, 0, c.process, nil)

	b.Add(1)
	b.Add(2)
	b.Stop()

	assert.Equal(t, []int{1, 2}, c.flat())

	// Nothing is left for a second stop.
	b.Stop()
	assert.Equal(t, []int{1, 2}, c.flat())
}

func TestBatcher_DropsWhenFull(t *testing.T) {
	c := &collector{}
	b := NewBatcher[int](100, time.Hour, 2, c.process, nil)

	assert.True(t, b.Add(1))
	assert.True(t, b.Add(2))
	assert.False(t, b.Add(3))

	b.Stop()
	assert.Equal(t, []int{1, 2}, c.flat())
}

func TestBatcher_ReportsErrors(t *testing.T) {
	errCh := make(chan error, 1)
	b := NewBatcher[int](1, time.Hour, 0, func(ctx context.Context, items []int) error {
		return errors.New("publish failed")
	}, func(err error) { errCh <- err })
	defer b.Stop()

	b.Add(1)
	select {
	case err := <-errCh:
		assert.EqualError(t, err, "publish failed")
	case <-time.After(time.Second):
		t.Fatal("error was not reported")
	}
}
