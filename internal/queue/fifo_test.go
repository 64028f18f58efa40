package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_OrderThenFinished(t *testing.T) {
	ctx := context.Background()
	q := NewFIFO[string]()
	q.Push("a")
	q.Push("b")
	q.Push("c")
	q.MarkFinished()

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
	assert.True(t, q.Drained())
	assert.Equal(t, 0, q.Size())
}

func TestFIFO_PopBlocksUntilPush(t *testing.T) {
	q := NewFIFO[int]()
	got := make(chan int, 1)
	go func() {
		v, ok := q.Pop(context.Background())
		if ok {
			got <- v
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(7)

	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestFIFO_PopWakesOnFinish(t *testing.T) {
	q := NewFIFO[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.MarkFinished()
	q.MarkFinished()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake on finish")
	}
}

func TestFIFO_PopCancelled(t *testing.T) {
	q := NewFIFO[int]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake on cancel")
	}
	assert.False(t, q.Finished())
}

func TestFIFO_PushAfterFinishPanics(t *testing.T) {
	q := NewFIFO[int]()
	q.MarkFinished()
	assert.Panics(t, func() { q.Push(1) })
}

func TestFIFO_WaitSizeBelow(t *testing.T) {
	ctx := context.Background()
	q := NewFIFO[int]()
	q.Push(1)
	q.Push(2)

	released := make(chan struct{})
	go func() {
		_ = q.WaitSizeBelow(ctx, 2)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("wait returned while queue was full")
	case <-time.After(30 * time.Millisecond):
	}

	_, ok := q.TryPop()
	require.True(t, ok)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not wake on pop")
	}

	cctx, cancel := context.WithCancel(ctx)
	q.Push(3)
	cancel()
	assert.ErrorIs(t, q.WaitSizeBelow(cctx, 1), context.Canceled)
}

func TestFIFO_ConcurrentConsumers(t *testing.T) {
	ctx := context.Background()
	q := NewFIFO[int]()
	const n = 1000

	var mu sync.Mutex
	seen := make(map[int]bool, n)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := q.Pop(ctx)
				if !ok {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		q.Push(i)
	}
	q.MarkFinished()
	wg.Wait()

	assert.Len(t, seen, n)
	assert.True(t, q.Drained())
	assert.GreaterOrEqual(t, q.HighWater(), 1)
}
