package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) *CommandQueue {
	t.Helper()
	cq := New(zerolog.Nop())
	t.Cleanup(func() { _ = cq.Close() })
	return cq
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := newQueue(t)

	executed := false
	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
	assert.Empty(t, cq.GetStats(), "idle lanes are dropped")
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := newQueue(t)

	expectedErr := errors.New("task failed")
	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return "partial", expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)
	assert.Equal(t, "partial", result, "value is returned alongside the error")
}

func TestCommandQueue_TaskPanic(t *testing.T) {
	cq := newQueue(t)

	_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The lane keeps working.
	v, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCommandQueue_SerialExecution(t *testing.T) {
	cq := newQueue(t)

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestCommandQueue_FIFOOrder(t *testing.T) {
	cq := newQueue(t)

	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) (interface{}, error) {
			close(blockerStarted)
			<-release
			return nil, nil
		})
	}()
	<-blockerStarted

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}(i)
		// Wait until task i is queued so enqueue order is deterministic.
		require.Eventually(t, func() bool { return cq.GetQueueSize("fifo") == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := newQueue(t)

	release := make(chan struct{})
	started := make(chan string, 2)
	var wg sync.WaitGroup
	for _, lane := range []string{"session:a", "session:b"} {
		wg.Add(1)
		go func(lane string) {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				started <- lane
				<-release
				return nil, nil
			})
		}(lane)
	}

	// Both lanes start without waiting for each other.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	assert.Equal(t, 1, cq.GetRunningCount("session:a"))
	assert.Equal(t, 1, cq.GetRunningCount("session:b"))

	close(release)
	wg.Wait()
}

func TestCommandQueue_CancelWhileQueued(t *testing.T) {
	cq := newQueue(t)

	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(blockerStarted)
			<-release
			return nil, nil
		})
	}()
	<-blockerStarted

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		})
		done <- err
	}()
	require.Eventually(t, func() bool { return cq.GetQueueSize("lane") == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled enqueue did not return")
	}
	assert.Equal(t, 0, cq.GetQueueSize("lane"))

	close(release)
	require.Eventually(t, func() bool { return cq.GetRunningCount("lane") == 0 }, time.Second, time.Millisecond)
	assert.False(t, ran.Load())
}

func TestCommandQueue_CancelWhileRunning(t *testing.T) {
	cq := newQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return "stopped", nil
		})
		done <- err
	}()
	<-started

	cancel()
	select {
	case err := <-done:
		// A running task decides its own result.
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("running task did not observe cancellation")
	}
}

func TestCommandQueue_SetConcurrency(t *testing.T) {
	cq := newQueue(t)
	cq.SetConcurrency("wide", 3)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "wide", func(ctx context.Context) (interface{}, error) {
				<-release
				return nil, nil
			})
		}()
	}

	require.Eventually(t, func() bool { return cq.GetRunningCount("wide") == 3 }, time.Second, time.Millisecond)
	stats := cq.GetStats()
	assert.Equal(t, 3, stats["wide"]["concurrency"])
	assert.Equal(t, 0, stats["wide"]["queued"])

	close(release)
	wg.Wait()
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(zerolog.Nop())

	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		defer close(blockerDone)
		_, _ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(blockerStarted)
			<-release
			return nil, nil
		})
	}()
	<-blockerStarted

	queued := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		queued <- err
	}()
	require.Eventually(t, func() bool { return cq.GetQueueSize("lane") == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = cq.Close()
		close(closed)
	}()

	assert.ErrorIs(t, <-queued, ErrClosed)

	// Close waits for the running task.
	select {
	case <-closed:
		t.Fatal("Close returned before the running task finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed
	<-blockerDone

	_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, cq.Close())
}
