package serialqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsInSubmissionOrder(t *testing.T) {
	queue := new(Queue)

	var lock sync.Mutex
	var order []int

	futures := make([]*Future[struct{}], 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		futures = append(futures, queue.Add(func() error {
			// Earlier operations sleep longer, so any overlap would reorder the results.
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			lock.Lock()
			defer lock.Unlock()
			order = append(order, i)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, future := range futures {
		_, err := future.Wait(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestQueue_NeverOverlaps(t *testing.T) {
	queue := new(Queue)

	running := 0
	var lock sync.Mutex
	overlapped := false

	var last *Future[struct{}]
	for i := 0; i < 20; i++ {
		last = queue.Add(func() error {
			lock.Lock()
			running++
			if running > 1 {
				overlapped = true
			}
			lock.Unlock()

			time.Sleep(time.Millisecond)

			lock.Lock()
			running--
			lock.Unlock()
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := last.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, overlapped, "operations overlapped")
}

func TestQueue_FailureDoesNotBreakChain(t *testing.T) {
	queue := new(Queue)
	boom := errors.New("boom")

	first := queue.Add(func() error { return boom })
	second := queue.Add(func() error { panic("panic in op") })
	third := Submit(queue, func() (string, error) { return "ok", nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := first.Wait(ctx)
	assert.ErrorIs(t, err, boom)

	_, err = second.Wait(ctx)
	assert.ErrorContains(t, err, "panic in op")

	value, err := third.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestQueue_Close(t *testing.T) {
	queue := new(Queue)

	release := make(chan struct{})
	started := make(chan struct{})

	running := queue.Add(func() error {
		close(started)
		<-release
		return nil
	})
	pending := queue.Add(func() error {
		t.Error("pending operation ran after close")
		return nil
	})

	<-started

	closeErr := make(chan error, 1)
	go func() {
		closeErr <- queue.Close(context.Background())
	}()

	// Close waits for the running operation.
	select {
	case <-closeErr:
		t.Fatal("close returned before running operation finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := running.Wait(ctx)
	assert.NoError(t, err)

	_, err = pending.Wait(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)

	assert.NoError(t, <-closeErr)

	_, err = queue.Add(func() error { return nil }).Wait(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestFuture_WaitCancelled(t *testing.T) {
	queue := new(Queue)
	release := make(chan struct{})
	defer close(release)

	future := queue.Add(func() error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := future.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
