package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()

	l := New(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return l
}

func TestTasksRunInPostOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestTasksNeverOverlap(t *testing.T) {
	l := startLoop(t)

	var (
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Post(func() {
					running++
					if running > maxSeen {
						maxSeen = running
					}
					time.Sleep(10 * time.Microsecond)
					running--
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Do(context.Background(), func() {}))

	assert.Equal(t, 1, maxSeen)
}

func TestPostFromTaskRunsAfterCurrentTask(t *testing.T) {
	l := startLoop(t)

	var got []string
	require.NoError(t, l.Do(context.Background(), func() {
		l.Post(func() { got = append(got, "inner") })
		got = append(got, "outer")
	}))
	require.NoError(t, l.Do(context.Background(), func() {}))

	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestDeferPostsContinuation(t *testing.T) {
	l := startLoop(t)

	results := make(chan string, 1)
	Defer(l, context.Background(), func(context.Context) (string, error) {
		return "", errors.New("permission denied")
	}, func(_ string, err error) {
		results <- err.Error()
	})

	select {
	case got := <-results:
		assert.Equal(t, "permission denied", got)
	case <-time.After(time.Second):
		t.Fatal("continuation did not run")
	}
}

func TestPanickingTaskDoesNotStopLoop(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))

	assert.True(t, ran)
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.Run(ctx), context.Canceled)

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, New(slog.Default()).Do(ctx, func() {}), context.DeadlineExceeded)
}
