package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func awaitHandle[T any](t *testing.T, h *Handle[T]) (T, error) {
	t.Helper()
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(5 * time.Second):
		t.Fatalf("handle did not settle")
		var zero T
		return zero, nil
	}
}

func TestSubmitRunsTask(t *testing.T) {
	q := New[int](1)
	h := q.Submit(context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	}, 0)
	got, err := awaitHandle(t, h)
	if err != nil || got != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", got, err)
	}
	if m := q.Metrics(); m.Completed != 1 {
		t.Fatalf("completed = %d, want 1", m.Completed)
	}
}

func TestMaxConcurrentNeverExceeded(t *testing.T) {
	const limit = 3
	q := New[struct{}](limit)

	var running, peak atomic.Int64
	release := make(chan struct{})
	var handles []*Handle[struct{}]
	for i := 0; i < 20; i++ {
		h := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return struct{}{}, nil
		}, 0)
		handles = append(handles, h)
	}

	// Give the drain loop a chance to (incorrectly) overshoot.
	time.Sleep(50 * time.Millisecond)
	close(release)
	for _, h := range handles {
		awaitHandle(t, h)
	}
	if p := peak.Load(); p > limit {
		t.Fatalf("peak concurrency %d exceeds limit %d", p, limit)
	}
}

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	q := New[struct{}](1)

	// Occupy the single slot so submissions below all backlog.
	gate := make(chan struct{})
	blocker := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		<-gate
		return struct{}{}, nil
	}, 0)

	var mu sync.Mutex
	var order []string
	record := func(name string) Func[struct{}] {
		return func(ctx context.Context) (struct{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return struct{}{}, nil
		}
	}

	var handles []*Handle[struct{}]
	handles = append(handles, q.Submit(context.Background(), record("low-a"), 10))
	handles = append(handles, q.Submit(context.Background(), record("high-a"), 1))
	handles = append(handles, q.Submit(context.Background(), record("low-b"), 10))
	handles = append(handles, q.Submit(context.Background(), record("high-b"), 1))

	close(gate)
	awaitHandle(t, blocker)
	for _, h := range handles {
		awaitHandle(t, h)
	}

	want := []string{"high-a", "high-b", "low-a", "low-b"}
	mu.Lock()
	defer mu.Unlock()
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestClearFailsOnlyBacklog(t *testing.T) {
	q := New[struct{}](1)

	started := make(chan struct{})
	gate := make(chan struct{})
	runningTask := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		close(started)
		<-gate
		return struct{}{}, nil
	}, 0)
	<-started

	var backlogged []*Handle[struct{}]
	for i := 0; i < 5; i++ {
		backlogged = append(backlogged, q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		}, 0))
	}

	q.Clear()
	for i, h := range backlogged {
		_, err := awaitHandle(t, h)
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("backlogged[%d] err = %v, want ErrCanceled", i, err)
		}
	}

	// The running task is unaffected by Clear.
	close(gate)
	if _, err := awaitHandle(t, runningTask); err != nil {
		t.Fatalf("running task err = %v, want nil", err)
	}
	if m := q.Metrics(); m.Canceled != 5 || m.Completed != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestFailureDoesNotStallQueue(t *testing.T) {
	q := New[int](1)
	boom := errors.New("rasterizer exploded")

	h1 := q.Submit(context.Background(), func(ctx context.Context) (int, error) {
		return 0, boom
	}, 0)
	h2 := q.Submit(context.Background(), func(ctx context.Context) (int, error) {
		return 7, nil
	}, 0)

	if _, err := awaitHandle(t, h1); !errors.Is(err, boom) {
		t.Fatalf("h1 err = %v, want %v", err, boom)
	}
	if got, err := awaitHandle(t, h2); err != nil || got != 7 {
		t.Fatalf("h2 = (%d, %v), want (7, nil)", got, err)
	}
	if m := q.Metrics(); m.Failed != 1 || m.Completed != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestCancelBackloggedTask(t *testing.T) {
	q := New[struct{}](1)

	gate := make(chan struct{})
	blocker := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		<-gate
		return struct{}{}, nil
	}, 0)

	victim := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		t.Error("canceled task must not run")
		return struct{}{}, nil
	}, 0)
	victim.Cancel()

	close(gate)
	awaitHandle(t, blocker)
	if _, err := awaitHandle(t, victim); !errors.Is(err, ErrCanceled) {
		t.Fatalf("victim err = %v, want ErrCanceled", err)
	}
}

func TestCancelRunningTask(t *testing.T) {
	q := New[struct{}](1)

	started := make(chan struct{})
	h := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		close(started)
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	}, 0)
	<-started
	h.Cancel()

	if _, err := awaitHandle(t, h); !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
}

func TestPauseResume(t *testing.T) {
	q := New[struct{}](1)
	q.Pause()

	ran := make(chan struct{})
	h := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		close(ran)
		return struct{}{}, nil
	}, 0)

	select {
	case <-ran:
		t.Fatalf("task ran while paused")
	case <-time.After(50 * time.Millisecond):
	}

	q.Resume()
	if _, err := awaitHandle(t, h); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestStopRejectsAndFailsBacklog(t *testing.T) {
	q := New[struct{}](1)

	gate := make(chan struct{})
	started := make(chan struct{})
	running := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		close(started)
		select {
		case <-gate:
			return struct{}{}, nil
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		}
	}, 0)
	<-started

	backlogged := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	}, 0)

	q.Stop()

	if _, err := awaitHandle(t, backlogged); !errors.Is(err, ErrStopped) {
		t.Fatalf("backlogged err = %v, want ErrStopped", err)
	}
	// Stop cancels the running task's context.
	if _, err := awaitHandle(t, running); !errors.Is(err, ErrCanceled) {
		t.Fatalf("running err = %v, want ErrCanceled", err)
	}

	rejected := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	}, 0)
	if _, err := awaitHandle(t, rejected); !errors.Is(err, ErrStopped) {
		t.Fatalf("post-stop err = %v, want ErrStopped", err)
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	q := New[struct{}](1)
	gate := make(chan struct{})
	defer close(gate)
	h := q.Submit(context.Background(), func(ctx context.Context) (struct{}, error) {
		<-gate
		return struct{}{}, nil
	}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
