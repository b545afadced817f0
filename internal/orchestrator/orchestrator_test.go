package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/events"
)

func TestRunDispatchesAllTasksAndReportsOK(t *testing.T) {
	var calls int32
	tasks := make([]*Task, 5)
	for i := range tasks {
		tasks[i] = &Task{ID: "t", Fn: func(ctx context.Context) (Result, error) {
			atomic.AddInt32(&calls, 1)
			return Result{OutputPath: "out"}, nil
		}}
	}
	bus := events.NewBus()
	sub := bus.Subscribe()

	o := New(2)
	summary := o.Run(context.Background(), Job{ID: "job1", Phase: "normalize", Tasks: tasks, Bus: bus})

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.OK)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))

	var sawFinished, sawPhase bool
	var maxDone int
	drain:
	for {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.EventFinished:
				sawFinished = true
			case events.EventPhase:
				sawPhase = true
			case events.EventProgress:
				if p, ok := ev.Data.(events.ProgressData); ok && p.Done > maxDone {
					maxDone = p.Done
				}
			}
		default:
			break drain
		}
	}
	assert.True(t, sawFinished)
	assert.True(t, sawPhase)
	assert.Equal(t, 5, maxDone)
}

func TestRunIsolatesPartialFailures(t *testing.T) {
	tasks := []*Task{
		{ID: "ok1", Fn: func(ctx context.Context) (Result, error) { return Result{}, nil }},
		{ID: "bad", Fn: func(ctx context.Context) (Result, error) { return Result{}, errors.New("boom") }},
		{ID: "ok2", Fn: func(ctx context.Context) (Result, error) { return Result{}, nil }},
	}
	o := New(1)
	summary := o.Run(context.Background(), Job{ID: "job2", Tasks: tasks})
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.OK)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunSkipsExistingCanonicalOutput(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "out.mp4")
	require.NoError(t, os.WriteFile(existing, []byte("data"), 0o644))

	var called bool
	tasks := []*Task{
		{ID: "skip", CanonicalOutput: existing, Fn: func(ctx context.Context) (Result, error) {
			called = true
			return Result{}, nil
		}},
	}
	o := New(1)
	summary := o.Run(context.Background(), Job{Tasks: tasks})
	assert.False(t, called, "task with existing canonical output must not run Fn")
	assert.Equal(t, 1, summary.OK)
	assert.Equal(t, StateOK, tasks[0].State())
}

func TestCancelStopsFurtherDispatch(t *testing.T) {
	var started int32
	o := New(1)
	tasks := make([]*Task, 10)
	for i := range tasks {
		tasks[i] = &Task{ID: "t", Fn: func(ctx context.Context) (Result, error) {
			atomic.AddInt32(&started, 1)
			o.Cancel()
			return Result{}, nil
		}}
	}
	o.Run(context.Background(), Job{Tasks: tasks})
	assert.Equal(t, int32(1), atomic.LoadInt32(&started), "single worker must stop dispatching once cancelled")
}

func TestRunRespectsAlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var called bool
	tasks := []*Task{{ID: "t", Fn: func(ctx context.Context) (Result, error) {
		called = true
		return Result{}, nil
	}}}
	o := New(1)
	summary := o.Run(ctx, Job{Tasks: tasks})
	assert.False(t, called)
	assert.Equal(t, 1, summary.Cancelled)
}

// TestProgressIsMonotonicNonDecreasing exercises Run end to end with
// varying (not uniform) per-task delays, so tasks dispatched later can
// still finish first and race each other into publishProgress. Every
// task publishes exactly one progress event, so the full sequence of
// Done values received must be exactly 1..total with no gaps, repeats,
// or inversions — a strictly increasing run, not just non-decreasing.
func TestProgressIsMonotonicNonDecreasing(t *testing.T) {
	const total = 24
	tasks := make([]*Task, total)
	for i := range tasks {
		delay := time.Duration(total-i%7) * time.Microsecond
		tasks[i] = &Task{ID: "t", Fn: func(ctx context.Context) (Result, error) {
			time.Sleep(delay)
			return Result{}, nil
		}}
	}
	bus := events.NewBus()
	sub := bus.Subscribe()
	o := New(8)
	o.Run(context.Background(), Job{Tasks: tasks, Bus: bus})

	var dones []int
	for {
		select {
		case ev := <-sub:
			if p, ok := ev.Data.(events.ProgressData); ok {
				dones = append(dones, p.Done)
			}
		default:
			goto drained
		}
	}
drained:
	require.Len(t, dones, total)
	for i, d := range dones {
		require.Equal(t, i+1, d, "progress event %d out of order: %v", i, dones)
	}
}

// TestPublishProgressSerializesIncrementAndPublish drives publishProgress
// directly with heavy concurrency and no other work between the
// increment and the publish, maximizing scheduler interleaving on the
// exact race the mutex in progressCounter must close: one goroutine's
// increment landing on the counter while another goroutine's publish
// for an earlier increment hasn't gone out yet.
func TestPublishProgressSerializesIncrementAndPublish(t *testing.T) {
	const n = 500
	bus := events.NewBus()
	sub := bus.Subscribe()
	o := New(1)
	job := Job{ID: "stress", Bus: bus}
	var progress progressCounter

	// Bus.Publish never blocks a full subscriber channel, so drain
	// concurrently with the publishers rather than after — otherwise a
	// run of >64 events (the channel's buffer) would silently drop
	// events and the test would mistake loss for ordering.
	dones := make([]int, 0, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			ev := <-sub
			p, ok := ev.Data.(events.ProgressData)
			require.True(t, ok)
			dones = append(dones, p.Done)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			o.publishProgress(job, &progress, n)
		}()
	}
	wg.Wait()
	<-done

	for i, d := range dones {
		require.Equal(t, i+1, d, "progress event %d out of order: %v", i, dones)
	}
}
