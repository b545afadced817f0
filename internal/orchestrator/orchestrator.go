// Package orchestrator is the Job Orchestrator (C15): runs a Job's
// independent Tasks across a bounded worker pool, dispatching FIFO
// while leaving completion order unconstrained, and reports progress
// through an events.Bus. Generalized from internal/utils.WorkerPool's
// channel-plus-waitgroup shape into an index-claiming dispatch loop so
// dispatch order, skip-existing, and per-task state are all visible to
// the caller.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/events"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
)

// State is one of a Task's lifecycle states.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateOK        State = "ok"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Result is what one Task's Run function produces on success.
type Result struct {
	OutputPath string
	DurationS  float64
	SizeBytes  int64
}

// RunFunc does one Task's work (probe -> normalize -> encode -> mux,
// or whatever stage sequence the caller composed); stage order within
// a single Task is the caller's responsibility, not the Orchestrator's.
type RunFunc func(ctx context.Context) (Result, error)

// Task is one independent unit of work within a Job.
type Task struct {
	ID string
	// CanonicalOutput, if non-empty and already present on disk before
	// dispatch, causes the task to be skipped and reported ok without
	// running Fn.
	CanonicalOutput string
	Fn              RunFunc

	mu    sync.Mutex
	state State
}

// State returns the Task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Job groups Tasks that run together under one phase label and report
// to one event bus.
type Job struct {
	ID    string
	Phase string
	Tasks []*Task
	Bus   *events.Bus
}

// Summary is a Job's terminal outcome.
type Summary struct {
	Total int
	OK    int
	Failed int
	Cancelled int
}

// Orchestrator dispatches a Job's Tasks across a fixed-size worker pool.
type Orchestrator struct {
	workers   int
	cancelled atomic.Bool
}

// New builds an Orchestrator with the given worker count (clamped to >= 1).
func New(workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{workers: workers}
}

// Cancel stops the Orchestrator from dispatching any Task not already
// running. In-flight tasks keep running to completion — to also
// terminate their child processes, cancel the ctx passed to Run, which
// propagates into each RunFunc (and, through it, into exec.Gateway's
// own SIGTERM/grace/SIGKILL sequence).
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

// Run dispatches job.Tasks across the worker pool and blocks until
// every task reaches a terminal state, publishing phase/progress/row/
// error/finished events to job.Bus as it goes.
func (o *Orchestrator) Run(ctx context.Context, job Job) Summary {
	if job.Bus != nil && job.Phase != "" {
		job.Bus.Publish(events.Event{
			Type:  events.EventPhase,
			JobID: job.ID,
			Data:  events.PhaseData{Name: job.Phase},
		})
	}

	total := len(job.Tasks)
	var progress progressCounter
	var ok, failed, cancelled int32
	var nextIdx int64 = -1

	var wg sync.WaitGroup
	for w := 0; w < o.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if o.cancelled.Load() {
					return
				}
				i := atomic.AddInt64(&nextIdx, 1)
				if i >= int64(total) {
					return
				}
				task := job.Tasks[i]
				o.runOne(ctx, job, task, &progress, &ok, &failed, &cancelled, total)
			}
		}()
	}
	wg.Wait()

	// Tasks never dispatched because of Cancel end as cancelled.
	for _, t := range job.Tasks {
		if s := t.State(); s == "" || s == StateQueued {
			t.setState(StateCancelled)
			cancelled++
		}
	}

	if job.Bus != nil {
		job.Bus.Publish(events.Event{
			Type:  events.EventFinished,
			JobID: job.ID,
			Data:  events.FinishedData{NOK: int(ok)},
		})
	}

	return Summary{Total: total, OK: int(ok), Failed: int(failed), Cancelled: int(cancelled)}
}

func (o *Orchestrator) runOne(ctx context.Context, job Job, task *Task, progress *progressCounter, ok, failed, cancelled *int32, total int) {
	task.setState(StateRunning)

	if task.CanonicalOutput != "" {
		if info, err := os.Stat(task.CanonicalOutput); err == nil && info.Size() > 0 {
			task.setState(StateOK)
			atomic.AddInt32(ok, 1)
			o.publishRow(job, Result{OutputPath: task.CanonicalOutput, SizeBytes: info.Size()})
			o.publishProgress(job, progress, total)
			return
		}
	}

	select {
	case <-ctx.Done():
		task.setState(StateCancelled)
		atomic.AddInt32(cancelled, 1)
		o.publishProgress(job, progress, total)
		return
	default:
	}

	res, err := task.Fn(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			task.setState(StateCancelled)
			atomic.AddInt32(cancelled, 1)
		} else {
			task.setState(StateFailed)
			atomic.AddInt32(failed, 1)
			o.publishError(job, task.ID, err)
		}
		o.publishProgress(job, progress, total)
		return
	}

	task.setState(StateOK)
	atomic.AddInt32(ok, 1)
	o.publishRow(job, res)
	o.publishProgress(job, progress, total)
}

// progressCounter pairs the done-count with a mutex so that bumping the
// count and publishing the resulting progress event happen as one
// atomic step. Workers contend for the same lock, so the sequence of
// published Done values is exactly the sequence of increments — two
// concurrent workers can never publish their events out of order.
type progressCounter struct {
	mu   sync.Mutex
	done int32
}

func (o *Orchestrator) publishProgress(job Job, progress *progressCounter, total int) {
	progress.mu.Lock()
	defer progress.mu.Unlock()
	progress.done++
	d := progress.done
	if job.Bus == nil {
		return
	}
	job.Bus.Publish(events.Event{
		Type:  events.EventProgress,
		JobID: job.ID,
		Data:  events.ProgressData{Done: int(d), Total: total},
	})
}

func (o *Orchestrator) publishRow(job Job, res Result) {
	if job.Bus == nil {
		return
	}
	job.Bus.Publish(events.Event{
		Type:  events.EventRow,
		JobID: job.ID,
		Data:  events.RowData{Path: res.OutputPath, DurationS: res.DurationS, SizeBytes: res.SizeBytes},
	})
}

func (o *Orchestrator) publishError(job Job, taskID string, err error) {
	if job.Bus == nil {
		return
	}
	kind := "UNKNOWN"
	var perrErr *perr.Error
	if errors.As(err, &perrErr) {
		kind = string(perrErr.KindOf())
	}
	job.Bus.Publish(events.Event{
		Type:  events.EventError,
		JobID: job.ID,
		Data:  events.ErrorData{Kind: kind, Message: taskID + ": " + err.Error()},
	})
}
