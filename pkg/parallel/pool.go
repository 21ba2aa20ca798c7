// Package parallel runs provider calls on a bounded set of goroutines and
// lets a caller supervise them while they run.
package parallel

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxConcurrency bounds the number of provider calls in flight.
	DefaultMaxConcurrency = 50
	// DefaultRefreshPeriod is how often Supervise reports progress.
	DefaultRefreshPeriod = 20 * time.Second
)

// Task is a unit of work producing a value.
type Task[T any] func(ctx context.Context) (T, error)

// Future holds the outcome of a submitted task.
type Future[T any] struct {
	name  string
	done  chan struct{}
	value T
	err   error
}

// Name is the label given at submission.
func (f *Future[T]) Name() string {
	return f.name
}

// Done is closed once the task has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the task has finished and returns its outcome.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Pool is a bounded worker group. Tasks do not cancel each other: a failing
// task leaves its siblings running, and Wait collects all of them.
type Pool struct {
	sem   *semaphore.Weighted
	group errgroup.Group
}

// NewPool creates a pool running at most maxConcurrency tasks at once.
// If maxConcurrency <= 0, DefaultMaxConcurrency is used.
func NewPool(maxConcurrency int64) *Pool {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Pool{sem: semaphore.NewWeighted(maxConcurrency)}
}

// Submit schedules task on pool. The task waits for a free slot under ctx; a
// task still queued when ctx is done never runs and fails with ctx's error.
func Submit[T any](ctx context.Context, pool *Pool, name string, task Task[T]) *Future[T] {
	f := &Future[T]{name: name, done: make(chan struct{})}
	pool.group.Go(func() error {
		defer close(f.done)
		if err := pool.sem.Acquire(ctx, 1); err != nil {
			f.err = fmt.Errorf("%s was not started: %w", name, err)
			return f.err
		}
		defer pool.sem.Release(1)
		f.value, f.err = task(ctx)
		return f.err
	})
	return f
}

// Wait blocks until every submitted task has finished, or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		// task errors are reported through their futures
		_ = p.group.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress is reported by Supervise.
type Progress struct {
	Completed int
	Total     int
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d", p.Completed, p.Total)
}

// Supervise waits for futures, calling report every refresh period and once
// all have finished. It returns the error of the first future observed to
// fail, without waiting for the others, which keep running.
func Supervise[T any](ctx context.Context, futures []*Future[T], refresh time.Duration, report func(Progress)) error {
	total := len(futures)
	if refresh <= 0 {
		refresh = DefaultRefreshPeriod
	}
	if report == nil {
		report = func(Progress) {}
	}
	if total == 0 {
		report(Progress{})
		return nil
	}

	finished := make(chan *Future[T], total)
	for _, f := range futures {
		go func() {
			<-f.done
			finished <- f
		}()
	}

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	completed := 0
	for {
		select {
		case f := <-finished:
			completed++
			if f.err != nil {
				report(Progress{Completed: completed, Total: total})
				return f.err
			}
			if completed == total {
				report(Progress{Completed: completed, Total: total})
				return nil
			}
		case <-ticker.C:
			report(Progress{Completed: completed, Total: total})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
