// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of crawl work. Tasks report their own failures through the
// pending queues and telemetry, so the pool does not collect errors.
type Task func(ctx context.Context)

// taskList is a mutex-guarded stack of tasks. Popping the most recently
// pushed task first keeps related work together: revision fetches enqueued
// while scanning a page run before the crawler moves to the next page, which
// keeps the server-side caches warm.
type taskList struct {
	mu    sync.Mutex
	tasks []Task
}

func (l *taskList) Push(t Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, t)
}

func (l *taskList) Pop() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	t := l.tasks[len(l.tasks)-1]
	l.tasks = l.tasks[:len(l.tasks)-1]
	return t, true
}

func (l *taskList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// workerPool runs tasks on a bounded number of goroutines. MaxJobs caps the
// concurrency of every Run call regardless of what the caller asks for; zero
// means no cap. Delay is slept after each finished task.
type workerPool struct {
	MaxJobs int
	Delay   time.Duration
}

// Run drains list with up to parallel workers and returns once the list is
// empty or ctx is cancelled. Tasks may push further tasks onto the list while
// running; a worker only exits when it observes an empty list.
func (p *workerPool) Run(ctx context.Context, list *taskList, parallel int) error {
	if p.MaxJobs > 0 && parallel > p.MaxJobs {
		parallel = p.MaxJobs
	}
	if parallel < 1 {
		parallel = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < parallel; i++ {
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				task, ok := list.Pop()
				if !ok {
					return nil
				}
				task(ctx)
				if p.Delay > 0 {
					select {
					case <-time.After(p.Delay):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		})
	}
	return g.Wait()
}

// RunTasks is a convenience wrapper that drains a fixed batch.
func (p *workerPool) RunTasks(ctx context.Context, tasks []Task, parallel int) error {
	list := &taskList{}
	for _, t := range tasks {
		list.Push(t)
	}
	return p.Run(ctx, list, parallel)
}
