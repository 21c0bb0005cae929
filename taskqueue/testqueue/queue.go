// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testqueue implements an in-memory taskqueue.Queue for tests.
package testqueue

import (
	"context"
	"sync"

	"storj.io/refrepo/taskqueue"
)

// Queue implements taskqueue.Queue in memory. Tasks are collected and
// either drained manually by tests or consumed by Run.
type Queue struct {
	mu    sync.Mutex
	tasks []taskqueue.Task
	ready chan struct{}
}

// New creates an empty in-memory queue.
func New() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Enqueue adds a task.
func (queue *Queue) Enqueue(ctx context.Context, task taskqueue.Task) error {
	queue.mu.Lock()
	queue.tasks = append(queue.tasks, task)
	queue.mu.Unlock()
	select {
	case queue.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest task, if any.
func (queue *Queue) Pop() (taskqueue.Task, bool) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.tasks) == 0 {
		return taskqueue.Task{}, false
	}
	task := queue.tasks[0]
	queue.tasks = queue.tasks[1:]
	return task, true
}

// Len returns the number of queued tasks.
func (queue *Queue) Len() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return len(queue.tasks)
}

// Drain processes every queued task with the handler, including tasks
// enqueued by the handler itself.
func (queue *Queue) Drain(ctx context.Context, handler taskqueue.Handler) error {
	for {
		task, ok := queue.Pop()
		if !ok {
			return nil
		}
		if err := handler(ctx, task); err != nil {
			return err
		}
	}
}

// Run consumes tasks until the context is cancelled.
func (queue *Queue) Run(ctx context.Context, handler taskqueue.Handler) error {
	for {
		task, ok := queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-queue.ready:
				continue
			}
		}
		if err := handler(ctx, task); err != nil {
			return err
		}
	}
}
