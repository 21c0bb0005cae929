// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package redisqueue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/refrepo/taskqueue"
	"storj.io/refrepo/taskqueue/redisqueue"
)

func newQueue(t *testing.T) *redisqueue.Queue {
	server := miniredis.RunT(t)
	queue, err := redisqueue.New(zaptest.NewLogger(t), redisqueue.Config{
		Address: server.Addr(),
		Key:     "test:tasks",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, queue.Close()) })
	return queue
}

func TestQueueDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue := newQueue(t)

	first, err := taskqueue.NewTask(taskqueue.KindImportBatch,
		taskqueue.ImportBatchPayload{BatchID: uuid.New()})
	require.NoError(t, err)
	second, err := taskqueue.NewTask(taskqueue.KindDuplicateDecision,
		taskqueue.DuplicateDecisionPayload{ReferenceID: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(ctx, first))
	require.NoError(t, queue.Enqueue(ctx, second))

	var mu sync.Mutex
	var kinds []string
	runErr := make(chan error, 1)
	go func() {
		runErr <- queue.Run(ctx, func(ctx context.Context, task taskqueue.Task) error {
			mu.Lock()
			defer mu.Unlock()
			kinds = append(kinds, task.Kind)
			if len(kinds) == 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-runErr:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(10 * time.Second):
		t.Fatal("queue did not deliver both tasks")
	}
	require.Equal(t, []string{taskqueue.KindImportBatch, taskqueue.KindDuplicateDecision}, kinds)
}

func TestQueueSurvivesHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue := newQueue(t)

	for i := 0; i < 2; i++ {
		task, err := taskqueue.NewTask(taskqueue.KindImportBatch,
			taskqueue.ImportBatchPayload{BatchID: uuid.New()})
		require.NoError(t, err)
		require.NoError(t, queue.Enqueue(ctx, task))
	}

	// The first handler error is logged, not fatal: the loop still
	// reaches the second task.
	calls := 0
	runErr := make(chan error, 1)
	go func() {
		runErr <- queue.Run(ctx, func(ctx context.Context, task taskqueue.Task) error {
			calls++
			if calls == 1 {
				return errors.New("transient failure")
			}
			cancel()
			return nil
		})
	}()

	select {
	case err := <-runErr:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(10 * time.Second):
		t.Fatal("queue stopped after handler error")
	}
	require.Equal(t, 2, calls)
}
