// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redisqueue implements taskqueue.Queue on a redis list.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/taskqueue"
)

var (
	mon = monkit.Package()

	// Error is the default redisqueue errs class.
	Error = errs.Class("redisqueue")
)

// Config holds the redis queue options.
type Config struct {
	Address  string `help:"redis address host:port" default:"localhost:6379"`
	Password string `help:"redis password" default:""`
	DB       int    `help:"redis database number" default:"0"`
	Key      string `help:"redis list key holding pending tasks" default:"refrepo:tasks"`
}

// Queue implements taskqueue.Queue using LPUSH/BRPOP on a single list.
// Delivery is at-least-once: a task popped by a crashed worker is lost
// from redis but re-enqueued by the caller's retry policy upstream.
type Queue struct {
	log    *zap.Logger
	client *redis.Client
	key    string
}

// New connects to redis and creates a Queue.
func New(log *zap.Logger, config Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Queue{log: log, client: client, key: config.Key}, nil
}

// Enqueue adds a task for later processing.
func (queue *Queue) Enqueue(ctx context.Context, task taskqueue.Task) (err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := json.Marshal(task)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := queue.client.LPush(ctx, queue.key, raw).Err(); err != nil {
		return Error.Wrap(err)
	}
	mon.Meter("task_enqueued").Mark(1)
	return nil
}

// Run consumes tasks until the context is cancelled. Handler errors
// are logged and do not stop the loop.
func (queue *Queue) Run(ctx context.Context, handler taskqueue.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := queue.client.BRPop(ctx, time.Second, queue.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			queue.log.Error("queue pop failed", zap.Error(Error.Wrap(err)))
			continue
		}
		if len(result) < 2 {
			continue
		}

		var task taskqueue.Task
		if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
			queue.log.Error("dropping undecodable task", zap.Error(Error.Wrap(err)))
			continue
		}

		if err := handler(ctx, task); err != nil {
			queue.log.Error("task failed",
				zap.String("kind", task.Kind),
				zap.String("trace_id", task.TraceID),
				zap.Error(err))
		}
	}
}

// Close releases the redis client.
func (queue *Queue) Close() error {
	return Error.Wrap(queue.client.Close())
}
