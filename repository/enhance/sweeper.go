// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package enhance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/refrepo/internal/sync2"
)

// Sweeper is a chore that expires lapsed leases and reissues retries.
//
// architecture: Chore
type Sweeper struct {
	log  *zap.Logger
	work DB

	Loop *sync2.Cycle
}

// NewSweeper creates the lease expiry sweeper.
func NewSweeper(log *zap.Logger, work DB, interval time.Duration) *Sweeper {
	return &Sweeper{
		log:  log,
		work: work,
		Loop: sync2.NewCycle(interval),
	}
}

// Run runs the sweeper until the context is canceled.
func (sweeper *Sweeper) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return sweeper.Loop.Run(ctx, sweeper.Sweep)
}

// Close stops the sweeper loop.
func (sweeper *Sweeper) Close() error {
	sweeper.Loop.Close()
	return nil
}

// Sweep runs one expiry pass: overdue processing work moves to expired
// and, while the retry budget lasts, is reissued as fresh pending work.
func (sweeper *Sweeper) Sweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	expired, err := sweeper.work.ExpireStale(ctx, time.Now())
	if err != nil {
		return Error.Wrap(err)
	}
	if len(expired) == 0 {
		return nil
	}

	retried := 0
	for _, pending := range expired {
		depth, err := sweeper.work.RetryDepth(ctx, pending.ID)
		if err != nil {
			return Error.Wrap(err)
		}
		if depth >= MaxRetryDepth {
			sweeper.log.Warn("retry budget exhausted",
				zap.Stringer("pending_id", pending.ID),
				zap.Stringer("reference_id", pending.ReferenceID),
				zap.Stringer("robot_id", pending.RobotID))
			continue
		}

		retryOf := pending.ID
		retry := &PendingEnhancement{
			ReferenceID: pending.ReferenceID,
			RobotID:     pending.RobotID,
			RequestID:   pending.RequestID,
			Status:      StatusPending,
			Source:      pending.Source,
			RetryOf:     &retryOf,
		}
		if err := sweeper.work.CreatePending(ctx, retry); err != nil {
			return Error.Wrap(err)
		}
		retried++
	}

	sweeper.log.Info("lease sweep finished",
		zap.Int("expired", len(expired)),
		zap.Int("retried", retried))
	return nil
}
