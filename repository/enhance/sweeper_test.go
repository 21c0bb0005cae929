// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package enhance_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/repositorydb/testdb"
)

func liveRetries(ctx context.Context, t *testing.T, work enhance.DB, requestID uuid.UUID) []enhance.PendingEnhancement {
	t.Helper()
	pendings, err := work.ListForRequest(ctx, requestID)
	require.NoError(t, err)
	var retries []enhance.PendingEnhancement
	for _, pending := range pendings {
		if pending.Status == enhance.StatusPending && pending.RetryOf != nil {
			retries = append(retries, pending)
		}
	}
	return retries
}

func TestSweepReissuesExpiredWork(t *testing.T) {
	ctx := context.Background()
	db := testdb.New()
	work := db.Enhancements()
	sweeper := enhance.NewSweeper(zaptest.NewLogger(t), work, time.Minute)

	robotID, referenceID, requestID := uuid.New(), uuid.New(), uuid.New()
	pending := &enhance.PendingEnhancement{
		ReferenceID: referenceID,
		RobotID:     robotID,
		RequestID:   &requestID,
		Status:      enhance.StatusPending,
		Source:      "test",
	}
	require.NoError(t, work.CreatePending(ctx, pending))

	leased, err := work.Lease(ctx, robotID, uuid.New(), 10, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, sweeper.Sweep(ctx))

	expired, err := work.GetPending(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, enhance.StatusExpired, expired.Status)

	// The retry is fresh pending work linked to what it reissues.
	retries := liveRetries(ctx, t, work, requestID)
	require.Len(t, retries, 1)
	require.Equal(t, referenceID, retries[0].ReferenceID)
	require.Equal(t, pending.ID, *retries[0].RetryOf)
	require.Nil(t, retries[0].BatchID)
}

func TestSweepSkipsHeldLeases(t *testing.T) {
	ctx := context.Background()
	db := testdb.New()
	work := db.Enhancements()
	sweeper := enhance.NewSweeper(zaptest.NewLogger(t), work, time.Minute)

	robotID := uuid.New()
	pending := &enhance.PendingEnhancement{
		ReferenceID: uuid.New(),
		RobotID:     robotID,
		Status:      enhance.StatusPending,
		Source:      "test",
	}
	require.NoError(t, work.CreatePending(ctx, pending))

	_, err := work.Lease(ctx, robotID, uuid.New(), 10, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, sweeper.Sweep(ctx))
	held, err := work.GetPending(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, enhance.StatusProcessing, held.Status)
}

func TestSweepStopsAtRetryBudget(t *testing.T) {
	ctx := context.Background()
	db := testdb.New()
	work := db.Enhancements()
	sweeper := enhance.NewSweeper(zaptest.NewLogger(t), work, time.Minute)

	robotID, requestID := uuid.New(), uuid.New()
	require.NoError(t, work.CreatePending(ctx, &enhance.PendingEnhancement{
		ReferenceID: uuid.New(),
		RobotID:     robotID,
		RequestID:   &requestID,
		Status:      enhance.StatusPending,
		Source:      "test",
	}))

	// Each round leases the one live pending with an already-lapsed
	// deadline and sweeps. The first MaxRetryDepth sweeps reissue; the
	// next one exhausts the budget.
	for round := 0; round < enhance.MaxRetryDepth; round++ {
		leased, err := work.Lease(ctx, robotID, uuid.New(), 10, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, leased, 1)
		require.NoError(t, sweeper.Sweep(ctx))
		require.Len(t, liveRetries(ctx, t, work, requestID), 1, "round %d", round)
	}

	leased, err := work.Lease(ctx, robotID, uuid.New(), 10, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, sweeper.Sweep(ctx))
	require.Empty(t, liveRetries(ctx, t, work, requestID))

	pendings, err := work.ListForRequest(ctx, requestID)
	require.NoError(t, err)
	for _, pending := range pendings {
		require.Equal(t, enhance.StatusExpired, pending.Status)
	}
}
