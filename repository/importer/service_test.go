// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package importer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/refrepo/repository/importer"
	"storj.io/refrepo/repository/imports"
	"storj.io/refrepo/repository/repositorydb/testdb"
	"storj.io/refrepo/taskqueue/testqueue"
)

func TestCreateRecord(t *testing.T) {
	ctx := context.Background()
	service := importer.NewService(zaptest.NewLogger(t), testdb.New(), testqueue.New())

	record, err := service.CreateRecord(ctx, "hand import", 10)
	require.NoError(t, err)
	require.Equal(t, imports.RecordCreated, record.Status)
	require.Equal(t, 10, record.ExpectedReferenceCount)

	record, err = service.CreateRecord(ctx, "unsized", -5)
	require.NoError(t, err)
	require.Equal(t, imports.UnknownReferenceCount, record.ExpectedReferenceCount)
}

func TestRegisterBatchCollisionFail(t *testing.T) {
	ctx := context.Background()
	db := testdb.New()
	queue := testqueue.New()
	service := importer.NewService(zaptest.NewLogger(t), db, queue)

	record, err := service.CreateRecord(ctx, "test", imports.UnknownReferenceCount)
	require.NoError(t, err)

	_, err = service.RegisterBatch(ctx, record.ID, "https://files/batch.jsonl", "", imports.CollisionFail)
	require.NoError(t, err)
	require.Equal(t, 1, queue.Len())

	_, err = service.RegisterBatch(ctx, record.ID, "https://files/batch.jsonl", "", imports.CollisionFail)
	require.True(t, imports.ErrBatchExists.Has(err))
	require.Equal(t, 1, queue.Len())
}

func TestRegisterBatchCollisionOverwrite(t *testing.T) {
	ctx := context.Background()
	db := testdb.New()
	queue := testqueue.New()
	service := importer.NewService(zaptest.NewLogger(t), db, queue)

	record, err := service.CreateRecord(ctx, "test", imports.UnknownReferenceCount)
	require.NoError(t, err)

	first, err := service.RegisterBatch(ctx, record.ID, "https://files/batch.jsonl", "", imports.CollisionOverwrite)
	require.NoError(t, err)
	second, err := service.RegisterBatch(ctx, record.ID, "https://files/batch.jsonl", "", imports.CollisionOverwrite)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// The prior batch and its results are discarded.
	batches, err := db.Imports().ListBatches(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, second.ID, batches[0].ID)
	require.Equal(t, 2, queue.Len())
}

func TestCancelRecord(t *testing.T) {
	ctx := context.Background()
	db := testdb.New()
	service := importer.NewService(zaptest.NewLogger(t), db, testqueue.New())

	record, err := service.CreateRecord(ctx, "test", imports.UnknownReferenceCount)
	require.NoError(t, err)
	batch, err := service.RegisterBatch(ctx, record.ID, "https://files/batch.jsonl", "", imports.CollisionFail)
	require.NoError(t, err)

	require.NoError(t, service.CancelRecord(ctx, record.ID))

	cancelled, err := db.Imports().GetRecord(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, imports.RecordCancelled, cancelled.Status)

	stored, err := db.Imports().GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, imports.BatchCancelled, stored.Status)

	// No new batches on a cancelled record.
	_, err = service.RegisterBatch(ctx, record.ID, "https://files/other.jsonl", "", imports.CollisionFail)
	require.Error(t, err)
}
