// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package importer runs the import pipeline: batch registration, JSONL
// ingestion, deduplication hand-off and summary callbacks.
package importer

import (
	"context"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/repository"
	"storj.io/refrepo/repository/imports"
	"storj.io/refrepo/taskqueue"
)

var (
	// Error is the default importer errs class.
	Error = errs.Class("importer")

	mon = monkit.Package()
)

// Config holds import pipeline configuration.
type Config struct {
	CallbackRetries int `help:"transport retries for batch summary callbacks" default:"2"`
}

// Service registers import campaigns and their batches.
type Service struct {
	log   *zap.Logger
	db    repository.DB
	queue taskqueue.Queue
}

// NewService creates the import registration service.
func NewService(log *zap.Logger, db repository.DB, queue taskqueue.Queue) *Service {
	return &Service{log: log, db: db, queue: queue}
}

// CreateRecord opens a new import campaign.
func (service *Service) CreateRecord(ctx context.Context, source string, expectedReferenceCount int) (_ *imports.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if expectedReferenceCount < 0 {
		expectedReferenceCount = imports.UnknownReferenceCount
	}
	record := &imports.Record{
		Source:                 source,
		ExpectedReferenceCount: expectedReferenceCount,
		Status:                 imports.RecordCreated,
	}
	if err := service.db.Imports().CreateRecord(ctx, record); err != nil {
		return nil, Error.Wrap(err)
	}
	return record, nil
}

// RegisterBatch registers a JSONL file on a record and enqueues its
// processing. Re-registering a storage URL honors the collision
// strategy: fail rejects, overwrite discards the prior batch and its
// results.
func (service *Service) RegisterBatch(ctx context.Context, recordID uuid.UUID, storageURL, callbackURL string, strategy imports.CollisionStrategy) (_ *imports.Batch, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.db.Imports().GetRecord(ctx, recordID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if record.Status == imports.RecordCancelled {
		return nil, Error.New("record %s is cancelled", recordID)
	}

	batch := &imports.Batch{
		RecordID:          recordID,
		StorageURL:        storageURL,
		CallbackURL:       callbackURL,
		CollisionStrategy: strategy,
		Status:            imports.BatchCreated,
	}
	err = service.db.Imports().CreateBatch(ctx, batch)
	if imports.ErrBatchExists.Has(err) && strategy == imports.CollisionOverwrite {
		if err := service.replaceBatch(ctx, batch); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, Error.Wrap(err)
	}

	task, err := taskqueue.NewTask(taskqueue.KindImportBatch, taskqueue.ImportBatchPayload{BatchID: batch.ID})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := service.queue.Enqueue(ctx, task); err != nil {
		return nil, Error.Wrap(err)
	}

	service.log.Info("import batch registered",
		zap.Stringer("batch_id", batch.ID),
		zap.Stringer("record_id", recordID),
		zap.String("storage_url", storageURL))
	return batch, nil
}

func (service *Service) replaceBatch(ctx context.Context, batch *imports.Batch) error {
	existing, err := service.db.Imports().ListBatches(ctx, batch.RecordID)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, candidate := range existing {
		if candidate.StorageURL == batch.StorageURL {
			if err := service.db.Imports().DeleteBatch(ctx, candidate.ID); err != nil {
				return Error.Wrap(err)
			}
		}
	}
	batch.ID = uuid.Nil
	return Error.Wrap(service.db.Imports().CreateBatch(ctx, batch))
}

// CancelRecord cancels a campaign; in-flight entries may still commit,
// but the orchestrator starts no new entries after observing it.
func (service *Service) CancelRecord(ctx context.Context, recordID uuid.UUID) error {
	if err := service.db.Imports().UpdateRecordStatus(ctx, recordID, imports.RecordCancelled); err != nil {
		return Error.Wrap(err)
	}
	batches, err := service.db.Imports().ListBatches(ctx, recordID)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, batch := range batches {
		if batch.Status == imports.BatchCreated {
			if err := service.db.Imports().UpdateBatchStatus(ctx, batch.ID, imports.BatchCancelled); err != nil {
				return Error.Wrap(err)
			}
		}
	}
	return nil
}

// Summary returns the derived view of a batch.
func (service *Service) Summary(ctx context.Context, batchID uuid.UUID) (imports.Summary, error) {
	batch, err := service.db.Imports().GetBatch(ctx, batchID)
	if err != nil {
		return imports.Summary{}, Error.Wrap(err)
	}
	results, err := service.db.Imports().ListResults(ctx, batchID)
	if err != nil {
		return imports.Summary{}, Error.Wrap(err)
	}
	return imports.Summarize(batch, results), nil
}
