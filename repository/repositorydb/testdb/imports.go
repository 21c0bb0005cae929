// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package testdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"storj.io/refrepo/repository/imports"
)

type importsDB struct {
	db *DB
}

// CreateRecord implements imports.DB.
func (i *importsDB) CreateRecord(ctx context.Context, record *imports.Record) error {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = imports.RecordCreated
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
		record.UpdatedAt = record.CreatedAt
	}
	i.db.importRecords[record.ID] = *record
	return nil
}

// GetRecord implements imports.DB.
func (i *importsDB) GetRecord(ctx context.Context, id uuid.UUID) (*imports.Record, error) {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	record, ok := i.db.importRecords[id]
	if !ok {
		return nil, imports.ErrNotFound.New("record %s", id)
	}
	return &record, nil
}

// UpdateRecordStatus implements imports.DB.
func (i *importsDB) UpdateRecordStatus(ctx context.Context, id uuid.UUID, status imports.RecordStatus) error {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	record, ok := i.db.importRecords[id]
	if !ok {
		return imports.ErrNotFound.New("record %s", id)
	}
	record.Status = status
	record.UpdatedAt = time.Now()
	i.db.importRecords[id] = record
	return nil
}

// CreateBatch implements imports.DB.
func (i *importsDB) CreateBatch(ctx context.Context, batch *imports.Batch) error {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	for _, existing := range i.db.importBatches {
		if existing.RecordID == batch.RecordID && existing.StorageURL == batch.StorageURL {
			return imports.ErrBatchExists.New("%s", batch.StorageURL)
		}
	}
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = imports.BatchCreated
	}
	if batch.CollisionStrategy == "" {
		batch.CollisionStrategy = imports.CollisionFail
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
		batch.UpdatedAt = batch.CreatedAt
	}
	i.db.importBatches[batch.ID] = *batch
	return nil
}

// GetBatch implements imports.DB.
func (i *importsDB) GetBatch(ctx context.Context, id uuid.UUID) (*imports.Batch, error) {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	batch, ok := i.db.importBatches[id]
	if !ok {
		return nil, imports.ErrNotFound.New("batch %s", id)
	}
	return &batch, nil
}

// UpdateBatchStatus implements imports.DB.
func (i *importsDB) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status imports.BatchStatus) error {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	batch, ok := i.db.importBatches[id]
	if !ok {
		return imports.ErrNotFound.New("batch %s", id)
	}
	batch.Status = status
	batch.UpdatedAt = time.Now()
	i.db.importBatches[id] = batch
	return nil
}

// ListBatches implements imports.DB.
func (i *importsDB) ListBatches(ctx context.Context, recordID uuid.UUID) ([]imports.Batch, error) {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	var batches []imports.Batch
	for _, batch := range i.db.importBatches {
		if batch.RecordID == recordID {
			batches = append(batches, batch)
		}
	}
	sort.Slice(batches, func(a, b int) bool {
		return batches[a].CreatedAt.Before(batches[b].CreatedAt)
	})
	return batches, nil
}

// DeleteBatch implements imports.DB.
func (i *importsDB) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	delete(i.db.importBatches, id)
	for resultID, result := range i.db.importResults {
		if result.BatchID == id {
			delete(i.db.importResults, resultID)
		}
	}
	return nil
}

// CreateResult implements imports.DB.
func (i *importsDB) CreateResult(ctx context.Context, result *imports.Result) error {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.Status == "" {
		result.Status = imports.ResultCreated
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
		result.UpdatedAt = result.CreatedAt
	}
	i.db.importResults[result.ID] = *result
	return nil
}

// UpdateResult implements imports.DB.
func (i *importsDB) UpdateResult(ctx context.Context, result *imports.Result) error {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	if _, ok := i.db.importResults[result.ID]; !ok {
		return imports.ErrNotFound.New("result %s", result.ID)
	}
	result.UpdatedAt = time.Now()
	i.db.importResults[result.ID] = *result
	return nil
}

// ListResults implements imports.DB.
func (i *importsDB) ListResults(ctx context.Context, batchID uuid.UUID) ([]imports.Result, error) {
	i.db.mu.Lock()
	defer i.db.mu.Unlock()

	var results []imports.Result
	for _, result := range i.db.importResults {
		if result.BatchID == batchID {
			results = append(results, result)
		}
	}
	sort.Slice(results, func(a, b int) bool {
		return results[a].CreatedAt.Before(results[b].CreatedAt)
	})
	return results, nil
}
