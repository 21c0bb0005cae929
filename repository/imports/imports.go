// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package imports holds the batch import campaign entities and the
// ingestion pipeline that turns JSONL files into references.
package imports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

var (
	// Error is the default imports errs class.
	Error = errs.Class("imports")

	// ErrNotFound is returned when a looked-up record, batch or result
	// is absent.
	ErrNotFound = errs.Class("import not found")

	// ErrBatchExists is returned when a batch with the same storage URL
	// is already registered on the record.
	ErrBatchExists = errs.Class("import batch exists")
)

// RecordStatus is the lifecycle state of an import campaign.
type RecordStatus string

// Record statuses.
const (
	RecordCreated   RecordStatus = "created"
	RecordStarted   RecordStatus = "started"
	RecordCompleted RecordStatus = "completed"
	RecordCancelled RecordStatus = "cancelled"
)

// BatchStatus is the lifecycle state of one JSONL file within an
// import.
type BatchStatus string

// Batch statuses.
const (
	BatchCreated        BatchStatus = "created"
	BatchStarted        BatchStatus = "started"
	BatchCompleted      BatchStatus = "completed"
	BatchFailed         BatchStatus = "failed"
	BatchIndexing       BatchStatus = "indexing"
	BatchIndexingFailed BatchStatus = "indexing_failed"
	BatchCancelled      BatchStatus = "cancelled"
)

// ResultStatus is the per-reference outcome of one batch entry.
type ResultStatus string

// Result statuses.
const (
	ResultCreated         ResultStatus = "created"
	ResultStarted         ResultStatus = "started"
	ResultCompleted       ResultStatus = "completed"
	ResultPartiallyFailed ResultStatus = "partially_failed"
	ResultFailed          ResultStatus = "failed"
	ResultCancelled       ResultStatus = "cancelled"
)

// CollisionStrategy controls re-registration of a storage URL on the
// same import record.
type CollisionStrategy string

// Collision strategies.
const (
	CollisionFail      CollisionStrategy = "fail"
	CollisionOverwrite CollisionStrategy = "overwrite"
)

// UnknownReferenceCount marks a record whose expected size is unknown.
const UnknownReferenceCount = -1

// Record is a logical import campaign. It owns its batches.
type Record struct {
	ID uuid.UUID
	// Source names where the campaign came from, free-form.
	Source string
	// ExpectedReferenceCount is UnknownReferenceCount when unknown.
	ExpectedReferenceCount int
	Status                 RecordStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Batch is one JSONL file within an import. Unique per
// (record, storage URL); owns its results.
type Batch struct {
	ID       uuid.UUID
	RecordID uuid.UUID
	// StorageURL locates the JSONL input stream.
	StorageURL string
	// CallbackURL receives the batch summary when set.
	CallbackURL       string
	CollisionStrategy CollisionStrategy
	Status            BatchStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Result is the per-reference outcome of one batch entry.
type Result struct {
	ID      uuid.UUID
	BatchID uuid.UUID
	// ReferenceID is nil on total failure.
	ReferenceID *uuid.UUID
	Status      ResultStatus
	// FailureDetails carries per-entry error text.
	FailureDetails string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Summary is the derived view of a batch served to callers and posted
// to callbacks.
type Summary struct {
	BatchID        uuid.UUID               `json:"batch_id"`
	Status         BatchStatus             `json:"status"`
	Counts         map[ResultStatus]int    `json:"counts"`
	FailureDetails []string                `json:"failure_details,omitempty"`
}

// Summarize derives the summary of a batch from its results. While the
// batch is still live its status is projected from the result statuses;
// a terminal batch status is authoritative.
func Summarize(batch *Batch, results []Result) Summary {
	summary := Summary{
		BatchID: batch.ID,
		Status:  batch.Status,
		Counts:  map[ResultStatus]int{},
	}
	statuses := make([]ResultStatus, 0, len(results))
	for _, result := range results {
		statuses = append(statuses, result.Status)
		summary.Counts[result.Status]++
		if result.FailureDetails != "" {
			summary.FailureDetails = append(summary.FailureDetails, result.FailureDetails)
		}
	}
	switch batch.Status {
	case BatchCreated, BatchStarted:
		if len(statuses) > 0 {
			summary.Status = DeriveBatchStatus(statuses)
		}
	}
	return summary
}

// DeriveBatchStatus projects a batch status from its result statuses:
// untouched results keep the batch created, any in-flight result keeps
// it started, full failure fails it, and any mix of terminal outcomes
// completes it.
func DeriveBatchStatus(statuses []ResultStatus) BatchStatus {
	if len(statuses) == 0 {
		return BatchCompleted
	}

	allCreated, allFailed, anyOpen := true, true, false
	for _, status := range statuses {
		if status != ResultCreated {
			allCreated = false
		}
		if status != ResultFailed {
			allFailed = false
		}
		if status == ResultCreated || status == ResultStarted {
			anyOpen = true
		}
	}
	switch {
	case allCreated:
		return BatchCreated
	case anyOpen:
		return BatchStarted
	case allFailed:
		return BatchFailed
	default:
		return BatchCompleted
	}
}

// DB is the transactional store capability for import campaigns.
type DB interface {
	CreateRecord(ctx context.Context, record *Record) error
	GetRecord(ctx context.Context, id uuid.UUID) (*Record, error)
	UpdateRecordStatus(ctx context.Context, id uuid.UUID, status RecordStatus) error

	// CreateBatch inserts a batch; a batch with the same
	// (record, storage URL) yields ErrBatchExists.
	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, status BatchStatus) error
	ListBatches(ctx context.Context, recordID uuid.UUID) ([]Batch, error)
	// DeleteBatch removes a batch and its results, for the overwrite
	// collision strategy.
	DeleteBatch(ctx context.Context, id uuid.UUID) error

	CreateResult(ctx context.Context, result *Result) error
	UpdateResult(ctx context.Context, result *Result) error
	ListResults(ctx context.Context, batchID uuid.UUID) ([]Result, error)
}
