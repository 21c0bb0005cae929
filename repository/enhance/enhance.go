// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package enhance holds the pending enhancement work ledger: units of
// robot work, explicit enhancement requests, and the batches robots
// lease.
package enhance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"storj.io/refrepo/blobstore"
)

var (
	// Error is the default enhance errs class.
	Error = errs.Class("enhance")

	// ErrNotFound is returned when a pending enhancement, request or
	// batch is absent.
	ErrNotFound = errs.Class("enhancement work not found")

	// ErrLeaseExpired is returned when a robot acts on a batch whose
	// lease has already lapsed.
	ErrLeaseExpired = errs.Class("lease expired")
)

// MaxRetryDepth bounds the retry_of chain: an expired pending
// enhancement is reissued at most this many times.
const MaxRetryDepth = 3

// PendingStatus is the lifecycle state of one unit of robot work.
type PendingStatus string

// Pending enhancement statuses.
const (
	StatusPending        PendingStatus = "pending"
	StatusProcessing     PendingStatus = "processing"
	StatusImporting      PendingStatus = "importing"
	StatusIndexing       PendingStatus = "indexing"
	StatusCompleted      PendingStatus = "completed"
	StatusFailed         PendingStatus = "failed"
	StatusDiscarded      PendingStatus = "discarded"
	StatusExpired        PendingStatus = "expired"
	StatusIndexingFailed PendingStatus = "indexing_failed"
)

// Terminal reports whether no further work happens on this status.
func (status PendingStatus) Terminal() bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusDiscarded, StatusExpired, StatusIndexingFailed:
		return true
	}
	return false
}

// RequestStatus is the derived state of an enhancement request.
type RequestStatus string

// Request statuses.
const (
	RequestReceived      RequestStatus = "received"
	RequestProcessing    RequestStatus = "processing"
	RequestCompleted     RequestStatus = "completed"
	RequestFailed        RequestStatus = "failed"
	RequestPartialFailed RequestStatus = "partial_failed"
)

// PendingEnhancement is one unit of work: a reference a robot should
// enhance. Exactly one of RequestID and BatchID binds it to its origin
// while unleased; BatchID is set once a robot leases it.
type PendingEnhancement struct {
	ID          uuid.UUID
	ReferenceID uuid.UUID
	RobotID     uuid.UUID
	// RequestID is set when the work came from an explicit request.
	RequestID *uuid.UUID
	// BatchID is set once the work is leased into a batch.
	BatchID *uuid.UUID
	Status  PendingStatus
	// Source names what scheduled the work, e.g. the automation.
	Source string
	// ExpiresAt is the lease deadline while processing.
	ExpiresAt *time.Time
	// RetryOf links to the expired pending enhancement this one
	// reissues.
	RetryOf   *uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Request is an explicit ask for a robot to enhance a set of
// references. Its status is derived from its pending enhancements.
type Request struct {
	ID           uuid.UUID
	RobotID      uuid.UUID
	ReferenceIDs []uuid.UUID
	Source       string
	CreatedAt    time.Time
}

// Batch is the unit a robot leases: the reference data it should work
// on, plus the result and validation streams it writes back.
type Batch struct {
	ID      uuid.UUID
	RobotID uuid.UUID
	// ReferenceData is the hydrated JSONL the robot downloads.
	ReferenceData blobstore.Ref
	// Result is where the robot uploads its JSONL results.
	Result blobstore.Ref
	// Validation is the per-entry ingestion report.
	Validation blobstore.Ref
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeriveRequestStatus projects a request status from its pending
// enhancements. Expired rows are superseded by their retries and do
// not count, except when expiry exhausted the retry budget and nothing
// live remains.
func DeriveRequestStatus(pendings []PendingEnhancement) RequestStatus {
	if len(pendings) == 0 {
		return RequestReceived
	}

	var live []PendingEnhancement
	for _, pending := range pendings {
		if pending.Status != StatusExpired {
			live = append(live, pending)
		}
	}
	if len(live) == 0 {
		return RequestFailed
	}

	untouched := true
	anyOpen := false
	completed, failed := 0, 0
	for _, pending := range live {
		if pending.Status != StatusPending || pending.RetryOf != nil {
			untouched = false
		}
		if !pending.Status.Terminal() {
			anyOpen = true
			continue
		}
		if pending.Status == StatusCompleted {
			completed++
		} else {
			failed++
		}
	}
	switch {
	case untouched:
		return RequestReceived
	case anyOpen:
		return RequestProcessing
	case failed == 0:
		return RequestCompleted
	case completed == 0:
		return RequestFailed
	default:
		return RequestPartialFailed
	}
}

// DB is the transactional store capability for enhancement work.
type DB interface {
	// WithTx runs fn against a DB bound to one transactional scope;
	// the writes inside either commit together or roll back together.
	// Nested scopes are rejected.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx DB) error) error

	CreateRequest(ctx context.Context, request *Request) error
	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)

	// CreatePending inserts pending enhancements in bulk.
	CreatePending(ctx context.Context, pendings ...*PendingEnhancement) error
	GetPending(ctx context.Context, id uuid.UUID) (*PendingEnhancement, error)
	ListForRequest(ctx context.Context, requestID uuid.UUID) ([]PendingEnhancement, error)
	ListForBatch(ctx context.Context, batchID uuid.UUID) ([]PendingEnhancement, error)

	// Lease atomically claims up to limit of the robot's oldest
	// unleased pending enhancements, at most one per reference, binding
	// them to batchID with the given deadline and moving them to
	// processing.
	Lease(ctx context.Context, robotID, batchID uuid.UUID, limit int, expiresAt time.Time) ([]PendingEnhancement, error)
	// RenewLease extends the deadline of the batch's processing rows
	// and reports how many were still held.
	RenewLease(ctx context.Context, batchID uuid.UUID, expiresAt time.Time) (int, error)
	// ExpireStale moves overdue processing rows to expired and returns
	// them.
	ExpireStale(ctx context.Context, now time.Time) ([]PendingEnhancement, error)

	UpdatePendingStatus(ctx context.Context, ids []uuid.UUID, status PendingStatus) error
	// RetryDepth counts the retry_of links behind the given pending
	// enhancement.
	RetryDepth(ctx context.Context, id uuid.UUID) (int, error)

	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	UpdateBatch(ctx context.Context, batch *Batch) error
	// DeleteBatch removes a batch that leased no work.
	DeleteBatch(ctx context.Context, id uuid.UUID) error
}
