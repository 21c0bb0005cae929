// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package testdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"storj.io/refrepo/repository"
	"storj.io/refrepo/repository/enhance"
)

type enhanceDB struct {
	db *DB
}

// WithTx implements enhance.DB.
func (e *enhanceDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx enhance.DB) error) error {
	return e.db.WithTx(ctx, func(ctx context.Context, tx repository.DB) error {
		return fn(ctx, tx.Enhancements())
	})
}

// CreateRequest implements enhance.DB.
func (e *enhanceDB) CreateRequest(ctx context.Context, request *enhance.Request) error {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now()
	}
	e.db.requests[request.ID] = *request
	return nil
}

// GetRequest implements enhance.DB.
func (e *enhanceDB) GetRequest(ctx context.Context, id uuid.UUID) (*enhance.Request, error) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	request, ok := e.db.requests[id]
	if !ok {
		return nil, enhance.ErrNotFound.New("request %s", id)
	}
	return &request, nil
}

// CreatePending implements enhance.DB.
func (e *enhanceDB) CreatePending(ctx context.Context, pendings ...*enhance.PendingEnhancement) error {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	for _, pending := range pendings {
		if pending.ID == uuid.Nil {
			pending.ID = uuid.New()
		}
		if pending.Status == "" {
			pending.Status = enhance.StatusPending
		}
		if pending.CreatedAt.IsZero() {
			pending.CreatedAt = time.Now()
			pending.UpdatedAt = pending.CreatedAt
		}
		e.db.pendings[pending.ID] = *pending
	}
	return nil
}

// GetPending implements enhance.DB.
func (e *enhanceDB) GetPending(ctx context.Context, id uuid.UUID) (*enhance.PendingEnhancement, error) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	pending, ok := e.db.pendings[id]
	if !ok {
		return nil, enhance.ErrNotFound.New("pending %s", id)
	}
	return &pending, nil
}

// ListForRequest implements enhance.DB.
func (e *enhanceDB) ListForRequest(ctx context.Context, requestID uuid.UUID) ([]enhance.PendingEnhancement, error) {
	return e.list(func(pending enhance.PendingEnhancement) bool {
		return pending.RequestID != nil && *pending.RequestID == requestID
	})
}

// ListForBatch implements enhance.DB.
func (e *enhanceDB) ListForBatch(ctx context.Context, batchID uuid.UUID) ([]enhance.PendingEnhancement, error) {
	return e.list(func(pending enhance.PendingEnhancement) bool {
		return pending.BatchID != nil && *pending.BatchID == batchID
	})
}

func (e *enhanceDB) list(match func(enhance.PendingEnhancement) bool) ([]enhance.PendingEnhancement, error) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	var pendings []enhance.PendingEnhancement
	for _, pending := range e.db.pendings {
		if match(pending) {
			pendings = append(pendings, pending)
		}
	}
	sortPendings(pendings)
	return pendings, nil
}

func sortPendings(pendings []enhance.PendingEnhancement) {
	sort.Slice(pendings, func(i, j int) bool {
		if !pendings[i].CreatedAt.Equal(pendings[j].CreatedAt) {
			return pendings[i].CreatedAt.Before(pendings[j].CreatedAt)
		}
		return pendings[i].ID.String() < pendings[j].ID.String()
	})
}

// Lease implements enhance.DB.
func (e *enhanceDB) Lease(ctx context.Context, robotID, batchID uuid.UUID, limit int, expiresAt time.Time) ([]enhance.PendingEnhancement, error) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	var candidates []enhance.PendingEnhancement
	for _, pending := range e.db.pendings {
		if pending.RobotID == robotID && pending.Status == enhance.StatusPending && pending.BatchID == nil {
			candidates = append(candidates, pending)
		}
	}
	sortPendings(candidates)

	seen := map[uuid.UUID]bool{}
	var leased []enhance.PendingEnhancement
	for _, pending := range candidates {
		if len(leased) == limit {
			break
		}
		if seen[pending.ReferenceID] {
			continue
		}
		seen[pending.ReferenceID] = true

		id := batchID
		deadline := expiresAt
		pending.Status = enhance.StatusProcessing
		pending.BatchID = &id
		pending.ExpiresAt = &deadline
		pending.UpdatedAt = time.Now()
		e.db.pendings[pending.ID] = pending
		leased = append(leased, pending)
	}
	return leased, nil
}

// RenewLease implements enhance.DB.
func (e *enhanceDB) RenewLease(ctx context.Context, batchID uuid.UUID, expiresAt time.Time) (int, error) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	now := time.Now()
	renewed := 0
	for id, pending := range e.db.pendings {
		if pending.BatchID == nil || *pending.BatchID != batchID {
			continue
		}
		if pending.Status != enhance.StatusProcessing {
			continue
		}
		if pending.ExpiresAt == nil || !pending.ExpiresAt.After(now) {
			continue
		}
		deadline := expiresAt
		pending.ExpiresAt = &deadline
		pending.UpdatedAt = now
		e.db.pendings[id] = pending
		renewed++
	}
	return renewed, nil
}

// ExpireStale implements enhance.DB.
func (e *enhanceDB) ExpireStale(ctx context.Context, now time.Time) ([]enhance.PendingEnhancement, error) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	var expired []enhance.PendingEnhancement
	for id, pending := range e.db.pendings {
		if pending.Status != enhance.StatusProcessing {
			continue
		}
		if pending.ExpiresAt == nil || pending.ExpiresAt.After(now) {
			continue
		}
		pending.Status = enhance.StatusExpired
		pending.UpdatedAt = now
		e.db.pendings[id] = pending
		expired = append(expired, pending)
	}
	sortPendings(expired)
	return expired, nil
}

// UpdatePendingStatus implements enhance.DB.
func (e *enhanceDB) UpdatePendingStatus(ctx context.Context, ids []uuid.UUID, status enhance.PendingStatus) error {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	for _, id := range ids {
		pending, ok := e.db.pendings[id]
		if !ok {
			continue
		}
		pending.Status = status
		pending.UpdatedAt = time.Now()
		e.db.pendings[id] = pending
	}
	return nil
}

// RetryDepth implements enhance.DB.
func (e *enhanceDB) RetryDepth(ctx context.Context, id uuid.UUID) (int, error) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	depth := 0
	current, ok := e.db.pendings[id]
	if !ok {
		return 0, enhance.ErrNotFound.New("pending %s", id)
	}
	for current.RetryOf != nil {
		parent, ok := e.db.pendings[*current.RetryOf]
		if !ok {
			break
		}
		depth++
		current = parent
	}
	return depth, nil
}

// CreateBatch implements enhance.DB.
func (e *enhanceDB) CreateBatch(ctx context.Context, batch *enhance.Batch) error {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
		batch.UpdatedAt = batch.CreatedAt
	}
	e.db.enhanceBatches[batch.ID] = *batch
	return nil
}

// DeleteBatch implements enhance.DB.
func (e *enhanceDB) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	delete(e.db.enhanceBatches, id)
	return nil
}

// GetBatch implements enhance.DB.
func (e *enhanceDB) GetBatch(ctx context.Context, id uuid.UUID) (*enhance.Batch, error) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	batch, ok := e.db.enhanceBatches[id]
	if !ok {
		return nil, enhance.ErrNotFound.New("batch %s", id)
	}
	return &batch, nil
}

// UpdateBatch implements enhance.DB.
func (e *enhanceDB) UpdateBatch(ctx context.Context, batch *enhance.Batch) error {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()

	if _, ok := e.db.enhanceBatches[batch.ID]; !ok {
		return enhance.ErrNotFound.New("batch %s", batch.ID)
	}
	batch.UpdatedAt = time.Now()
	e.db.enhanceBatches[batch.ID] = *batch
	return nil
}
