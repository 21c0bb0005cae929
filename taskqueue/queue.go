// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package taskqueue defines the capability for at-least-once durable
// background job dispatch.
package taskqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// Error is the default taskqueue errs class.
var Error = errs.Class("taskqueue")

// Task kinds dispatched through the queue.
const (
	KindImportBatch       = "import_batch"
	KindDuplicateDecision = "duplicate_decision"
)

// ImportBatchPayload is the payload of a KindImportBatch task.
type ImportBatchPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// DuplicateDecisionPayload is the payload of a KindDuplicateDecision
// task.
type DuplicateDecisionPayload struct {
	ReferenceID uuid.UUID `json:"reference_id"`
}

// Task is a single durable job.
type Task struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	TraceID    string          `json:"trace_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one task. Handlers must be re-entrant over their
// effects; delivery is at-least-once.
type Handler func(ctx context.Context, task Task) error

// Queue is the durable job dispatch capability.
type Queue interface {
	// Enqueue adds a task for later processing.
	Enqueue(ctx context.Context, task Task) error
	// Run consumes tasks until the context is cancelled.
	Run(ctx context.Context, handler Handler) error
}

// NewTask builds a task with a JSON payload.
func NewTask(kind string, payload interface{}) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, Error.Wrap(err)
	}
	return Task{
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
