// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package importer

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storj.io/refrepo/repository"
	"storj.io/refrepo/repository/dedupe"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/sdk"
	"storj.io/refrepo/taskqueue"
)

// CreateResult reports what happened to one ingested JSONL line.
type CreateResult struct {
	// ReferenceID is the persisted reference, or the short-circuited
	// incoming id when ExactDuplicateOf is set.
	ReferenceID uuid.UUID
	// ExactDuplicateOf names the existing superset reference when the
	// incoming one was short-circuited away.
	ExactDuplicateOf *uuid.UUID
}

// Ingestion turns one JSONL line into a persisted reference with a
// pending duplicate decision, or an exact-duplicate short-circuit.
type Ingestion struct {
	log    *zap.Logger
	db     repository.DB
	dedupe *dedupe.Service
	queue  taskqueue.Queue
}

// NewIngestion creates the ingestion service.
func NewIngestion(log *zap.Logger, db repository.DB, dedupeService *dedupe.Service, queue taskqueue.Queue) *Ingestion {
	return &Ingestion{log: log, db: db, dedupe: dedupeService, queue: queue}
}

// IngestLine parses and ingests a single JSONL line.
func (ingestion *Ingestion) IngestLine(ctx context.Context, line []byte) (_ CreateResult, err error) {
	defer mon.Task()(&ctx)(&err)

	input, err := sdk.ParseReferenceFileInput(line)
	if err != nil {
		return CreateResult{}, err
	}
	incoming, err := sdk.ToReference(input, uuid.New())
	if err != nil {
		return CreateResult{}, err
	}
	return ingestion.Ingest(ctx, incoming)
}

// Ingest runs the exact-duplicate short-circuit and, on a miss,
// persists the incoming reference with a pending decision and enqueues
// its deduplication.
func (ingestion *Ingestion) Ingest(ctx context.Context, incoming *reference.Reference) (CreateResult, error) {
	existing, err := ingestion.dedupe.FindExactDuplicate(ctx, incoming)
	if err != nil {
		return CreateResult{}, err
	}

	if existing != nil {
		// Only a bare row and the decision survive; the incoming content
		// is already fully present on the existing reference.
		err := ingestion.db.WithTx(ctx, func(ctx context.Context, tx repository.DB) error {
			bare := &reference.Reference{ID: incoming.ID, Visibility: incoming.Visibility}
			if err := tx.References().Create(ctx, bare); err != nil {
				return err
			}
			return tx.References().InsertDecision(ctx, &reference.DuplicateDecision{
				ReferenceID:   incoming.ID,
				CanonicalID:   &existing.ID,
				Determination: reference.DeterminationExactDuplicate,
				Active:        true,
				Source:        "deduplication",
			})
		})
		if err != nil {
			return CreateResult{}, Error.Wrap(err)
		}
		ingestion.log.Debug("exact duplicate short-circuit",
			zap.Stringer("reference_id", incoming.ID),
			zap.Stringer("canonical_id", existing.ID))
		existingID := existing.ID
		return CreateResult{ReferenceID: incoming.ID, ExactDuplicateOf: &existingID}, nil
	}

	err = ingestion.db.WithTx(ctx, func(ctx context.Context, tx repository.DB) error {
		if err := tx.References().Create(ctx, incoming); err != nil {
			return err
		}
		return tx.References().InsertDecision(ctx, &reference.DuplicateDecision{
			ReferenceID:   incoming.ID,
			Determination: reference.DeterminationPending,
			Active:        true,
			Source:        "import",
		})
	})
	if err != nil {
		return CreateResult{}, Error.Wrap(err)
	}

	task, err := taskqueue.NewTask(taskqueue.KindDuplicateDecision,
		taskqueue.DuplicateDecisionPayload{ReferenceID: incoming.ID})
	if err != nil {
		return CreateResult{}, Error.Wrap(err)
	}
	if err := ingestion.queue.Enqueue(ctx, task); err != nil {
		return CreateResult{}, Error.Wrap(err)
	}
	return CreateResult{ReferenceID: incoming.ID}, nil
}
