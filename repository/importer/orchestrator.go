// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package importer

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storj.io/refrepo/repository"
	"storj.io/refrepo/repository/imports"
	"storj.io/refrepo/repository/sdk"
	"storj.io/refrepo/repository/syncer"
	"storj.io/refrepo/taskqueue"
)

// Opener resolves a storage URL into a readable JSONL stream.
type Opener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// Orchestrator processes one import batch per task: streaming,
// ingestion, indexing and the summary callback.
type Orchestrator struct {
	log       *zap.Logger
	db        repository.DB
	ingestion *Ingestion
	refsync   *syncer.References
	opener    Opener
	callbacks *CallbackDispatcher
}

// NewOrchestrator creates the import orchestrator. callbacks may be
// nil when summary callbacks are disabled.
func NewOrchestrator(log *zap.Logger, db repository.DB, ingestion *Ingestion, refsync *syncer.References, opener Opener, callbacks *CallbackDispatcher) *Orchestrator {
	return &Orchestrator{
		log:       log,
		db:        db,
		ingestion: ingestion,
		refsync:   refsync,
		opener:    opener,
		callbacks: callbacks,
	}
}

// HandleTask processes a KindImportBatch task.
func (orchestrator *Orchestrator) HandleTask(ctx context.Context, task taskqueue.Task) error {
	var payload taskqueue.ImportBatchPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return Error.Wrap(err)
	}
	return orchestrator.ProcessBatch(ctx, payload.BatchID)
}

// ProcessBatch runs the whole pipeline for one registered batch.
func (orchestrator *Orchestrator) ProcessBatch(ctx context.Context, batchID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	importsDB := orchestrator.db.Imports()
	batch, err := importsDB.GetBatch(ctx, batchID)
	if err != nil {
		return Error.Wrap(err)
	}
	if batch.Status == imports.BatchCancelled {
		orchestrator.log.Info("skipping cancelled batch", zap.Stringer("batch_id", batchID))
		return nil
	}

	if err := importsDB.UpdateBatchStatus(ctx, batchID, imports.BatchStarted); err != nil {
		return Error.Wrap(err)
	}

	imported, streamErr := orchestrator.consume(ctx, batch)

	status := imports.BatchCompleted
	if streamErr != nil {
		orchestrator.log.Error("import stream failed",
			zap.Stringer("batch_id", batchID), zap.Error(streamErr))
		status = imports.BatchFailed
	}
	if err := importsDB.UpdateBatchStatus(ctx, batchID, status); err != nil {
		return Error.Wrap(err)
	}

	if streamErr == nil {
		if err := importsDB.UpdateBatchStatus(ctx, batchID, imports.BatchIndexing); err != nil {
			return Error.Wrap(err)
		}
		status = imports.BatchCompleted
		if err := orchestrator.index(ctx, imported); err != nil {
			orchestrator.log.Error("import indexing failed",
				zap.Stringer("batch_id", batchID), zap.Error(err))
			status = imports.BatchIndexingFailed
		}
		if err := importsDB.UpdateBatchStatus(ctx, batchID, status); err != nil {
			return Error.Wrap(err)
		}
	}

	if batch.CallbackURL != "" && orchestrator.callbacks != nil {
		summary, err := orchestrator.summary(ctx, batchID)
		if err != nil {
			return err
		}
		if err := orchestrator.callbacks.Post(ctx, batch.CallbackURL, summary); err != nil {
			// The import itself succeeded; callbacks are best effort.
			orchestrator.log.Error("summary callback failed",
				zap.Stringer("batch_id", batchID),
				zap.String("callback_url", batch.CallbackURL),
				zap.Error(err))
		}
	}
	return nil
}

// consume streams the batch JSONL and ingests each line in file order.
// It returns the reference ids that need indexing.
func (orchestrator *Orchestrator) consume(ctx context.Context, batch *imports.Batch) ([]uuid.UUID, error) {
	importsDB := orchestrator.db.Imports()

	src, err := orchestrator.opener.Open(ctx, batch.StorageURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	lines := sdk.NewLineReader(src)
	defer func() { _ = lines.Close() }()

	var imported []uuid.UUID
	for {
		// Cancellation is observed between entries; in-flight entries
		// still commit.
		record, err := importsDB.GetRecord(ctx, batch.RecordID)
		if err != nil {
			return imported, Error.Wrap(err)
		}
		if record.Status == imports.RecordCancelled {
			orchestrator.log.Info("import cancelled",
				zap.Stringer("batch_id", batch.ID))
			return imported, nil
		}

		line, ordinal, err := lines.Next()
		if err == io.EOF {
			return imported, nil
		}
		if err != nil {
			return imported, Error.Wrap(err)
		}

		result := &imports.Result{BatchID: batch.ID, Status: imports.ResultStarted}
		if err := importsDB.CreateResult(ctx, result); err != nil {
			return imported, Error.Wrap(err)
		}

		created, err := orchestrator.ingestion.IngestLine(ctx, line)
		if err != nil {
			result.Status = imports.ResultFailed
			result.FailureDetails = Error.New("line %d: %v", ordinal, err).Error()
		} else {
			referenceID := created.ReferenceID
			result.ReferenceID = &referenceID
			result.Status = imports.ResultCompleted
			if created.ExactDuplicateOf == nil {
				imported = append(imported, referenceID)
			}
		}
		if err := importsDB.UpdateResult(ctx, result); err != nil {
			return imported, Error.Wrap(err)
		}
	}
}

func (orchestrator *Orchestrator) index(ctx context.Context, imported []uuid.UUID) error {
	for _, referenceID := range imported {
		if err := orchestrator.refsync.SQLToSearch(ctx, referenceID); err != nil {
			return err
		}
	}
	return nil
}

func (orchestrator *Orchestrator) summary(ctx context.Context, batchID uuid.UUID) (imports.Summary, error) {
	batch, err := orchestrator.db.Imports().GetBatch(ctx, batchID)
	if err != nil {
		return imports.Summary{}, Error.Wrap(err)
	}
	results, err := orchestrator.db.Imports().ListResults(ctx, batchID)
	if err != nil {
		return imports.Summary{}, Error.Wrap(err)
	}
	return imports.Summarize(batch, results), nil
}
