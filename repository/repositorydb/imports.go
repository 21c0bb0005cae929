// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package repositorydb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"storj.io/refrepo/repository/imports"
)

type importsDB struct {
	db *database
}

type importRecordRow struct {
	ID                     uuid.UUID `db:"id"`
	Source                 string    `db:"source"`
	ExpectedReferenceCount int       `db:"expected_reference_count"`
	Status                 string    `db:"status"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

type importBatchRow struct {
	ID                uuid.UUID `db:"id"`
	RecordID          uuid.UUID `db:"record_id"`
	StorageURL        string    `db:"storage_url"`
	CallbackURL       string    `db:"callback_url"`
	CollisionStrategy string    `db:"collision_strategy"`
	Status            string    `db:"status"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (row importBatchRow) batch() imports.Batch {
	return imports.Batch{
		ID:                row.ID,
		RecordID:          row.RecordID,
		StorageURL:        row.StorageURL,
		CallbackURL:       row.CallbackURL,
		CollisionStrategy: imports.CollisionStrategy(row.CollisionStrategy),
		Status:            imports.BatchStatus(row.Status),
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

type importResultRow struct {
	ID             uuid.UUID     `db:"id"`
	BatchID        uuid.UUID     `db:"batch_id"`
	ReferenceID    uuid.NullUUID `db:"reference_id"`
	Status         string        `db:"status"`
	FailureDetails string        `db:"failure_details"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

func (row importResultRow) result() imports.Result {
	result := imports.Result{
		ID:             row.ID,
		BatchID:        row.BatchID,
		Status:         imports.ResultStatus(row.Status),
		FailureDetails: row.FailureDetails,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.ReferenceID.Valid {
		id := row.ReferenceID.UUID
		result.ReferenceID = &id
	}
	return result
}

// CreateRecord implements imports.DB.
func (i *importsDB) CreateRecord(ctx context.Context, record *imports.Record) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = imports.RecordCreated
	}
	_, err := i.db.conn.ExecContext(ctx, `
		INSERT INTO import_record (id, source, expected_reference_count, status)
		VALUES ($1, $2, $3, $4)`,
		record.ID, record.Source, record.ExpectedReferenceCount, string(record.Status))
	return Error.Wrap(err)
}

// GetRecord implements imports.DB.
func (i *importsDB) GetRecord(ctx context.Context, id uuid.UUID) (*imports.Record, error) {
	var row importRecordRow
	err := sqlx.GetContext(ctx, i.db.conn, &row, `
		SELECT id, source, expected_reference_count, status, created_at, updated_at
		FROM import_record WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, imports.ErrNotFound.New("record %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &imports.Record{
		ID:                     row.ID,
		Source:                 row.Source,
		ExpectedReferenceCount: row.ExpectedReferenceCount,
		Status:                 imports.RecordStatus(row.Status),
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
	}, nil
}

// UpdateRecordStatus implements imports.DB.
func (i *importsDB) UpdateRecordStatus(ctx context.Context, id uuid.UUID, status imports.RecordStatus) error {
	result, err := i.db.conn.ExecContext(ctx, `
		UPDATE import_record SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return Error.Wrap(err)
	}
	return i.checkAffected(result, imports.ErrNotFound.New("record %s", id))
}

// CreateBatch implements imports.DB.
func (i *importsDB) CreateBatch(ctx context.Context, batch *imports.Batch) error {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = imports.BatchCreated
	}
	if batch.CollisionStrategy == "" {
		batch.CollisionStrategy = imports.CollisionFail
	}
	_, err := i.db.conn.ExecContext(ctx, `
		INSERT INTO import_batch (id, record_id, storage_url, callback_url, collision_strategy, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		batch.ID, batch.RecordID, batch.StorageURL, batch.CallbackURL,
		string(batch.CollisionStrategy), string(batch.Status))
	if uniqueViolation(err, "import_batch_storage_url") {
		return imports.ErrBatchExists.New("%s", batch.StorageURL)
	}
	return Error.Wrap(err)
}

// GetBatch implements imports.DB.
func (i *importsDB) GetBatch(ctx context.Context, id uuid.UUID) (*imports.Batch, error) {
	var row importBatchRow
	err := sqlx.GetContext(ctx, i.db.conn, &row, `
		SELECT id, record_id, storage_url, callback_url, collision_strategy, status, created_at, updated_at
		FROM import_batch WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, imports.ErrNotFound.New("batch %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	batch := row.batch()
	return &batch, nil
}

// UpdateBatchStatus implements imports.DB.
func (i *importsDB) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status imports.BatchStatus) error {
	result, err := i.db.conn.ExecContext(ctx, `
		UPDATE import_batch SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return Error.Wrap(err)
	}
	return i.checkAffected(result, imports.ErrNotFound.New("batch %s", id))
}

// ListBatches implements imports.DB.
func (i *importsDB) ListBatches(ctx context.Context, recordID uuid.UUID) ([]imports.Batch, error) {
	var rows []importBatchRow
	err := sqlx.SelectContext(ctx, i.db.conn, &rows, `
		SELECT id, record_id, storage_url, callback_url, collision_strategy, status, created_at, updated_at
		FROM import_batch WHERE record_id = $1
		ORDER BY created_at, id`, recordID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	batches := make([]imports.Batch, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, row.batch())
	}
	return batches, nil
}

// DeleteBatch implements imports.DB. Results cascade.
func (i *importsDB) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	_, err := i.db.conn.ExecContext(ctx, `DELETE FROM import_batch WHERE id = $1`, id)
	return Error.Wrap(err)
}

// CreateResult implements imports.DB.
func (i *importsDB) CreateResult(ctx context.Context, result *imports.Result) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.Status == "" {
		result.Status = imports.ResultCreated
	}
	var referenceID uuid.NullUUID
	if result.ReferenceID != nil {
		referenceID = uuid.NullUUID{UUID: *result.ReferenceID, Valid: true}
	}
	_, err := i.db.conn.ExecContext(ctx, `
		INSERT INTO import_result (id, batch_id, reference_id, status, failure_details)
		VALUES ($1, $2, $3, $4, $5)`,
		result.ID, result.BatchID, referenceID, string(result.Status), result.FailureDetails)
	return Error.Wrap(err)
}

// UpdateResult implements imports.DB.
func (i *importsDB) UpdateResult(ctx context.Context, result *imports.Result) error {
	var referenceID uuid.NullUUID
	if result.ReferenceID != nil {
		referenceID = uuid.NullUUID{UUID: *result.ReferenceID, Valid: true}
	}
	execResult, err := i.db.conn.ExecContext(ctx, `
		UPDATE import_result
		SET reference_id = $2, status = $3, failure_details = $4, updated_at = now()
		WHERE id = $1`,
		result.ID, referenceID, string(result.Status), result.FailureDetails)
	if err != nil {
		return Error.Wrap(err)
	}
	return i.checkAffected(execResult, imports.ErrNotFound.New("result %s", result.ID))
}

// ListResults implements imports.DB.
func (i *importsDB) ListResults(ctx context.Context, batchID uuid.UUID) ([]imports.Result, error) {
	var rows []importResultRow
	err := sqlx.SelectContext(ctx, i.db.conn, &rows, `
		SELECT id, batch_id, reference_id, status, failure_details, created_at, updated_at
		FROM import_result WHERE batch_id = $1
		ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	results := make([]imports.Result, 0, len(rows))
	for _, row := range rows {
		results = append(results, row.result())
	}
	return results, nil
}

func (i *importsDB) checkAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
