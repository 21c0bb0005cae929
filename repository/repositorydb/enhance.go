// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package repositorydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"storj.io/refrepo/blobstore"
	"storj.io/refrepo/repository"
	"storj.io/refrepo/repository/enhance"
)

type enhanceDB struct {
	db *database
}

type pendingRow struct {
	ID          uuid.UUID     `db:"id"`
	ReferenceID uuid.UUID     `db:"reference_id"`
	RobotID     uuid.UUID     `db:"robot_id"`
	RequestID   uuid.NullUUID `db:"request_id"`
	BatchID     uuid.NullUUID `db:"batch_id"`
	Status      string        `db:"status"`
	Source      string        `db:"source"`
	ExpiresAt   sql.NullTime  `db:"expires_at"`
	RetryOf     uuid.NullUUID `db:"retry_of"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

const pendingColumns = `id, reference_id, robot_id, request_id, batch_id, status, source, expires_at, retry_of, created_at, updated_at`

func (row pendingRow) pending() enhance.PendingEnhancement {
	pending := enhance.PendingEnhancement{
		ID:          row.ID,
		ReferenceID: row.ReferenceID,
		RobotID:     row.RobotID,
		Status:      enhance.PendingStatus(row.Status),
		Source:      row.Source,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.RequestID.Valid {
		id := row.RequestID.UUID
		pending.RequestID = &id
	}
	if row.BatchID.Valid {
		id := row.BatchID.UUID
		pending.BatchID = &id
	}
	if row.ExpiresAt.Valid {
		t := row.ExpiresAt.Time
		pending.ExpiresAt = &t
	}
	if row.RetryOf.Valid {
		id := row.RetryOf.UUID
		pending.RetryOf = &id
	}
	return pending
}

type enhanceBatchRow struct {
	ID                     uuid.UUID `db:"id"`
	RobotID                uuid.UUID `db:"robot_id"`
	ReferenceDataLocation  string    `db:"reference_data_location"`
	ReferenceDataContainer string    `db:"reference_data_container"`
	ReferenceDataPath      string    `db:"reference_data_path"`
	ResultLocation         string    `db:"result_location"`
	ResultContainer        string    `db:"result_container"`
	ResultPath             string    `db:"result_path"`
	ValidationLocation     string    `db:"validation_location"`
	ValidationContainer    string    `db:"validation_container"`
	ValidationPath         string    `db:"validation_path"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (row enhanceBatchRow) batch() enhance.Batch {
	return enhance.Batch{
		ID:      row.ID,
		RobotID: row.RobotID,
		ReferenceData: blobstore.Ref{
			Location:  row.ReferenceDataLocation,
			Container: row.ReferenceDataContainer,
			Path:      row.ReferenceDataPath,
		},
		Result: blobstore.Ref{
			Location:  row.ResultLocation,
			Container: row.ResultContainer,
			Path:      row.ResultPath,
		},
		Validation: blobstore.Ref{
			Location:  row.ValidationLocation,
			Container: row.ValidationContainer,
			Path:      row.ValidationPath,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

// CreateRequest implements enhance.DB.
// WithTx implements enhance.DB.
func (e *enhanceDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx enhance.DB) error) error {
	return e.db.WithTx(ctx, func(ctx context.Context, tx repository.DB) error {
		return fn(ctx, tx.Enhancements())
	})
}

func (e *enhanceDB) CreateRequest(ctx context.Context, request *enhance.Request) error {
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	referenceIDs, err := json.Marshal(request.ReferenceIDs)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = e.db.conn.ExecContext(ctx, `
		INSERT INTO enhancement_request (id, robot_id, reference_ids, source)
		VALUES ($1, $2, $3, $4)`,
		request.ID, request.RobotID, referenceIDs, request.Source)
	return Error.Wrap(err)
}

// GetRequest implements enhance.DB.
func (e *enhanceDB) GetRequest(ctx context.Context, id uuid.UUID) (*enhance.Request, error) {
	var row struct {
		ID           uuid.UUID `db:"id"`
		RobotID      uuid.UUID `db:"robot_id"`
		ReferenceIDs []byte    `db:"reference_ids"`
		Source       string    `db:"source"`
		CreatedAt    time.Time `db:"created_at"`
	}
	err := sqlx.GetContext(ctx, e.db.conn, &row, `
		SELECT id, robot_id, reference_ids, source, created_at
		FROM enhancement_request WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enhance.ErrNotFound.New("request %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	request := &enhance.Request{
		ID:        row.ID,
		RobotID:   row.RobotID,
		Source:    row.Source,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal(row.ReferenceIDs, &request.ReferenceIDs); err != nil {
		return nil, Error.Wrap(err)
	}
	return request, nil
}

// CreatePending implements enhance.DB.
func (e *enhanceDB) CreatePending(ctx context.Context, pendings ...*enhance.PendingEnhancement) error {
	for _, pending := range pendings {
		if pending.ID == uuid.Nil {
			pending.ID = uuid.New()
		}
		if pending.Status == "" {
			pending.Status = enhance.StatusPending
		}
		var requestID, batchID, retryOf uuid.NullUUID
		if pending.RequestID != nil {
			requestID = uuid.NullUUID{UUID: *pending.RequestID, Valid: true}
		}
		if pending.BatchID != nil {
			batchID = uuid.NullUUID{UUID: *pending.BatchID, Valid: true}
		}
		if pending.RetryOf != nil {
			retryOf = uuid.NullUUID{UUID: *pending.RetryOf, Valid: true}
		}
		_, err := e.db.conn.ExecContext(ctx, `
			INSERT INTO pending_enhancement
				(id, reference_id, robot_id, request_id, batch_id, status, source, retry_of)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			pending.ID, pending.ReferenceID, pending.RobotID,
			requestID, batchID, string(pending.Status), pending.Source, retryOf)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// GetPending implements enhance.DB.
func (e *enhanceDB) GetPending(ctx context.Context, id uuid.UUID) (*enhance.PendingEnhancement, error) {
	var row pendingRow
	err := sqlx.GetContext(ctx, e.db.conn, &row, `
		SELECT `+pendingColumns+` FROM pending_enhancement WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enhance.ErrNotFound.New("pending %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	pending := row.pending()
	return &pending, nil
}

// ListForRequest implements enhance.DB.
func (e *enhanceDB) ListForRequest(ctx context.Context, requestID uuid.UUID) ([]enhance.PendingEnhancement, error) {
	return e.list(ctx, `request_id = $1`, requestID)
}

// ListForBatch implements enhance.DB.
func (e *enhanceDB) ListForBatch(ctx context.Context, batchID uuid.UUID) ([]enhance.PendingEnhancement, error) {
	return e.list(ctx, `batch_id = $1`, batchID)
}

func (e *enhanceDB) list(ctx context.Context, where string, arg interface{}) ([]enhance.PendingEnhancement, error) {
	var rows []pendingRow
	err := sqlx.SelectContext(ctx, e.db.conn, &rows, `
		SELECT `+pendingColumns+` FROM pending_enhancement
		WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	pendings := make([]enhance.PendingEnhancement, 0, len(rows))
	for _, row := range rows {
		pendings = append(pendings, row.pending())
	}
	return pendings, nil
}

// Lease implements enhance.DB. Oldest work first, at most one pending
// enhancement per reference; the status guard on the outer update
// skips rows a concurrent lease claimed between select and update.
func (e *enhanceDB) Lease(ctx context.Context, robotID, batchID uuid.UUID, limit int, expiresAt time.Time) (_ []enhance.PendingEnhancement, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []pendingRow
	err = sqlx.SelectContext(ctx, e.db.conn, &rows, `
		UPDATE pending_enhancement
		SET status = 'processing', batch_id = $2, expires_at = $4, updated_at = now()
		WHERE status = 'pending' AND id IN (
			SELECT id FROM (
				SELECT DISTINCT ON (reference_id) id, created_at
				FROM pending_enhancement
				WHERE robot_id = $1 AND status = 'pending' AND batch_id IS NULL
				ORDER BY reference_id, created_at, id
			) candidates
			ORDER BY created_at, id
			LIMIT $3
		)
		RETURNING `+pendingColumns,
		robotID, batchID, limit, expiresAt)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	pendings := make([]enhance.PendingEnhancement, 0, len(rows))
	for _, row := range rows {
		pendings = append(pendings, row.pending())
	}
	return pendings, nil
}

// RenewLease implements enhance.DB. Already lapsed leases are not
// renewed.
func (e *enhanceDB) RenewLease(ctx context.Context, batchID uuid.UUID, expiresAt time.Time) (int, error) {
	result, err := e.db.conn.ExecContext(ctx, `
		UPDATE pending_enhancement
		SET expires_at = $2, updated_at = now()
		WHERE batch_id = $1 AND status = 'processing' AND expires_at > now()`,
		batchID, expiresAt)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return int(affected), nil
}

// ExpireStale implements enhance.DB.
func (e *enhanceDB) ExpireStale(ctx context.Context, now time.Time) (_ []enhance.PendingEnhancement, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []pendingRow
	err = sqlx.SelectContext(ctx, e.db.conn, &rows, `
		UPDATE pending_enhancement
		SET status = 'expired', updated_at = now()
		WHERE status = 'processing' AND expires_at <= $1
		RETURNING `+pendingColumns, now)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	pendings := make([]enhance.PendingEnhancement, 0, len(rows))
	for _, row := range rows {
		pendings = append(pendings, row.pending())
	}
	return pendings, nil
}

// UpdatePendingStatus implements enhance.DB.
func (e *enhanceDB) UpdatePendingStatus(ctx context.Context, ids []uuid.UUID, status enhance.PendingStatus) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE pending_enhancement SET status = ?, updated_at = now() WHERE id IN (?)`,
		string(status), ids)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = e.db.conn.ExecContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	return Error.Wrap(err)
}

// RetryDepth implements enhance.DB.
func (e *enhanceDB) RetryDepth(ctx context.Context, id uuid.UUID) (int, error) {
	var depth int
	err := sqlx.GetContext(ctx, e.db.conn, &depth, `
		WITH RECURSIVE chain AS (
			SELECT id, retry_of, 0 AS depth FROM pending_enhancement WHERE id = $1
			UNION ALL
			SELECT p.id, p.retry_of, chain.depth + 1
			FROM pending_enhancement p
			JOIN chain ON p.id = chain.retry_of
		)
		SELECT max(depth) FROM chain`, id)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return depth, nil
}

// CreateBatch implements enhance.DB.
func (e *enhanceDB) CreateBatch(ctx context.Context, batch *enhance.Batch) error {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	_, err := e.db.conn.ExecContext(ctx, `
		INSERT INTO robot_enhancement_batch
			(id, robot_id,
			 reference_data_location, reference_data_container, reference_data_path,
			 result_location, result_container, result_path,
			 validation_location, validation_container, validation_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		batch.ID, batch.RobotID,
		batch.ReferenceData.Location, batch.ReferenceData.Container, batch.ReferenceData.Path,
		batch.Result.Location, batch.Result.Container, batch.Result.Path,
		batch.Validation.Location, batch.Validation.Container, batch.Validation.Path)
	return Error.Wrap(err)
}

// DeleteBatch implements enhance.DB.
func (e *enhanceDB) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	_, err := e.db.conn.ExecContext(ctx, `DELETE FROM robot_enhancement_batch WHERE id = $1`, id)
	return Error.Wrap(err)
}

// GetBatch implements enhance.DB.
func (e *enhanceDB) GetBatch(ctx context.Context, id uuid.UUID) (*enhance.Batch, error) {
	var row enhanceBatchRow
	err := sqlx.GetContext(ctx, e.db.conn, &row, `
		SELECT id, robot_id,
			reference_data_location, reference_data_container, reference_data_path,
			result_location, result_container, result_path,
			validation_location, validation_container, validation_path,
			created_at, updated_at
		FROM robot_enhancement_batch WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enhance.ErrNotFound.New("batch %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	batch := row.batch()
	return &batch, nil
}

// UpdateBatch implements enhance.DB.
func (e *enhanceDB) UpdateBatch(ctx context.Context, batch *enhance.Batch) error {
	result, err := e.db.conn.ExecContext(ctx, `
		UPDATE robot_enhancement_batch
		SET reference_data_location = $2, reference_data_container = $3, reference_data_path = $4,
			result_location = $5, result_container = $6, result_path = $7,
			validation_location = $8, validation_container = $9, validation_path = $10,
			updated_at = now()
		WHERE id = $1`,
		batch.ID,
		batch.ReferenceData.Location, batch.ReferenceData.Container, batch.ReferenceData.Path,
		batch.Result.Location, batch.Result.Container, batch.Result.Path,
		batch.Validation.Location, batch.Validation.Container, batch.Validation.Path)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return enhance.ErrNotFound.New("batch %s", batch.ID)
	}
	return nil
}
