// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package enhance

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/blobstore"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/robots"
	"storj.io/refrepo/repository/sdk"
	"storj.io/refrepo/repository/syncer"
)

var mon = monkit.Package()

// ErrNoWork is returned when a robot polls and nothing is leasable.
var ErrNoWork = Error.New("no pending enhancements")

// Config holds enhancement pipeline configuration.
type Config struct {
	BlobLocation    string        `help:"blob store location for enhancement batch files" default:"default"`
	BlobContainer   string        `help:"blob container for enhancement batch files" default:"refrepo"`
	LeaseDuration   time.Duration `help:"default batch lease duration" default:"30m"`
	SignedURLExpiry time.Duration `help:"validity of signed batch URLs" default:"1h"`
	PollLimit       int           `help:"default maximum pending enhancements per batch" default:"100"`
	SweepInterval   time.Duration `help:"interval between lease expiry sweeps" default:"1m"`
}

// Dispatcher evaluates changesets against robot automations.
type Dispatcher interface {
	DispatchChangesets(ctx context.Context, changesets []reference.Changeset, source string, skipRobotID uuid.UUID) error
}

// Bundle is what a robot receives for a leased batch.
type Bundle struct {
	BatchID          uuid.UUID `json:"batch_id"`
	ReferenceDataURL string    `json:"reference_data_url"`
	ResultUploadURL  string    `json:"result_upload_url"`
	ExpiresAt        time.Time `json:"expires_at"`
	ReferenceCount   int       `json:"reference_count"`
}

// Service manages the robot enhancement lifecycle: request creation,
// batch leasing, lease renewal and result ingestion.
type Service struct {
	log        *zap.Logger
	refs       reference.DB
	robots     robots.DB
	work       DB
	blobs      blobstore.Store
	refsync    *syncer.References
	dispatcher Dispatcher
	config     Config
}

// NewService creates the enhancement service. dispatcher may be nil
// when automation chaining is disabled.
func NewService(log *zap.Logger, refs reference.DB, robotsDB robots.DB, work DB, blobs blobstore.Store, refsync *syncer.References, dispatcher Dispatcher, config Config) *Service {
	return &Service{
		log:        log,
		refs:       refs,
		robots:     robotsDB,
		work:       work,
		blobs:      blobs,
		refsync:    refsync,
		dispatcher: dispatcher,
		config:     config,
	}
}

// CreateRequest registers an explicit enhancement request and its
// pending work. All reference ids must exist.
func (service *Service) CreateRequest(ctx context.Context, robotID uuid.UUID, referenceIDs []uuid.UUID, source string) (_ *Request, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := service.robots.Get(ctx, robotID); err != nil {
		return nil, Error.Wrap(err)
	}
	for _, referenceID := range referenceIDs {
		if _, err := service.refs.Get(ctx, referenceID, 0); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	request := &Request{
		RobotID:      robotID,
		ReferenceIDs: referenceIDs,
		Source:       source,
	}
	// The request and its pending work commit together; a failure
	// leaves no dangling request stuck in received.
	err = service.work.WithTx(ctx, func(ctx context.Context, tx DB) error {
		if err := tx.CreateRequest(ctx, request); err != nil {
			return err
		}
		pendings := make([]*PendingEnhancement, 0, len(referenceIDs))
		for _, referenceID := range referenceIDs {
			requestID := request.ID
			pendings = append(pendings, &PendingEnhancement{
				ReferenceID: referenceID,
				RobotID:     robotID,
				RequestID:   &requestID,
				Status:      StatusPending,
				Source:      source,
			})
		}
		return tx.CreatePending(ctx, pendings...)
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	service.log.Info("enhancement request created",
		zap.Stringer("request_id", request.ID),
		zap.Stringer("robot_id", robotID),
		zap.Int("references", len(referenceIDs)))
	return request, nil
}

// RequestStatus projects a request's derived status.
func (service *Service) RequestStatus(ctx context.Context, requestID uuid.UUID) (RequestStatus, error) {
	if _, err := service.work.GetRequest(ctx, requestID); err != nil {
		return "", Error.Wrap(err)
	}
	pendings, err := service.work.ListForRequest(ctx, requestID)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return DeriveRequestStatus(pendings), nil
}

// PollBatch leases up to limit pending enhancements for the robot and
// returns the signed URL bundle. ErrNoWork when nothing is leasable.
func (service *Service) PollBatch(ctx context.Context, robotID uuid.UUID, limit int, lease time.Duration) (_ *Bundle, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = service.config.PollLimit
	}
	if lease <= 0 {
		lease = service.config.LeaseDuration
	}

	batch := &Batch{ID: uuid.New(), RobotID: robotID}
	batch.ReferenceData = service.blobRef("robot_enhancement_batch_reference_data", batch.ID)
	batch.Result = service.blobRef("robot_enhancement_batch_result", batch.ID)
	batch.Validation = service.blobRef("robot_enhancement_batch_validation", batch.ID)
	if err := service.work.CreateBatch(ctx, batch); err != nil {
		return nil, Error.Wrap(err)
	}

	expiresAt := time.Now().Add(lease)
	leased, err := service.work.Lease(ctx, robotID, batch.ID, limit, expiresAt)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(leased) == 0 {
		_ = service.work.DeleteBatch(ctx, batch.ID)
		return nil, ErrNoWork
	}

	if err := service.uploadReferenceData(ctx, batch, leased); err != nil {
		return nil, err
	}

	downloadURL, err := service.blobs.SignedDownloadURL(ctx, batch.ReferenceData, service.config.SignedURLExpiry)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	uploadURL, err := service.blobs.SignedUploadURL(ctx, batch.Result, service.config.SignedURLExpiry)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	service.log.Info("batch leased",
		zap.Stringer("batch_id", batch.ID),
		zap.Stringer("robot_id", robotID),
		zap.Int("references", len(leased)))
	return &Bundle{
		BatchID:          batch.ID,
		ReferenceDataURL: downloadURL,
		ResultUploadURL:  uploadURL,
		ExpiresAt:        expiresAt,
		ReferenceCount:   len(leased),
	}, nil
}

func (service *Service) blobRef(prefix string, batchID uuid.UUID) blobstore.Ref {
	return blobstore.Ref{
		Location:  service.config.BlobLocation,
		Container: service.config.BlobContainer,
		Path:      prefix + "/" + batchID.String() + ".jsonl",
	}
}

// uploadReferenceData streams the hydrated deduplicated projections of
// the leased references to blob storage.
func (service *Service) uploadReferenceData(ctx context.Context, batch *Batch, leased []PendingEnhancement) error {
	writer, err := service.blobs.Upload(ctx, batch.ReferenceData)
	if err != nil {
		return Error.Wrap(err)
	}

	lines := sdk.NewLineWriter(writer)
	for _, pending := range leased {
		ref, err := service.refs.Get(ctx, pending.ReferenceID, reference.PreloadAll)
		if err != nil {
			return Error.Wrap(errs.Combine(err, writer.Cancel()))
		}
		record, err := sdk.FromReference(reference.Deduplicated(ref))
		if err != nil {
			return Error.Wrap(errs.Combine(err, writer.Cancel()))
		}
		if err := lines.Write(record); err != nil {
			return Error.Wrap(errs.Combine(err, writer.Cancel()))
		}
	}
	return Error.Wrap(writer.Commit())
}

// RenewLease extends the batch lease. Refused once every lease in the
// batch has lapsed.
func (service *Service) RenewLease(ctx context.Context, batchID uuid.UUID, lease time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	if lease <= 0 {
		lease = service.config.LeaseDuration
	}
	renewed, err := service.work.RenewLease(ctx, batchID, time.Now().Add(lease))
	if err != nil {
		return Error.Wrap(err)
	}
	if renewed == 0 {
		if _, err := service.work.GetBatch(ctx, batchID); err != nil {
			return Error.Wrap(err)
		}
		return ErrLeaseExpired.New("batch %s", batchID)
	}
	return nil
}

// IngestResult consumes a robot's uploaded result stream, applies the
// valid enhancements, writes the validation report, re-indexes affected
// references and dispatches follow-on automations.
func (service *Service) IngestResult(ctx context.Context, batchID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	batch, err := service.work.GetBatch(ctx, batchID)
	if err != nil {
		return Error.Wrap(err)
	}
	pendings, err := service.work.ListForBatch(ctx, batchID)
	if err != nil {
		return Error.Wrap(err)
	}

	expected := map[uuid.UUID]PendingEnhancement{}
	for _, pending := range pendings {
		expected[pending.ReferenceID] = pending
	}

	outcomes, applied, err := service.consumeResults(ctx, batch, expected)
	if err != nil {
		return err
	}

	var succeeded, discarded, failed []uuid.UUID
	for referenceID, pending := range expected {
		switch outcomes[referenceID] {
		case StatusCompleted:
			succeeded = append(succeeded, pending.ID)
		case StatusDiscarded:
			discarded = append(discarded, pending.ID)
		default:
			failed = append(failed, pending.ID)
		}
	}
	if err := service.work.UpdatePendingStatus(ctx, succeeded, StatusIndexing); err != nil {
		return Error.Wrap(err)
	}
	if err := service.work.UpdatePendingStatus(ctx, discarded, StatusDiscarded); err != nil {
		return Error.Wrap(err)
	}
	if err := service.work.UpdatePendingStatus(ctx, failed, StatusFailed); err != nil {
		return Error.Wrap(err)
	}

	service.index(ctx, expected, outcomes)

	if service.dispatcher != nil && len(applied) > 0 {
		changesets, err := service.changesets(ctx, applied)
		if err != nil {
			service.log.Error("changeset assembly failed", zap.Error(err))
		} else if err := service.dispatcher.DispatchChangesets(ctx, changesets,
			"RobotEnhancementBatch:"+batch.ID.String(), batch.RobotID); err != nil {
			// Automation dispatch never poisons result ingestion.
			service.log.Error("automation dispatch failed",
				zap.Stringer("batch_id", batch.ID), zap.Error(err))
		}
	}
	return nil
}

// consumeResults streams the result blob and writes the validation
// report. It returns the per-reference outcome and the enhancements
// actually stored.
func (service *Service) consumeResults(ctx context.Context, batch *Batch, expected map[uuid.UUID]PendingEnhancement) (map[uuid.UUID]PendingStatus, []reference.Enhancement, error) {
	src, err := service.blobs.Download(ctx, batch.Result)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	lines := sdk.NewLineReader(src)
	defer func() { _ = lines.Close() }()

	reportWriter, err := service.blobs.Upload(ctx, batch.Validation)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	report := sdk.NewLineWriter(reportWriter)

	outcomes := map[uuid.UUID]PendingStatus{}
	seen := map[uuid.UUID]bool{}
	var applied []reference.Enhancement

	for {
		line, ordinal, err := lines.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A mid-stream failure is not a robot mistake: abandon the
			// report and leave the leased work processing, so the lease
			// sweeper can retry it.
			return nil, nil, Error.Wrap(errs.Combine(err, reportWriter.Cancel()))
		}

		entry, err := sdk.ParseRobotResultEntry(line)
		if err != nil {
			_ = report.Write(sdk.ValidationEntry{Error: Error.New("line %d: %v", ordinal, err).Error()})
			continue
		}

		if entry.Error != nil {
			referenceID := entry.Error.ReferenceID
			_ = report.Write(sdk.ValidationEntry{ReferenceID: &referenceID, Error: entry.Error.Message})
			if _, ok := expected[referenceID]; ok && !seen[referenceID] {
				seen[referenceID] = true
				outcomes[referenceID] = StatusFailed
			}
			continue
		}

		referenceID := *entry.Enhancement.ReferenceID
		if _, ok := expected[referenceID]; !ok {
			_ = report.Write(sdk.ValidationEntry{ReferenceID: &referenceID, Error: "reference not in batch"})
			continue
		}
		if seen[referenceID] {
			_ = report.Write(sdk.ValidationEntry{ReferenceID: &referenceID, Error: "duplicate result entry"})
			continue
		}
		seen[referenceID] = true

		enhancement, err := sdk.ToEnhancement(*entry.Enhancement)
		if err != nil {
			_ = report.Write(sdk.ValidationEntry{ReferenceID: &referenceID, Error: err.Error()})
			outcomes[referenceID] = StatusFailed
			continue
		}

		switch err := service.refs.AddEnhancement(ctx, enhancement); {
		case err == nil:
			outcomes[referenceID] = StatusCompleted
			applied = append(applied, enhancement)
			_ = report.Write(sdk.ValidationEntry{ReferenceID: &referenceID})
		case reference.ErrDuplicateEnhancement.Has(err):
			outcomes[referenceID] = StatusDiscarded
			_ = report.Write(sdk.ValidationEntry{ReferenceID: &referenceID, Error: "duplicate enhancement content"})
		default:
			outcomes[referenceID] = StatusFailed
			_ = report.Write(sdk.ValidationEntry{ReferenceID: &referenceID, Error: err.Error()})
		}
	}

	for referenceID := range expected {
		if !seen[referenceID] {
			id := referenceID
			_ = report.Write(sdk.ValidationEntry{ReferenceID: &id, Error: "missing result entry"})
		}
	}

	if err := reportWriter.Commit(); err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return outcomes, applied, nil
}

// index re-emits projections for the successfully enhanced references
// and settles their pending statuses.
func (service *Service) index(ctx context.Context, expected map[uuid.UUID]PendingEnhancement, outcomes map[uuid.UUID]PendingStatus) {
	for referenceID, pending := range expected {
		if outcomes[referenceID] != StatusCompleted {
			continue
		}
		status := StatusCompleted
		if err := service.refsync.SQLToSearch(ctx, referenceID); err != nil {
			// The enhancement is stored; only its projection lags.
			service.log.Error("re-index failed",
				zap.Stringer("reference_id", referenceID), zap.Error(err))
			status = StatusIndexingFailed
		}
		if err := service.work.UpdatePendingStatus(ctx, []uuid.UUID{pending.ID}, status); err != nil {
			service.log.Error("pending status update failed",
				zap.Stringer("pending_id", pending.ID), zap.Error(err))
		}
	}
}

// changesets resolves each applied enhancement to its canonical and
// groups them per canonical reference.
func (service *Service) changesets(ctx context.Context, applied []reference.Enhancement) ([]reference.Changeset, error) {
	grouped := map[uuid.UUID][]reference.Enhancement{}
	var order []uuid.UUID
	for _, enhancement := range applied {
		ref, err := service.refs.Get(ctx, enhancement.ReferenceID, reference.PreloadDecision)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		canonicalID := ref.ID
		if id := ref.CanonicalID(); id != nil {
			canonicalID = *id
		}
		if _, ok := grouped[canonicalID]; !ok {
			order = append(order, canonicalID)
		}
		grouped[canonicalID] = append(grouped[canonicalID], enhancement)
	}

	changesets := make([]reference.Changeset, 0, len(order))
	for _, canonicalID := range order {
		changesets = append(changesets, reference.Changeset{
			CanonicalID: canonicalID,
			Changed:     grouped[canonicalID],
		})
	}
	return changesets, nil
}
