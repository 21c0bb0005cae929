// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package enhance_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/refrepo/blobstore"
	"storj.io/refrepo/blobstore/teststore"
	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/repositorydb/testdb"
	"storj.io/refrepo/repository/robots"
	"storj.io/refrepo/repository/search/searchtest"
	"storj.io/refrepo/repository/syncer"
)

type fixture struct {
	db      *testdb.DB
	blobs   *teststore.Store
	store   *searchtest.Store
	service *enhance.Service
	robot   *robots.Robot
}

type recordingDispatcher struct {
	changesets []reference.Changeset
	source     string
	skip       uuid.UUID
}

func (d *recordingDispatcher) DispatchChangesets(ctx context.Context, changesets []reference.Changeset, source string, skipRobotID uuid.UUID) error {
	d.changesets = append(d.changesets, changesets...)
	d.source = source
	d.skip = skipRobotID
	return nil
}

func newFixture(t *testing.T, dispatcher enhance.Dispatcher) *fixture {
	log := zaptest.NewLogger(t)
	db := testdb.New()
	blobs := teststore.New()
	store := searchtest.New()
	refsync := syncer.NewReferences(log, db.References(), store, reference.SearchFieldsConfig{})

	robot := &robots.Robot{Name: "abstract-bot", ClientSecret: "secret"}
	require.NoError(t, db.Robots().Create(context.Background(), robot))

	service := enhance.NewService(log, db.References(), db.Robots(), db.Enhancements(),
		blobs, refsync, dispatcher, testConfig())
	return &fixture{db: db, blobs: blobs, store: store, service: service, robot: robot}
}

func testConfig() enhance.Config {
	return enhance.Config{
		BlobLocation:    "default",
		BlobContainer:   "refrepo",
		LeaseDuration:   30 * time.Minute,
		SignedURLExpiry: time.Hour,
		PollLimit:       100,
	}
}

func (f *fixture) createReference(t *testing.T, title string) *reference.Reference {
	ref := &reference.Reference{
		ID: uuid.New(),
		Enhancements: []reference.Enhancement{{
			ID:     uuid.New(),
			Source: "import",
			Content: reference.BibliographicContent{
				Title:           title,
				PublicationYear: 2021,
			},
		}},
	}
	ref.Enhancements[0].ReferenceID = ref.ID
	require.NoError(t, f.db.References().Create(context.Background(), ref))
	return ref
}

func (f *fixture) schedule(t *testing.T, referenceID uuid.UUID) *enhance.PendingEnhancement {
	pending := &enhance.PendingEnhancement{
		ReferenceID: referenceID,
		RobotID:     f.robot.ID,
		Status:      enhance.StatusPending,
		Source:      "test",
	}
	require.NoError(t, f.db.Enhancements().CreatePending(context.Background(), pending))
	return pending
}

func TestCreateRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ref := f.createReference(t, "Heat and Health")

	request, err := f.service.CreateRequest(ctx, f.robot.ID, []uuid.UUID{ref.ID}, "api")
	require.NoError(t, err)

	status, err := f.service.RequestStatus(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, enhance.RequestReceived, status)

	_, err = f.service.CreateRequest(ctx, f.robot.ID, []uuid.UUID{uuid.New()}, "api")
	require.Error(t, err)
}

func TestPollBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first := f.createReference(t, "Heat and Health")
	second := f.createReference(t, "Cold and Health")
	f.schedule(t, first.ID)
	f.schedule(t, second.ID)
	// A second unit of work for the same reference must not lease into
	// the same batch.
	f.schedule(t, first.ID)

	bundle, err := f.service.PollBatch(ctx, f.robot.ID, 10, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, bundle.ReferenceCount)
	require.NotEmpty(t, bundle.ReferenceDataURL)
	require.NotEmpty(t, bundle.ResultUploadURL)

	batch, err := f.db.Enhancements().GetBatch(ctx, bundle.BatchID)
	require.NoError(t, err)
	data, ok := f.blobs.Bytes(batch.ReferenceData)
	require.True(t, ok)
	require.Len(t, splitLines(data), 2)

	// The leftover unit leases into the next batch.
	bundle, err = f.service.PollBatch(ctx, f.robot.ID, 10, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, bundle.ReferenceCount)

	// Nothing left: no work, and no orphaned batch row.
	_, err = f.service.PollBatch(ctx, f.robot.ID, 10, time.Hour)
	require.ErrorIs(t, err, enhance.ErrNoWork)
}

func TestRenewLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ref := f.createReference(t, "Heat and Health")
	f.schedule(t, ref.ID)

	bundle, err := f.service.PollBatch(ctx, f.robot.ID, 10, time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.service.RenewLease(ctx, bundle.BatchID, time.Hour))

	// Once every lease in the batch lapsed, renewal is refused.
	_, err = f.db.Enhancements().ExpireStale(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	err = f.service.RenewLease(ctx, bundle.BatchID, time.Hour)
	require.True(t, enhance.ErrLeaseExpired.Has(err))

	// Renewing an unknown batch is not found, not lease expiry.
	err = f.service.RenewLease(ctx, uuid.New(), time.Hour)
	require.True(t, enhance.ErrNotFound.Has(err))
}

func resultLine(t *testing.T, referenceID uuid.UUID, abstract string) []byte {
	t.Helper()
	line, err := json.Marshal(map[string]interface{}{
		"reference_id": referenceID,
		"source":       "abstract-bot",
		"content": map[string]interface{}{
			"enhancement_type": "abstract",
			"abstract":         abstract,
		},
	})
	require.NoError(t, err)
	return line
}

func errorLine(t *testing.T, referenceID uuid.UUID, message string) []byte {
	t.Helper()
	line, err := json.Marshal(map[string]interface{}{
		"reference_id": referenceID,
		"message":      message,
	})
	require.NoError(t, err)
	return line
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestIngestResult(t *testing.T) {
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	f := newFixture(t, dispatcher)

	succeeds := f.createReference(t, "Heat and Health")
	failsOnRobot := f.createReference(t, "Cold and Health")
	missing := f.createReference(t, "Rain and Health")

	pendings := map[uuid.UUID]*enhance.PendingEnhancement{
		succeeds.ID:     f.schedule(t, succeeds.ID),
		failsOnRobot.ID: f.schedule(t, failsOnRobot.ID),
		missing.ID:      f.schedule(t, missing.ID),
	}

	bundle, err := f.service.PollBatch(ctx, f.robot.ID, 10, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 3, bundle.ReferenceCount)
	batch, err := f.db.Enhancements().GetBatch(ctx, bundle.BatchID)
	require.NoError(t, err)

	results := bytes.Join([][]byte{
		resultLine(t, succeeds.ID, "We study heat."),
		errorLine(t, failsOnRobot.ID, "no abstract found"),
		resultLine(t, uuid.New(), "not in this batch"),
		[]byte("{not json"),
	}, []byte("\n"))
	f.blobs.Put(batch.Result, results)

	require.NoError(t, f.service.IngestResult(ctx, bundle.BatchID))

	status := func(id uuid.UUID) enhance.PendingStatus {
		pending, err := f.db.Enhancements().GetPending(ctx, pendings[id].ID)
		require.NoError(t, err)
		return pending.Status
	}
	require.Equal(t, enhance.StatusCompleted, status(succeeds.ID))
	require.Equal(t, enhance.StatusFailed, status(failsOnRobot.ID))
	require.Equal(t, enhance.StatusFailed, status(missing.ID))

	// The applied enhancement is stored and its projection re-indexed.
	stored, err := f.db.References().Get(ctx, succeeds.ID, reference.PreloadAll)
	require.NoError(t, err)
	require.Len(t, stored.Enhancements, 2)
	doc, err := f.store.GetReference(ctx, succeeds.ID)
	require.NoError(t, err)
	require.Equal(t, "We study heat.", doc.Abstract)

	// The validation report covers every line plus the missing entry.
	report, ok := f.blobs.Bytes(batch.Validation)
	require.True(t, ok)
	require.Len(t, splitLines(report), 5)

	// Follow-on automations see only the applied enhancement and never
	// the producing robot.
	require.Len(t, dispatcher.changesets, 1)
	require.Equal(t, succeeds.ID, dispatcher.changesets[0].CanonicalID)
	require.Equal(t, "RobotEnhancementBatch:"+bundle.BatchID.String(), dispatcher.source)
	require.Equal(t, f.robot.ID, dispatcher.skip)
}

func TestIngestResultDiscardsDuplicateContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ref := f.createReference(t, "Heat and Health")
	duplicate := reference.Enhancement{
		ID:          uuid.New(),
		ReferenceID: ref.ID,
		Source:      "earlier-run",
		Content:     reference.AbstractContent{Abstract: "We study heat."},
	}
	require.NoError(t, f.db.References().AddEnhancement(ctx, duplicate))

	pending := f.schedule(t, ref.ID)
	bundle, err := f.service.PollBatch(ctx, f.robot.ID, 10, time.Hour)
	require.NoError(t, err)
	batch, err := f.db.Enhancements().GetBatch(ctx, bundle.BatchID)
	require.NoError(t, err)

	f.blobs.Put(batch.Result, resultLine(t, ref.ID, "We study heat."))
	require.NoError(t, f.service.IngestResult(ctx, bundle.BatchID))

	updated, err := f.db.Enhancements().GetPending(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, enhance.StatusDiscarded, updated.Status)

	stored, err := f.db.References().Get(ctx, ref.ID, reference.PreloadEnhancements)
	require.NoError(t, err)
	require.Len(t, stored.Enhancements, 2)
}

// interruptedStore breaks the download of one blob partway through the
// stream.
type interruptedStore struct {
	blobstore.Store
	failPath string
}

func (store *interruptedStore) Download(ctx context.Context, ref blobstore.Ref) (io.ReadCloser, error) {
	src, err := store.Store.Download(ctx, ref)
	if err != nil || ref.Path != store.failPath {
		return src, err
	}
	defer func() { _ = src.Close() }()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return &interruptedReader{data: data[:len(data)/2]}, nil
}

type interruptedReader struct{ data []byte }

func (r *interruptedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, errs.New("connection reset")
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func (r *interruptedReader) Close() error { return nil }

func TestIngestResultStreamFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	log := zaptest.NewLogger(t)

	first := f.createReference(t, "Heat and Health")
	second := f.createReference(t, "Cold and Health")
	firstPending := f.schedule(t, first.ID)
	secondPending := f.schedule(t, second.ID)

	bundle, err := f.service.PollBatch(ctx, f.robot.ID, 10, time.Hour)
	require.NoError(t, err)
	batch, err := f.db.Enhancements().GetBatch(ctx, bundle.BatchID)
	require.NoError(t, err)

	// A complete result file exists, but its download dies mid-stream.
	f.blobs.Put(batch.Result, bytes.Join([][]byte{
		resultLine(t, first.ID, "We study heat."),
		resultLine(t, second.ID, "We study cold."),
	}, []byte("\n")))

	refsync := syncer.NewReferences(log, f.db.References(), f.store, reference.SearchFieldsConfig{})
	flaky := enhance.NewService(log, f.db.References(), f.db.Robots(), f.db.Enhancements(),
		&interruptedStore{Store: f.blobs, failPath: batch.Result.Path},
		refsync, nil, testConfig())

	require.Error(t, flaky.IngestResult(ctx, bundle.BatchID))

	// Nothing settles: the leases keep running so the sweeper can retry
	// the work, and no validation report is committed.
	for _, pending := range []*enhance.PendingEnhancement{firstPending, secondPending} {
		updated, err := f.db.Enhancements().GetPending(ctx, pending.ID)
		require.NoError(t, err)
		require.Equal(t, enhance.StatusProcessing, updated.Status)
	}
	_, ok := f.blobs.Bytes(batch.Validation)
	require.False(t, ok)
}

// brittleWork wraps the work store and refuses pending inserts while
// recording the request that made it that far.
type brittleWork struct {
	enhance.DB
	created *uuid.UUID
}

func (db *brittleWork) WithTx(ctx context.Context, fn func(ctx context.Context, tx enhance.DB) error) error {
	return db.DB.WithTx(ctx, func(ctx context.Context, tx enhance.DB) error {
		return fn(ctx, &brittleWork{DB: tx, created: db.created})
	})
}

func (db *brittleWork) CreateRequest(ctx context.Context, request *enhance.Request) error {
	err := db.DB.CreateRequest(ctx, request)
	*db.created = request.ID
	return err
}

func (db *brittleWork) CreatePending(ctx context.Context, pendings ...*enhance.PendingEnhancement) error {
	return errs.New("pending insert refused")
}

func TestCreateRequestRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	log := zaptest.NewLogger(t)
	ref := f.createReference(t, "Heat and Health")

	var created uuid.UUID
	refsync := syncer.NewReferences(log, f.db.References(), f.store, reference.SearchFieldsConfig{})
	service := enhance.NewService(log, f.db.References(), f.db.Robots(),
		&brittleWork{DB: f.db.Enhancements(), created: &created},
		f.blobs, refsync, nil, testConfig())

	_, err := service.CreateRequest(ctx, f.robot.ID, []uuid.UUID{ref.ID}, "api")
	require.Error(t, err)

	// The request did not survive its failed pending work.
	require.NotEqual(t, uuid.Nil, created)
	_, err = f.db.Enhancements().GetRequest(ctx, created)
	require.True(t, enhance.ErrNotFound.Has(err))
}
