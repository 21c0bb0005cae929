// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package importer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/refrepo/repository/dedupe"
	"storj.io/refrepo/repository/importer"
	"storj.io/refrepo/repository/imports"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/repositorydb/testdb"
	"storj.io/refrepo/repository/search/searchtest"
	"storj.io/refrepo/repository/syncer"
	"storj.io/refrepo/taskqueue"
	"storj.io/refrepo/taskqueue/testqueue"
)

type mapOpener map[string]string

func (opener mapOpener) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	body, ok := opener[url]
	if !ok {
		return nil, errs.New("no file at %s", url)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type pipeline struct {
	db      *testdb.DB
	store   *searchtest.Store
	queue   *testqueue.Queue
	service *importer.Service
	handler taskqueue.Handler
}

func newPipeline(t *testing.T, opener importer.Opener, callbacks *importer.CallbackDispatcher) *pipeline {
	log := zaptest.NewLogger(t)
	p := &pipeline{
		db:    testdb.New(),
		store: searchtest.New(),
		queue: testqueue.New(),
	}
	refsync := syncer.NewReferences(log.Named("syncer"), p.db.References(), p.store, reference.SearchFieldsConfig{})
	dedupeService := dedupe.NewService(log.Named("dedupe"), p.db.References(), p.store, refsync, nil,
		reference.SearchFieldsConfig{}, dedupe.Config{Enabled: true, CandidateLimit: 10, ConfidentScore: 0.8})
	ingestion := importer.NewIngestion(log.Named("ingest"), p.db, dedupeService, p.queue)
	orchestrator := importer.NewOrchestrator(log.Named("orchestrator"), p.db, ingestion, refsync, opener, callbacks)
	p.service = importer.NewService(log.Named("service"), p.db, p.queue)
	p.handler = importer.NewTaskHandler(orchestrator, dedupeService)
	return p
}

func bibLine(title, doi string, year int) string {
	line := map[string]interface{}{
		"enhancements": []map[string]interface{}{{
			"source": "import",
			"content": map[string]interface{}{
				"enhancement_type": "bibliographic",
				"title":            title,
				"authorship":       []map[string]string{{"display_name": "Ada Smith"}},
				"publication_year": year,
			},
		}},
	}
	if doi != "" {
		line["identifiers"] = []map[string]string{{"identifier_type": "doi", "identifier": doi}}
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		panic(err)
	}
	return string(encoded)
}

func (p *pipeline) run(ctx context.Context, t *testing.T, source, storageURL, callbackURL string) *imports.Batch {
	t.Helper()
	record, err := p.service.CreateRecord(ctx, source, imports.UnknownReferenceCount)
	require.NoError(t, err)
	batch, err := p.service.RegisterBatch(ctx, record.ID, storageURL, callbackURL, imports.CollisionFail)
	require.NoError(t, err)
	require.NoError(t, p.queue.Drain(ctx, p.handler))
	return batch
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()
	opener := mapOpener{
		"https://files/batch.jsonl": strings.Join([]string{
			bibLine("Heat and Health", "10.1000/heat", 2020),
			bibLine("Glacier melt rates", "", 2018),
			`{"enhancements":[{"source":"import"}]}`,
		}, "\n"),
	}
	p := newPipeline(t, opener, nil)

	batch := p.run(ctx, t, "test", "https://files/batch.jsonl", "")

	stored, err := p.db.Imports().GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, imports.BatchCompleted, stored.Status)

	results, err := p.db.Imports().ListResults(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, imports.ResultCompleted, results[0].Status)
	require.Equal(t, imports.ResultCompleted, results[1].Status)
	require.Equal(t, imports.ResultFailed, results[2].Status)
	require.Contains(t, results[2].FailureDetails, "line 3")
	require.Nil(t, results[2].ReferenceID)

	// Both ingested references are indexed with resolved decisions.
	require.Len(t, p.store.Documents(), 2)
	for _, result := range results[:2] {
		decision, err := p.db.References().ActiveDecision(ctx, *result.ReferenceID)
		require.NoError(t, err)
		require.Equal(t, reference.DeterminationCanonical, decision.Determination)
	}
}

func TestProcessBatchExactDuplicate(t *testing.T) {
	ctx := context.Background()
	line := bibLine("Heat and Health", "10.1000/heat", 2020)
	opener := mapOpener{
		"https://files/batch.jsonl": line + "\n" + line,
	}
	p := newPipeline(t, opener, nil)

	batch := p.run(ctx, t, "test", "https://files/batch.jsonl", "")

	results, err := p.db.Imports().ListResults(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, imports.ResultCompleted, results[0].Status)
	require.Equal(t, imports.ResultCompleted, results[1].Status)

	// The reimport is short-circuited: decision only, no second document.
	decision, err := p.db.References().ActiveDecision(ctx, *results[1].ReferenceID)
	require.NoError(t, err)
	require.Equal(t, reference.DeterminationExactDuplicate, decision.Determination)
	require.Equal(t, *results[0].ReferenceID, *decision.CanonicalID)
	require.Len(t, p.store.Documents(), 1)
}

func TestProcessBatchStreamFailure(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, mapOpener{}, nil)

	batch := p.run(ctx, t, "test", "https://files/missing.jsonl", "")

	stored, err := p.db.Imports().GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, imports.BatchFailed, stored.Status)
}

func TestProcessBatchCancelled(t *testing.T) {
	ctx := context.Background()
	opener := mapOpener{
		"https://files/batch.jsonl": bibLine("Heat and Health", "", 2020),
	}
	p := newPipeline(t, opener, nil)

	record, err := p.service.CreateRecord(ctx, "test", imports.UnknownReferenceCount)
	require.NoError(t, err)
	batch, err := p.service.RegisterBatch(ctx, record.ID, "https://files/batch.jsonl", "", imports.CollisionFail)
	require.NoError(t, err)
	require.NoError(t, p.service.CancelRecord(ctx, record.ID))

	require.NoError(t, p.queue.Drain(ctx, p.handler))

	stored, err := p.db.Imports().GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, imports.BatchCancelled, stored.Status)
	results, err := p.db.Imports().ListResults(ctx, batch.ID)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestProcessBatchSummaryCallback(t *testing.T) {
	ctx := context.Background()

	var received imports.Summary
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	opener := mapOpener{
		"https://files/batch.jsonl": bibLine("Heat and Health", "", 2020),
	}
	p := newPipeline(t, opener, importer.NewCallbackDispatcher(server.Client(), 2))

	batch := p.run(ctx, t, "test", "https://files/batch.jsonl", server.URL)

	require.Equal(t, 1, calls)
	require.Equal(t, batch.ID, received.BatchID)
	require.Equal(t, imports.BatchCompleted, received.Status)
	require.Equal(t, 1, received.Counts[imports.ResultCompleted])
}

func TestCallbackRetries(t *testing.T) {
	ctx := context.Background()
	summary := imports.Summary{Counts: map[imports.ResultStatus]int{}}

	t.Run("retries transient failures", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		dispatcher := importer.NewCallbackDispatcher(server.Client(), 2)
		require.NoError(t, dispatcher.Post(ctx, server.URL, summary))
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after budget", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		dispatcher := importer.NewCallbackDispatcher(server.Client(), 1)
		require.Error(t, dispatcher.Post(ctx, server.URL, summary))
		require.Equal(t, 2, calls)
	})

	t.Run("rejections are permanent", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		dispatcher := importer.NewCallbackDispatcher(server.Client(), 5)
		err := dispatcher.Post(ctx, server.URL, summary)
		require.Error(t, err)
		require.Contains(t, err.Error(), fmt.Sprint(http.StatusNotFound))
		require.Equal(t, 1, calls)
	})
}
