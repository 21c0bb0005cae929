// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"storj.io/refrepo/repository/imports"
)

type importRecordRequest struct {
	Source                 string `json:"source"`
	ExpectedReferenceCount *int   `json:"expected_reference_count,omitempty"`
}

type importRecordResponse struct {
	ID                     uuid.UUID            `json:"id"`
	Source                 string               `json:"source"`
	ExpectedReferenceCount int                  `json:"expected_reference_count"`
	Status                 imports.RecordStatus `json:"status"`
	CreatedAt              time.Time            `json:"created_at"`
}

type importBatchRequest struct {
	StorageURL        string                    `json:"storage_url"`
	CallbackURL       string                    `json:"callback_url,omitempty"`
	CollisionStrategy imports.CollisionStrategy `json:"collision_strategy,omitempty"`
}

type importBatchResponse struct {
	ID          uuid.UUID           `json:"id"`
	RecordID    uuid.UUID           `json:"record_id"`
	StorageURL  string              `json:"storage_url"`
	CallbackURL string              `json:"callback_url,omitempty"`
	Status      imports.BatchStatus `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
}

func recordResponse(record *imports.Record) importRecordResponse {
	return importRecordResponse{
		ID:                     record.ID,
		Source:                 record.Source,
		ExpectedReferenceCount: record.ExpectedReferenceCount,
		Status:                 record.Status,
		CreatedAt:              record.CreatedAt,
	}
}

func batchResponse(batch *imports.Batch) importBatchResponse {
	return importBatchResponse{
		ID:          batch.ID,
		RecordID:    batch.RecordID,
		StorageURL:  batch.StorageURL,
		CallbackURL: batch.CallbackURL,
		Status:      batch.Status,
		CreatedAt:   batch.CreatedAt,
	}
}

func (server *Server) createImportRecord(w http.ResponseWriter, r *http.Request) {
	var req importRecordRequest
	if !server.decode(w, r, &req) {
		return
	}
	expected := imports.UnknownReferenceCount
	if req.ExpectedReferenceCount != nil {
		expected = *req.ExpectedReferenceCount
	}
	record, err := server.services.Imports.CreateRecord(r.Context(), req.Source, expected)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusCreated, recordResponse(record))
}

func (server *Server) getImportRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid record id"))
		return
	}
	record, err := server.services.DB.Imports().GetRecord(r.Context(), id)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusOK, recordResponse(record))
}

func (server *Server) cancelImportRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid record id"))
		return
	}
	if err := server.services.Imports.CancelRecord(r.Context(), id); err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusNoContent, nil)
}

func (server *Server) registerImportBatch(w http.ResponseWriter, r *http.Request) {
	recordID, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid record id"))
		return
	}
	var req importBatchRequest
	if !server.decode(w, r, &req) {
		return
	}
	if req.StorageURL == "" {
		server.respondError(w, http.StatusBadRequest, Error.New("storage_url is required"))
		return
	}
	strategy := req.CollisionStrategy
	if strategy == "" {
		strategy = imports.CollisionFail
	}
	batch, err := server.services.Imports.RegisterBatch(r.Context(), recordID, req.StorageURL, req.CallbackURL, strategy)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusCreated, batchResponse(batch))
}

func (server *Server) importBatchSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid batch id"))
		return
	}
	summary, err := server.services.Imports.Summary(r.Context(), id)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusOK, summary)
}
