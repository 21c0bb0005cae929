// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"storj.io/refrepo/repository/enhance"
)

type enhancementRequestRequest struct {
	RobotID      uuid.UUID   `json:"robot_id"`
	ReferenceIDs []uuid.UUID `json:"reference_ids"`
	Source       string      `json:"source,omitempty"`
}

type enhancementRequestResponse struct {
	ID           uuid.UUID   `json:"id"`
	RobotID      uuid.UUID   `json:"robot_id"`
	ReferenceIDs []uuid.UUID `json:"reference_ids"`
	Source       string      `json:"source,omitempty"`
}

func (server *Server) createEnhancementRequest(w http.ResponseWriter, r *http.Request) {
	var req enhancementRequestRequest
	if !server.decode(w, r, &req) {
		return
	}
	if req.RobotID == uuid.Nil || len(req.ReferenceIDs) == 0 {
		server.respondError(w, http.StatusBadRequest, Error.New("robot_id and reference_ids are required"))
		return
	}
	request, err := server.services.Enhance.CreateRequest(r.Context(), req.RobotID, req.ReferenceIDs, req.Source)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusCreated, enhancementRequestResponse{
		ID:           request.ID,
		RobotID:      request.RobotID,
		ReferenceIDs: request.ReferenceIDs,
		Source:       request.Source,
	})
}

func (server *Server) enhancementRequestStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid request id"))
		return
	}
	status, err := server.services.Enhance.RequestStatus(r.Context(), id)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusOK, map[string]enhance.RequestStatus{"status": status})
}

type pollBatchRequest struct {
	Limit        int `json:"limit,omitempty"`
	LeaseSeconds int `json:"lease_seconds,omitempty"`
}

func (server *Server) pollEnhancementBatch(w http.ResponseWriter, r *http.Request) {
	robot := robotFrom(r.Context())

	var req pollBatchRequest
	if r.ContentLength > 0 && !server.decode(w, r, &req) {
		return
	}
	bundle, err := server.services.Enhance.PollBatch(r.Context(), robot.ID,
		req.Limit, time.Duration(req.LeaseSeconds)*time.Second)
	if errors.Is(err, enhance.ErrNoWork) {
		server.respond(w, nil, http.StatusNoContent, nil)
		return
	}
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusCreated, bundle)
}

func (server *Server) renewEnhancementLease(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid batch id"))
		return
	}
	if !server.robotOwnsBatch(w, r, id) {
		return
	}
	var req pollBatchRequest
	if r.ContentLength > 0 && !server.decode(w, r, &req) {
		return
	}
	err = server.services.Enhance.RenewLease(r.Context(), id, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusNoContent, nil)
}

// robotOwnsBatch rejects access to another robot's batch.
func (server *Server) robotOwnsBatch(w http.ResponseWriter, r *http.Request, batchID uuid.UUID) bool {
	batch, err := server.services.DB.Enhancements().GetBatch(r.Context(), batchID)
	if err != nil {
		server.respond(w, err, 0, nil)
		return false
	}
	if robot := robotFrom(r.Context()); robot == nil || batch.RobotID != robot.ID {
		server.respondError(w, http.StatusForbidden, Error.New("batch belongs to another robot"))
		return false
	}
	return true
}

func (server *Server) ingestEnhancementResult(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid batch id"))
		return
	}
	if !server.robotOwnsBatch(w, r, id) {
		return
	}
	if err := server.services.Enhance.IngestResult(r.Context(), id); err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusAccepted, nil)
}
