// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/imports"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/robots"
	"storj.io/refrepo/repository/sdk"
	"storj.io/refrepo/repository/search"
)

type contextKey int

const robotContextKey contextKey = iota

func withRobot(ctx context.Context, robot *robots.Robot) context.Context {
	return context.WithValue(ctx, robotContextKey, robot)
}

func robotFrom(ctx context.Context) *robots.Robot {
	robot, _ := ctx.Value(robotContextKey).(*robots.Robot)
	return robot
}

func parseUUID(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}

func pathUUID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func (server *Server) decode(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("malformed request body: %v", err))
		return false
	}
	return true
}

func (server *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		server.log.Error("response encoding failed", zap.Error(err))
	}
}

func (server *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		server.log.Error("request failed", zap.Error(err))
	}
	server.respondJSON(w, status, map[string]string{"detail": err.Error()})
}

// respond maps domain error classes onto HTTP statuses.
func (server *Server) respond(w http.ResponseWriter, err error, status int, body interface{}) {
	if err == nil {
		server.respondJSON(w, status, body)
		return
	}
	switch {
	case sdk.ErrInvalidInput.Has(err),
		search.ErrQuerySyntax.Has(err),
		search.ErrMalformedDocument.Has(err):
		server.respondError(w, http.StatusBadRequest, err)
	case reference.ErrNotFound.Has(err),
		imports.ErrNotFound.Has(err),
		enhance.ErrNotFound.Has(err),
		robots.ErrNotFound.Has(err),
		search.ErrNotFound.Has(err):
		server.respondError(w, http.StatusNotFound, err)
	case imports.ErrBatchExists.Has(err),
		robots.ErrRobotExists.Has(err),
		robots.ErrAutomationExists.Has(err):
		server.respondError(w, http.StatusConflict, err)
	case enhance.ErrLeaseExpired.Has(err):
		server.respondError(w, http.StatusGone, err)
	default:
		server.respondError(w, http.StatusInternalServerError, err)
	}
}
