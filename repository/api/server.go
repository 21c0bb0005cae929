// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package api serves the repository HTTP surface: import registration,
// enhancement requests, robot batch polling, reference search and
// robot administration.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/refrepo/repository"
	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/importer"
	"storj.io/refrepo/repository/robots"
	"storj.io/refrepo/repository/search"
)

var (
	// Error is the default api errs class.
	Error = errs.Class("api")

	mon = monkit.Package()
)

// Config holds HTTP server configuration.
type Config struct {
	Address string `help:"address to listen on for the public api" default:":8080"`
}

// Services groups what the handlers need.
type Services struct {
	DB      repository.DB
	Imports *importer.Service
	Enhance *enhance.Service
	Robots  *robots.Service
	Search  search.Store
}

// Server is the public HTTP endpoint.
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server
	services Services
}

// NewServer creates the HTTP server on the given listener.
func NewServer(log *zap.Logger, listener net.Listener, services Services) *Server {
	server := &Server{
		log:      log,
		listener: listener,
		services: services,
	}

	router := mux.NewRouter()
	router.Use(server.logRequests)

	imports := router.PathPrefix("/imports").Subrouter()
	imports.HandleFunc("/records", server.createImportRecord).Methods(http.MethodPost)
	imports.HandleFunc("/records/{id}", server.getImportRecord).Methods(http.MethodGet)
	imports.HandleFunc("/records/{id}/cancel", server.cancelImportRecord).Methods(http.MethodPost)
	imports.HandleFunc("/records/{id}/batches", server.registerImportBatch).Methods(http.MethodPost)
	imports.HandleFunc("/batches/{id}/summary", server.importBatchSummary).Methods(http.MethodGet)

	router.HandleFunc("/enhancement-requests", server.createEnhancementRequest).Methods(http.MethodPost)
	router.HandleFunc("/enhancement-requests/{id}", server.enhancementRequestStatus).Methods(http.MethodGet)

	robot := router.PathPrefix("/robot-enhancement-batches").Subrouter()
	robot.Use(server.authenticateRobot)
	robot.HandleFunc("", server.pollEnhancementBatch).Methods(http.MethodPost)
	robot.HandleFunc("/{id}/renew-lease", server.renewEnhancementLease).Methods(http.MethodPost)
	robot.HandleFunc("/{id}/results", server.ingestEnhancementResult).Methods(http.MethodPost)

	router.HandleFunc("/references/search", server.searchReferences).Methods(http.MethodGet)
	router.HandleFunc("/references/lookup", server.lookupReference).Methods(http.MethodGet)
	router.HandleFunc("/references/{id}", server.getReference).Methods(http.MethodGet)

	admin := router.PathPrefix("/robots").Subrouter()
	admin.HandleFunc("", server.createRobot).Methods(http.MethodPost)
	admin.HandleFunc("", server.listRobots).Methods(http.MethodGet)
	admin.HandleFunc("/{id}", server.getRobot).Methods(http.MethodGet)
	admin.HandleFunc("/{id}", server.updateRobot).Methods(http.MethodPut)
	admin.HandleFunc("/{id}", server.deleteRobot).Methods(http.MethodDelete)
	admin.HandleFunc("/{id}/cycle-secret", server.cycleRobotSecret).Methods(http.MethodPost)
	admin.HandleFunc("/{id}/automations", server.createAutomation).Methods(http.MethodPost)
	admin.HandleFunc("/{id}/automations", server.listAutomations).Methods(http.MethodGet)
	router.HandleFunc("/robot-automations/{id}", server.deleteAutomation).Methods(http.MethodDelete)

	server.server = http.Server{Handler: router}
	return server
}

// Run starts serving until the context is cancelled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close shuts the server down.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

func (server *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

// authenticateRobot verifies the X-Robot-Id / X-Client-Secret pair on
// robot-facing endpoints.
func (server *Server) authenticateRobot(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		robotID, err := parseUUID(r.Header.Get("X-Robot-Id"))
		if err != nil {
			server.respondError(w, http.StatusUnauthorized, Error.New("missing or invalid X-Robot-Id"))
			return
		}
		robot, err := server.services.Robots.Authenticate(r.Context(), robotID, r.Header.Get("X-Client-Secret"))
		if err != nil {
			server.respondError(w, http.StatusUnauthorized, Error.New("robot authentication failed"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withRobot(r.Context(), robot)))
	})
}
