// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package peer assembles the repository process: stores, services,
// chores and the public API server.
package peer

import (
	"context"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/refrepo/blobstore/miniostore"
	"storj.io/refrepo/repository"
	"storj.io/refrepo/repository/api"
	"storj.io/refrepo/repository/dedupe"
	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/importer"
	"storj.io/refrepo/repository/percolate"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/robots"
	"storj.io/refrepo/repository/search"
	"storj.io/refrepo/repository/syncer"
	"storj.io/refrepo/taskqueue"
	"storj.io/refrepo/taskqueue/redisqueue"
)

// Error is the default peer errs class.
var Error = errs.Class("peer")

// Config is the aggregate configuration of a repository process.
type Config struct {
	API    api.Config
	Search search.Config
	Blob   miniostore.Config
	Queue  redisqueue.Config

	SearchFields reference.SearchFieldsConfig
	Dedupe       dedupe.Config
	Percolate    percolate.Config
	Enhance      enhance.Config
	Importer     importer.Config
}

// Peer is the assembled repository process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  repository.DB

	Search search.Store
	Queue  taskqueue.Queue

	Syncer struct {
		References  *syncer.References
		Automations *syncer.Automations
	}

	Dedupe struct {
		Service    *dedupe.Service
		Percolator *percolate.Percolator
	}

	Enhance struct {
		Service *enhance.Service
		Sweeper *enhance.Sweeper
	}

	Robots struct {
		Service *robots.Service
	}

	Importer struct {
		Service      *importer.Service
		Ingestion    *importer.Ingestion
		Orchestrator *importer.Orchestrator
		Handler      taskqueue.Handler
	}

	API struct {
		Listener net.Listener
		Server   *api.Server
	}
}

// New wires a repository peer from its externally constructed
// dependencies.
func New(log *zap.Logger, db repository.DB, store search.Store, blobs *miniostore.Store, queue taskqueue.Queue, listener net.Listener, config Config) (*Peer, error) {
	peer := &Peer{
		Log:    log,
		DB:     db,
		Search: store,
		Queue:  queue,
	}

	peer.Syncer.References = syncer.NewReferences(
		log.Named("syncer:references"), db.References(), store, config.SearchFields)
	peer.Syncer.Automations = syncer.NewAutomations(
		log.Named("syncer:automations"), db.Robots(), store)

	peer.Dedupe.Percolator = percolate.New(
		log.Named("percolate"), db.Enhancements(), store, config.SearchFields, config.Percolate)
	peer.Dedupe.Service = dedupe.NewService(
		log.Named("dedupe"), db.References(), store,
		peer.Syncer.References, peer.Dedupe.Percolator,
		config.SearchFields, config.Dedupe)

	peer.Enhance.Service = enhance.NewService(
		log.Named("enhance"), db.References(), db.Robots(), db.Enhancements(),
		blobs, peer.Syncer.References, peer.Dedupe.Percolator, config.Enhance)
	peer.Enhance.Sweeper = enhance.NewSweeper(
		log.Named("enhance:sweeper"), db.Enhancements(), config.Enhance.SweepInterval)

	peer.Robots.Service = robots.NewService(log.Named("robots"), db.Robots(), store)

	peer.Importer.Service = importer.NewService(log.Named("importer"), db, queue)
	peer.Importer.Ingestion = importer.NewIngestion(
		log.Named("importer:ingest"), db, peer.Dedupe.Service, queue)
	peer.Importer.Orchestrator = importer.NewOrchestrator(
		log.Named("importer:orchestrator"), db, peer.Importer.Ingestion,
		peer.Syncer.References, importer.NewHTTPOpener(nil),
		importer.NewCallbackDispatcher(nil, config.Importer.CallbackRetries))
	peer.Importer.Handler = importer.NewTaskHandler(peer.Importer.Orchestrator, peer.Dedupe.Service)

	peer.API.Listener = listener
	peer.API.Server = api.NewServer(log.Named("api"), listener, api.Services{
		DB:      db,
		Imports: peer.Importer.Service,
		Enhance: peer.Enhance.Service,
		Robots:  peer.Robots.Service,
		Search:  store,
	})

	return peer, nil
}

// Run starts the peer's long-running parts and blocks until the
// context is cancelled or one of them fails.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCancel(peer.Enhance.Sweeper.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Queue.Run(ctx, peer.Importer.Handler))
	})
	group.Go(func() error {
		return ignoreCancel(peer.API.Server.Run(ctx))
	})
	return Error.Wrap(group.Wait())
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close shuts the peer down.
func (peer *Peer) Close() error {
	var group errs.Group
	if peer.API.Server != nil {
		group.Add(peer.API.Server.Close())
	}
	if peer.Enhance.Sweeper != nil {
		group.Add(peer.Enhance.Sweeper.Close())
	}
	return Error.Wrap(group.Err())
}
