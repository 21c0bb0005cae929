// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// refrepo runs the bibliographic reference repository: the public API,
// the import and deduplication workers and the lease sweeper.
package main

import (
	"context"
	"net"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/blobstore/miniostore"
	"storj.io/refrepo/internal/process"
	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/peer"
	"storj.io/refrepo/repository/repositorydb"
	"storj.io/refrepo/repository/search"
	"storj.io/refrepo/taskqueue/redisqueue"
)

// Config is the full process configuration.
type Config struct {
	Database repositorydb.Config
	peer.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "refrepo",
		Short: "bibliographic reference repository",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the repository process",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "run database migrations and create search indexes",
		RunE:  cmdSetup,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "run database migrations",
		RunE:  cmdMigrate,
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "expire stale enhancement leases and reissue their work once",
		RunE:  cmdSweep,
	}

	runConfig     Config
	setupConfig   Config
	migrateConfig Config
	sweepConfig   Config
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	process.Bind(runCmd, &runConfig)
	process.Bind(setupCmd, &setupConfig)
	process.Bind(migrateCmd, &migrateConfig)
	process.Bind(sweepCmd, &sweepConfig)
}

func main() {
	process.Exec(rootCmd)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := repositorydb.Open(log.Named("db"), runConfig.Database)
	if err != nil {
		return errs.New("error opening database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	store, err := search.NewElastic(log.Named("search"), runConfig.Search)
	if err != nil {
		return errs.New("error connecting to search store: %+v", err)
	}
	blobs, err := miniostore.New(log.Named("blobs"), runConfig.Blob)
	if err != nil {
		return errs.New("error creating blob store: %+v", err)
	}
	queue, err := redisqueue.New(log.Named("queue"), runConfig.Queue)
	if err != nil {
		return errs.New("error connecting to task queue: %+v", err)
	}

	listener, err := net.Listen("tcp", runConfig.API.Address)
	if err != nil {
		return errs.New("error binding %s: %+v", runConfig.API.Address, err)
	}

	repo, err := peer.New(log, db, store, blobs, queue, listener, runConfig.Config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, repo.Close()) }()

	log.Info("repository started", zap.String("address", runConfig.API.Address))
	return repo.Run(ctx)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger()
	if err != nil {
		return err
	}

	if err := migrate(ctx, log, setupConfig); err != nil {
		return err
	}

	store, err := search.NewElastic(log.Named("search"), setupConfig.Search)
	if err != nil {
		return errs.New("error connecting to search store: %+v", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		return errs.New("error creating search indexes: %+v", err)
	}
	log.Info("setup finished")
	return nil
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	return migrate(process.Ctx(cmd), log, migrateConfig)
}

func cmdSweep(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger()
	if err != nil {
		return err
	}

	db, err := repositorydb.Open(log.Named("db"), sweepConfig.Database)
	if err != nil {
		return errs.New("error opening database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	sweeper := enhance.NewSweeper(log.Named("enhance:sweeper"), db.Enhancements(), sweepConfig.Enhance.SweepInterval)
	defer func() { err = errs.Combine(err, sweeper.Close()) }()
	return sweeper.Sweep(ctx)
}

func migrate(ctx context.Context, log *zap.Logger, config Config) (err error) {
	db, err := repositorydb.Open(log.Named("db"), config.Database)
	if err != nil {
		return errs.New("error opening database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("error migrating database: %+v", err)
	}
	log.Info("database migrated")
	return nil
}
