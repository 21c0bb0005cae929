// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package repository

import (
	"context"

	"github.com/zeebo/errs"

	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/imports"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/robots"
)

// ErrScopeMisuse is returned when a transactional scope is opened
// inside an already open scope.
var ErrScopeMisuse = errs.Class("transaction scope misuse")

// DB is the master database for the reference repository, providing
// access to the per-entity stores.
//
// architecture: Master Database
type DB interface {
	// References returns the store for references, identifiers,
	// enhancements and duplicate decisions.
	References() reference.DB
	// Imports returns the store for import campaigns.
	Imports() imports.DB
	// Enhancements returns the store for pending enhancement work.
	Enhancements() enhance.DB
	// Robots returns the robot registry store.
	Robots() robots.DB

	// WithTx runs fn inside a single transaction exposed through the
	// passed DB. Opening a nested scope yields ErrScopeMisuse.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx DB) error) error

	// MigrateToLatest migrates the database schema to the latest
	// version.
	MigrateToLatest(ctx context.Context) error

	// Close closes the database.
	Close() error
}
