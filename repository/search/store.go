// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package search defines the search store capability: the deduplicated
// reference index and the robot automation percolator index.
package search

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"storj.io/refrepo/repository/reference"
)

var (
	// Error is the default search errs class.
	Error = errs.Class("search")

	// ErrMalformedDocument is returned when the index rejects a document
	// or a percolator query.
	ErrMalformedDocument = errs.Class("malformed index document")

	// ErrQuerySyntax is returned when the native query string is invalid.
	ErrQuerySyntax = errs.Class("query syntax")

	// ErrNotFound is returned when a document is absent from the index.
	ErrNotFound = errs.Class("document not found")
)

// Candidate is one fingerprint-search hit.
type Candidate struct {
	ReferenceID uuid.UUID
	Score       float64
}

// AutomationMatch is one percolator hit: an automation's robot plus
// the reference ids of the changesets that matched it.
type AutomationMatch struct {
	AutomationID uuid.UUID
	RobotID      uuid.UUID
	ReferenceIDs []uuid.UUID
}

// Result is a search page.
type Result struct {
	Total int64
	// TotalRelation is "eq" when Total is exact, "gte" when truncated.
	TotalRelation string
	Documents     []Document
}

// Store is the search store capability. Writes pass through the
// synchronizer; reads are served directly.
type Store interface {
	// EnsureIndexes creates the reference and percolator indexes.
	EnsureIndexes(ctx context.Context) error

	// UpsertReference indexes the deduplicated projection document.
	UpsertReference(ctx context.Context, doc Document) error
	// DeleteReference removes a reference document.
	DeleteReference(ctx context.Context, id uuid.UUID) error
	// GetReference fetches an indexed document.
	GetReference(ctx context.Context, id uuid.UUID) (Document, error)

	// Search runs a translated query against the reference index.
	Search(ctx context.Context, query Query) (Result, error)
	// FingerprintCandidates returns up to limit candidate canonical ids
	// scored against the fingerprint.
	FingerprintCandidates(ctx context.Context, fingerprint reference.Fingerprint, limit int) ([]Candidate, error)

	// UpsertAutomation mirrors a robot automation percolator query.
	UpsertAutomation(ctx context.Context, id, robotID uuid.UUID, query json.RawMessage) error
	// DeleteAutomation removes a percolator query.
	DeleteAutomation(ctx context.Context, id uuid.UUID) error
	// Percolate matches changeset documents against the stored
	// automation queries.
	Percolate(ctx context.Context, docs []Document) ([]AutomationMatch, error)
}
