// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package reference holds the scholarly reference aggregate: external
// identifiers, enhancements, duplicate decisions, and the projections
// derived from them.
package reference

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

var (
	// Error is the default reference errs class.
	Error = errs.Class("reference")

	// ErrNotFound is returned when a looked-up reference is absent.
	ErrNotFound = errs.Class("reference not found")

	// ErrDuplicateEnhancement is returned when an enhancement with an
	// identical content hash already exists on the reference.
	ErrDuplicateEnhancement = errs.Class("duplicate enhancement")

	// ErrInvalidParentEnhancement is returned when a derived-from parent
	// lives outside the reference's duplicate tree.
	ErrInvalidParentEnhancement = errs.Class("invalid parent enhancement")
)

// Visibility controls who may see a reference and its enhancements.
type Visibility string

// Visibility values.
const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
	VisibilityHidden     Visibility = "hidden"
)

// Reference is the root aggregate for a scholarly work. References are
// never deleted.
type Reference struct {
	ID         uuid.UUID
	Visibility Visibility
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Identifiers  []ExternalIdentifier
	Enhancements []Enhancement

	// ActiveDecision is the single active duplicate decision, when loaded.
	ActiveDecision *DuplicateDecision
	// Duplicates are references whose active decision points here, when loaded.
	Duplicates []*Reference
	// Canonical is the target of an active duplicate decision, when loaded.
	Canonical *Reference
}

// CanonicalLike reports whether the reference stands as its own
// canonical: it has no active duplicate decision, or the decision does
// not point at another reference. Blurred-fingerprint and decoupled
// references count, since they remain their own canonical.
func (ref *Reference) CanonicalLike() bool {
	return ref.ActiveDecision == nil || ref.ActiveDecision.CanonicalID == nil
}

// CanonicalID returns the canonical reference id from the active
// decision, or nil when the reference is its own canonical.
func (ref *Reference) CanonicalID() *uuid.UUID {
	if ref.ActiveDecision == nil {
		return nil
	}
	return ref.ActiveDecision.CanonicalID
}

// EnhancementByID finds an owned enhancement.
func (ref *Reference) EnhancementByID(id uuid.UUID) (Enhancement, bool) {
	for _, enhancement := range ref.Enhancements {
		if enhancement.ID == id {
			return enhancement, true
		}
	}
	return Enhancement{}, false
}

// HasIdentifier reports whether the reference carries an identifier
// with the same (type, value, scheme).
func (ref *Reference) HasIdentifier(target ExternalIdentifier) bool {
	for _, identifier := range ref.Identifiers {
		if identifier.Equal(target) {
			return true
		}
	}
	return false
}

// HasEnhancementContent reports whether the reference carries an
// enhancement with the same content hash.
func (ref *Reference) HasEnhancementContent(hash string) bool {
	for _, enhancement := range ref.Enhancements {
		if enhancement.ContentHash() == hash {
			return true
		}
	}
	return false
}

// Preload is a typed flag set selecting which relationships a store
// load should hydrate.
type Preload uint8

// Preload flags.
const (
	PreloadIdentifiers Preload = 1 << iota
	PreloadEnhancements
	PreloadDecision
	PreloadDuplicates
	PreloadCanonical

	// PreloadAll hydrates every relationship.
	PreloadAll = PreloadIdentifiers | PreloadEnhancements | PreloadDecision | PreloadDuplicates | PreloadCanonical
)

// Has reports whether the flag set includes the given flag.
func (preload Preload) Has(flag Preload) bool { return preload&flag == flag }

// DB is the transactional store capability for references and their
// duplicate decisions.
type DB interface {
	// Create inserts a new reference aggregate.
	Create(ctx context.Context, ref *Reference) error
	// Merge upserts a reference aggregate in place: identifiers and
	// enhancements not yet present are added, existing ones are kept.
	Merge(ctx context.Context, ref *Reference) error
	// Get loads a reference hydrating the requested relationships.
	Get(ctx context.Context, id uuid.UUID, preload Preload) (*Reference, error)
	// AddEnhancement appends an enhancement to its reference.
	AddEnhancement(ctx context.Context, enhancement Enhancement) error

	// FindByIdentifier returns the reference owning an exact identifier,
	// or ErrNotFound.
	FindByIdentifier(ctx context.Context, identifier ExternalIdentifier, preload Preload) (*Reference, error)
	// FindSharingIdentifiers returns all references sharing any of the
	// given identifier values, hydrated with the requested relationships.
	FindSharingIdentifiers(ctx context.Context, identifiers []ExternalIdentifier, preload Preload) ([]*Reference, error)

	// ActiveDecision returns the active duplicate decision for a
	// reference, or nil when there is none.
	ActiveDecision(ctx context.Context, referenceID uuid.UUID) (*DuplicateDecision, error)
	// InsertDecision inserts a duplicate decision. When the decision is
	// active, any prior active decision for the reference is deactivated
	// in the same statement's transaction.
	InsertDecision(ctx context.Context, decision *DuplicateDecision) error
	// UpdateDecision updates the determination, canonical target and
	// active flag of an existing decision.
	UpdateDecision(ctx context.Context, decision *DuplicateDecision) error
	// ActiveDuplicatesOf returns the active decisions that declare the
	// given reference as their canonical.
	ActiveDuplicatesOf(ctx context.Context, canonicalID uuid.UUID) ([]DuplicateDecision, error)
}
