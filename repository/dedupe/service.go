// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dedupe implements the deduplication pipeline: exact-duplicate
// short-circuit, fingerprint candidacy, canonical determination and
// decision mapping.
package dedupe

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/search"
	"storj.io/refrepo/repository/syncer"
)

var (
	// Error is the default dedupe errs class.
	Error = errs.Class("dedupe")

	mon = monkit.Package()
)

// Config holds deduplication pipeline configuration.
type Config struct {
	Enabled                bool     `help:"run the deduplication pipeline on ingested references" default:"true"`
	CandidateLimit         int      `help:"maximum fingerprint candidates fetched per reference" default:"10"`
	ConfidentScore         float64  `help:"fingerprint score at or above which a candidate is a confident duplicate" default:"0.8"`
	TrustedIdentifierTypes []string `help:"identifier types that pair references directly, bypassing fingerprinting" default:""`
}

// Percolator dispatches robot automations for a changed canonical.
type Percolator interface {
	DispatchChangeset(ctx context.Context, canonicalID uuid.UUID, changed []reference.Enhancement, skipRobotID uuid.UUID) error
}

// Service runs the deduplication pipeline.
type Service struct {
	log          *zap.Logger
	db           reference.DB
	store        search.Store
	refsync      *syncer.References
	percolator   Percolator
	fieldsConfig reference.SearchFieldsConfig
	config       Config
}

// NewService creates the deduplication service. percolator may be nil
// when automation dispatch is disabled.
func NewService(log *zap.Logger, db reference.DB, store search.Store, refsync *syncer.References, percolator Percolator, fieldsConfig reference.SearchFieldsConfig, config Config) *Service {
	return &Service{
		log:          log,
		db:           db,
		store:        store,
		refsync:      refsync,
		percolator:   percolator,
		fieldsConfig: fieldsConfig,
		config:       config,
	}
}

// FindExactDuplicate looks for an existing reference that is a strict
// superset of the incoming one: every identifier and every enhancement
// content hash already present. References carrying only "other"
// identifiers never match.
func (service *Service) FindExactDuplicate(ctx context.Context, incoming *reference.Reference) (_ *reference.Reference, err error) {
	defer mon.Task()(&ctx)(&err)

	var lookup []reference.ExternalIdentifier
	for _, identifier := range incoming.Identifiers {
		if !identifier.IsOther() {
			lookup = append(lookup, identifier)
		}
	}
	if len(lookup) == 0 {
		return nil, nil
	}

	candidates, err := service.db.FindSharingIdentifiers(ctx, lookup,
		reference.PreloadIdentifiers|reference.PreloadEnhancements|reference.PreloadDecision)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	// Canonical-like candidates first, then stable by age.
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i].CanonicalLike(), candidates[j].CanonicalLike()
		if ci != cj {
			return ci
		}
		return olderThan(candidates[i], candidates[j])
	})

	for _, candidate := range candidates {
		if candidate.ID == incoming.ID {
			continue
		}
		if isSuperset(candidate, incoming) {
			return candidate, nil
		}
	}
	return nil, nil
}

func isSuperset(candidate, incoming *reference.Reference) bool {
	for _, identifier := range incoming.Identifiers {
		if !candidate.HasIdentifier(identifier) {
			return false
		}
	}
	for _, enhancement := range incoming.Enhancements {
		if !candidate.HasEnhancementContent(enhancement.ContentHash()) {
			return false
		}
	}
	return true
}

func olderThan(a, b *reference.Reference) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Deduplicate runs fingerprint candidacy, canonical determination and
// decision mapping for a persisted reference, resolving its pending
// decision.
func (service *Service) Deduplicate(ctx context.Context, referenceID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	ref, err := service.db.Get(ctx, referenceID,
		reference.PreloadIdentifiers|reference.PreloadEnhancements|reference.PreloadDecision)
	if err != nil {
		return Error.Wrap(err)
	}

	if !service.config.Enabled {
		return service.resolve(ctx, ref, reference.DeterminationCanonical, nil)
	}

	if partnerID, ok, err := service.trustedPartner(ctx, ref); err != nil {
		return err
	} else if ok {
		return service.pairTrusted(ctx, ref, partnerID)
	}

	fields := reference.ComputeSearchFields(ref, service.fieldsConfig)
	fingerprint := reference.ComputeFingerprint(fields)
	if !fingerprint.Searchable() {
		return service.resolve(ctx, ref, reference.DeterminationBlurredFingerprint, nil)
	}

	winnerID, found, err := service.determineCanonical(ctx, ref, fingerprint)
	if err != nil {
		return err
	}
	if !found {
		return service.resolve(ctx, ref, reference.DeterminationCanonical, nil)
	}

	targetID, ok, err := service.resolveCanonicalTarget(ctx, winnerID)
	if err != nil {
		return err
	}
	if !ok {
		// Linking would push the chain past the depth bound.
		service.log.Warn("decoupling reference, duplicate chain too deep",
			zap.Stringer("reference_id", ref.ID),
			zap.Stringer("candidate_id", winnerID))
		return service.resolve(ctx, ref, reference.DeterminationDecoupled, nil)
	}
	return service.resolve(ctx, ref, reference.DeterminationDuplicate, &targetID)
}

// trustedPartner finds an existing reference sharing a trusted unique
// identifier with ref.
func (service *Service) trustedPartner(ctx context.Context, ref *reference.Reference) (uuid.UUID, bool, error) {
	trusted := map[reference.IdentifierType]bool{}
	for _, identifierType := range service.config.TrustedIdentifierTypes {
		trusted[reference.IdentifierType(identifierType)] = true
	}
	if len(trusted) == 0 {
		return uuid.Nil, false, nil
	}

	var lookup []reference.ExternalIdentifier
	for _, identifier := range ref.Identifiers {
		if trusted[identifier.Type] {
			lookup = append(lookup, identifier)
		}
	}
	if len(lookup) == 0 {
		return uuid.Nil, false, nil
	}

	owners, err := service.db.FindSharingIdentifiers(ctx, lookup, reference.PreloadDecision)
	if err != nil {
		return uuid.Nil, false, Error.Wrap(err)
	}
	var partners []*reference.Reference
	for _, owner := range owners {
		if owner.ID != ref.ID {
			partners = append(partners, owner)
		}
	}
	if len(partners) == 0 {
		return uuid.Nil, false, nil
	}
	sort.SliceStable(partners, func(i, j int) bool { return olderThan(partners[i], partners[j]) })
	return partners[0].ID, true, nil
}

// pairTrusted links ref directly under partner. Prior decisions on
// either side pointing elsewhere are superseded.
func (service *Service) pairTrusted(ctx context.Context, ref *reference.Reference, partnerID uuid.UUID) error {
	partner, err := service.db.Get(ctx, partnerID, reference.PreloadDecision)
	if err != nil {
		return Error.Wrap(err)
	}

	if !partner.CanonicalLike() {
		// The partner was a duplicate of something else; decouple it so
		// the trusted pair wins.
		err := service.db.InsertDecision(ctx, &reference.DuplicateDecision{
			ReferenceID:   partner.ID,
			Determination: reference.DeterminationCanonical,
			Active:        true,
			Source:        "trusted-identifier",
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return service.resolve(ctx, ref, reference.DeterminationDuplicate, &partnerID)
}

// determineCanonical picks the winning candidate: highest confident
// score, ties broken by earlier creation then lower id.
func (service *Service) determineCanonical(ctx context.Context, ref *reference.Reference, fingerprint reference.Fingerprint) (uuid.UUID, bool, error) {
	candidates, err := service.store.FingerprintCandidates(ctx, fingerprint, service.config.CandidateLimit)
	if err != nil {
		return uuid.Nil, false, Error.Wrap(err)
	}

	var confident []search.Candidate
	for _, candidate := range candidates {
		if candidate.ReferenceID != ref.ID && candidate.Score >= service.config.ConfidentScore {
			confident = append(confident, candidate)
		}
	}
	if len(confident) == 0 {
		return uuid.Nil, false, nil
	}

	best := confident[0].Score
	var tied []*reference.Reference
	for _, candidate := range confident {
		if candidate.Score < best {
			continue
		}
		candidateRef, err := service.db.Get(ctx, candidate.ReferenceID, 0)
		if reference.ErrNotFound.Has(err) {
			continue
		}
		if err != nil {
			return uuid.Nil, false, Error.Wrap(err)
		}
		tied = append(tied, candidateRef)
	}
	if len(tied) == 0 {
		return uuid.Nil, false, nil
	}
	sort.SliceStable(tied, func(i, j int) bool { return olderThan(tied[i], tied[j]) })
	return tied[0].ID, true, nil
}

// resolveCanonicalTarget maps a candidate to the canonical the incoming
// reference should link to. A candidate that is itself a duplicate
// retargets to its canonical; anything deeper exceeds the chain bound.
func (service *Service) resolveCanonicalTarget(ctx context.Context, candidateID uuid.UUID) (uuid.UUID, bool, error) {
	candidate, err := service.db.Get(ctx, candidateID, reference.PreloadDecision)
	if err != nil {
		return uuid.Nil, false, Error.Wrap(err)
	}
	if candidate.CanonicalLike() {
		return candidate.ID, true, nil
	}

	canonicalID := candidate.CanonicalID()
	if canonicalID == nil {
		return uuid.Nil, false, nil
	}
	canonical, err := service.db.Get(ctx, *canonicalID, reference.PreloadDecision)
	if err != nil {
		return uuid.Nil, false, Error.Wrap(err)
	}
	if canonical.CanonicalLike() {
		return canonical.ID, true, nil
	}
	return uuid.Nil, false, nil
}

// resolve applies the determination to the reference's active decision,
// re-emits the affected projections and dispatches automations.
func (service *Service) resolve(ctx context.Context, ref *reference.Reference, determination reference.Determination, canonicalID *uuid.UUID) error {
	decision := ref.ActiveDecision
	switch {
	case decision == nil, decision.Determination.Terminal():
		if decision != nil && decision.Determination == determination &&
			sameCanonical(decision.CanonicalID, canonicalID) {
			// Redelivered task; the decision is already in place.
			return nil
		}
		// A terminal decision is superseded, never transitioned.
		decision = &reference.DuplicateDecision{
			ReferenceID:   ref.ID,
			Determination: determination,
			CanonicalID:   canonicalID,
			Active:        true,
			Source:        "deduplication",
		}
		if err := service.db.InsertDecision(ctx, decision); err != nil {
			return Error.Wrap(err)
		}
	default:
		if err := decision.Transition(determination, canonicalID); err != nil {
			return Error.Wrap(err)
		}
		if err := service.db.UpdateDecision(ctx, decision); err != nil {
			return Error.Wrap(err)
		}
	}

	service.log.Info("duplicate decision resolved",
		zap.Stringer("reference_id", ref.ID),
		zap.String("determination", string(determination)))

	if err := service.refsync.SQLToSearch(ctx, ref.ID); err != nil {
		return Error.Wrap(err)
	}

	if canonicalID != nil && service.percolator != nil {
		// Percolation failures never poison the decision.
		err := service.percolator.DispatchChangeset(ctx, *canonicalID, ref.Enhancements, uuid.Nil)
		if err != nil {
			service.log.Error("automation dispatch failed",
				zap.Stringer("canonical_id", *canonicalID), zap.Error(err))
		}
	}
	return nil
}

// sameCanonical reports whether two canonical targets agree.
func sameCanonical(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// MarkExactDuplicate records an EXACT_DUPLICATE decision for an
// unpersisted incoming reference resolved in Phase A. referenceID names
// the short-circuited incoming reference; only its decision is stored.
func (service *Service) MarkExactDuplicate(ctx context.Context, referenceID, canonicalID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(service.db.InsertDecision(ctx, &reference.DuplicateDecision{
		ReferenceID:   referenceID,
		CanonicalID:   &canonicalID,
		Determination: reference.DeterminationExactDuplicate,
		Active:        true,
		Source:        "deduplication",
	}))
}
