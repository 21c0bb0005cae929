// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package syncer pushes the transactional store's projections into the
// search store. The SQL side is the source of truth; the search index
// holds only derived documents for canonical-like references.
package syncer

import (
	"context"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/robots"
	"storj.io/refrepo/repository/search"
)

var (
	// Error is the default syncer errs class.
	Error = errs.Class("syncer")

	mon = monkit.Package()
)

// References synchronizes reference projection documents.
type References struct {
	log    *zap.Logger
	db     reference.DB
	store  search.Store
	config reference.SearchFieldsConfig
}

// NewReferences creates a reference synchronizer.
func NewReferences(log *zap.Logger, db reference.DB, store search.Store, config reference.SearchFieldsConfig) *References {
	return &References{log: log, db: db, store: store, config: config}
}

// SQLToSearch re-emits the projection document for a reference. A
// reference that stopped being canonical-like loses its own document
// and its canonical is re-emitted instead, so duplicate verdicts fold
// the loser's content into the winner's document.
func (s *References) SQLToSearch(ctx context.Context, referenceID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return s.sync(ctx, referenceID, map[uuid.UUID]bool{})
}

func (s *References) sync(ctx context.Context, referenceID uuid.UUID, visited map[uuid.UUID]bool) error {
	if visited[referenceID] {
		return Error.New("duplicate decision cycle at %s", referenceID)
	}
	visited[referenceID] = true

	ref, err := s.db.Get(ctx, referenceID, reference.PreloadAll)
	if err != nil {
		return Error.Wrap(err)
	}

	if !ref.CanonicalLike() {
		if err := s.store.DeleteReference(ctx, ref.ID); err != nil && !search.ErrNotFound.Has(err) {
			return Error.Wrap(err)
		}
		s.log.Debug("removed projection document",
			zap.Stringer("reference_id", ref.ID),
			zap.String("determination", string(ref.ActiveDecision.Determination)))

		if canonicalID := ref.CanonicalID(); canonicalID != nil {
			return s.sync(ctx, *canonicalID, visited)
		}
		return nil
	}

	doc := search.DocumentFromReference(reference.Deduplicated(ref), s.config)
	if err := s.store.UpsertReference(ctx, doc); err != nil {
		return Error.Wrap(err)
	}
	s.log.Debug("upserted projection document", zap.Stringer("reference_id", ref.ID))
	return nil
}

// Automations synchronizes robot automation percolator queries.
type Automations struct {
	log   *zap.Logger
	db    robots.DB
	store search.Store
}

// NewAutomations creates an automation synchronizer.
func NewAutomations(log *zap.Logger, db robots.DB, store search.Store) *Automations {
	return &Automations{log: log, db: db, store: store}
}

// SQLToSearch mirrors a single automation into the percolator index.
func (s *Automations) SQLToSearch(ctx context.Context, automationID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	automation, err := s.db.GetAutomation(ctx, automationID)
	if err != nil {
		return Error.Wrap(err)
	}
	return s.store.UpsertAutomation(ctx, automation.ID, automation.RobotID, automation.Query)
}

// RebuildAll re-mirrors every stored automation, for index bootstrap.
func (s *Automations) RebuildAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	automations, err := s.db.AllAutomations(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, automation := range automations {
		if err := s.store.UpsertAutomation(ctx, automation.ID, automation.RobotID, automation.Query); err != nil {
			return Error.Wrap(err)
		}
	}
	s.log.Info("rebuilt automation percolator index", zap.Int("count", len(automations)))
	return nil
}
