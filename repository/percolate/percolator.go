// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package percolate matches reference changesets against stored robot
// automations and schedules the resulting enhancement work.
package percolate

import (
	"context"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/search"
)

var (
	// Error is the default percolate errs class.
	Error = errs.Class("percolate")

	mon = monkit.Package()
)

// Config holds percolation configuration.
type Config struct {
	ChunkSize int `help:"changeset documents per percolation request" default:"100"`
}

// Percolator evaluates changesets against robot automations and
// creates pending enhancement work for the matches.
type Percolator struct {
	log          *zap.Logger
	db           enhance.DB
	store        search.Store
	fieldsConfig reference.SearchFieldsConfig
	config       Config
}

// New creates a percolator.
func New(log *zap.Logger, db enhance.DB, store search.Store, fieldsConfig reference.SearchFieldsConfig, config Config) *Percolator {
	return &Percolator{log: log, db: db, store: store, fieldsConfig: fieldsConfig, config: config}
}

// DispatchChangeset evaluates a single changeset triggered by a
// duplicate decision for canonicalID. Work for skipRobotID is
// suppressed to prevent a robot retriggering itself.
func (p *Percolator) DispatchChangeset(ctx context.Context, canonicalID uuid.UUID, changed []reference.Enhancement, skipRobotID uuid.UUID) error {
	return p.DispatchChangesets(ctx,
		[]reference.Changeset{{CanonicalID: canonicalID, Changed: changed}},
		"DuplicateDecision:"+canonicalID.String(), skipRobotID)
}

// DispatchChangesets evaluates changesets in chunks, merges matches by
// robot and creates one pending enhancement per matched (robot,
// reference) pair. source carries the triggering context.
func (p *Percolator) DispatchChangesets(ctx context.Context, changesets []reference.Changeset, source string, skipRobotID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(changesets) == 0 {
		return nil
	}

	docs := make([]search.Document, 0, len(changesets))
	for _, changeset := range changesets {
		docs = append(docs, search.ChangesetDocument(changeset.CanonicalID, changeset.Changed, p.fieldsConfig))
	}

	chunkSize := p.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(docs)
	}

	// robot id -> matched reference ids, deduplicated across chunks.
	matched := map[uuid.UUID]map[uuid.UUID]bool{}
	var robotOrder []uuid.UUID
	for start := 0; start < len(docs); start += chunkSize {
		end := start + chunkSize
		if end > len(docs) {
			end = len(docs)
		}
		matches, err := p.store.Percolate(ctx, docs[start:end])
		if err != nil {
			return Error.Wrap(err)
		}
		for _, match := range matches {
			refs, ok := matched[match.RobotID]
			if !ok {
				refs = map[uuid.UUID]bool{}
				matched[match.RobotID] = refs
				robotOrder = append(robotOrder, match.RobotID)
			}
			for _, referenceID := range match.ReferenceIDs {
				refs[referenceID] = true
			}
		}
	}

	for _, robotID := range robotOrder {
		if robotID == skipRobotID {
			p.log.Debug("skipping self-trigger", zap.Stringer("robot_id", robotID))
			continue
		}

		var pendings []*enhance.PendingEnhancement
		for referenceID := range matched[robotID] {
			pendings = append(pendings, &enhance.PendingEnhancement{
				ReferenceID: referenceID,
				RobotID:     robotID,
				Status:      enhance.StatusPending,
				Source:      source,
			})
		}
		if err := p.db.CreatePending(ctx, pendings...); err != nil {
			return Error.Wrap(err)
		}
		p.log.Info("automation matched",
			zap.Stringer("robot_id", robotID),
			zap.Int("references", len(pendings)),
			zap.String("source", source))
	}
	return nil
}
