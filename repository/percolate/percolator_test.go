// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package percolate_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/percolate"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/repositorydb/testdb"
	"storj.io/refrepo/repository/search/searchtest"
)

func abstractChangeset(canonicalID uuid.UUID, abstract string) reference.Changeset {
	return reference.Changeset{
		CanonicalID: canonicalID,
		Changed: []reference.Enhancement{{
			ID:          uuid.New(),
			ReferenceID: canonicalID,
			Source:      "import",
			Content:     reference.AbstractContent{Abstract: abstract},
		}},
	}
}

func pendingFor(ctx context.Context, t *testing.T, work enhance.DB, robotID uuid.UUID) []enhance.PendingEnhancement {
	t.Helper()
	leased, err := work.Lease(ctx, robotID, uuid.New(), 100, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return leased
}

func TestDispatchChangesetsCreatesWork(t *testing.T) {
	ctx := context.Background()
	db := testdb.New()
	store := searchtest.New()
	percolator := percolate.New(zaptest.NewLogger(t), db.Enhancements(), store,
		reference.SearchFieldsConfig{}, percolate.Config{ChunkSize: 1})

	matchingRobot, otherRobot := uuid.New(), uuid.New()
	require.NoError(t, store.UpsertAutomation(ctx, uuid.New(), matchingRobot,
		json.RawMessage(`{"match":{"abstract":"heat"}}`)))
	require.NoError(t, store.UpsertAutomation(ctx, uuid.New(), otherRobot,
		json.RawMessage(`{"match":{"abstract":"glaciers"}}`)))

	first, second := uuid.New(), uuid.New()
	changesets := []reference.Changeset{
		abstractChangeset(first, "Heat and mortality."),
		abstractChangeset(second, "More heat studies."),
		abstractChangeset(second, "Heat, again."),
	}
	require.NoError(t, percolator.DispatchChangesets(ctx, changesets, "test", uuid.Nil))

	// One pending per (robot, reference), deduplicated across chunks.
	pendings := pendingFor(ctx, t, db.Enhancements(), matchingRobot)
	require.Len(t, pendings, 2)
	seen := map[uuid.UUID]bool{}
	for _, pending := range pendings {
		seen[pending.ReferenceID] = true
		require.Equal(t, "test", pending.Source)
	}
	require.True(t, seen[first])
	require.True(t, seen[second])

	require.Empty(t, pendingFor(ctx, t, db.Enhancements(), otherRobot))
}

func TestDispatchChangesetSkipsTriggeringRobot(t *testing.T) {
	ctx := context.Background()
	db := testdb.New()
	store := searchtest.New()
	percolator := percolate.New(zaptest.NewLogger(t), db.Enhancements(), store,
		reference.SearchFieldsConfig{}, percolate.Config{})

	self, downstream := uuid.New(), uuid.New()
	require.NoError(t, store.UpsertAutomation(ctx, uuid.New(), self,
		json.RawMessage(`{"match":{"abstract":"heat"}}`)))
	require.NoError(t, store.UpsertAutomation(ctx, uuid.New(), downstream,
		json.RawMessage(`{"match":{"abstract":"heat"}}`)))

	canonicalID := uuid.New()
	changeset := abstractChangeset(canonicalID, "Heat and mortality.")
	require.NoError(t, percolator.DispatchChangeset(ctx, canonicalID, changeset.Changed, self))

	require.Empty(t, pendingFor(ctx, t, db.Enhancements(), self))

	pendings := pendingFor(ctx, t, db.Enhancements(), downstream)
	require.Len(t, pendings, 1)
	require.Equal(t, canonicalID, pendings[0].ReferenceID)
	require.Equal(t, "DuplicateDecision:"+canonicalID.String(), pendings[0].Source)
}

func TestDispatchEmptyChangesets(t *testing.T) {
	percolator := percolate.New(zaptest.NewLogger(t), testdb.New().Enhancements(),
		searchtest.New(), reference.SearchFieldsConfig{}, percolate.Config{})
	require.NoError(t, percolator.DispatchChangesets(context.Background(), nil, "test", uuid.Nil))
}
