// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package dedupe_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/refrepo/repository/dedupe"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/repositorydb/testdb"
	"storj.io/refrepo/repository/search"
	"storj.io/refrepo/repository/search/searchtest"
	"storj.io/refrepo/repository/syncer"
)

type capturedDispatch struct {
	canonicalID uuid.UUID
	changed     []reference.Enhancement
	skip        uuid.UUID
}

type recordingPercolator struct {
	dispatches []capturedDispatch
}

func (p *recordingPercolator) DispatchChangeset(ctx context.Context, canonicalID uuid.UUID, changed []reference.Enhancement, skipRobotID uuid.UUID) error {
	p.dispatches = append(p.dispatches, capturedDispatch{canonicalID: canonicalID, changed: changed, skip: skipRobotID})
	return nil
}

type fixture struct {
	db         *testdb.DB
	store      *searchtest.Store
	refsync    *syncer.References
	percolator *recordingPercolator
}

func newFixture(t *testing.T, config dedupe.Config) (*fixture, *dedupe.Service) {
	log := zaptest.NewLogger(t)
	f := &fixture{
		db:         testdb.New(),
		store:      searchtest.New(),
		percolator: &recordingPercolator{},
	}
	f.refsync = syncer.NewReferences(log.Named("syncer"), f.db.References(), f.store, reference.SearchFieldsConfig{})
	service := dedupe.NewService(log, f.db.References(), f.store, f.refsync, f.percolator,
		reference.SearchFieldsConfig{}, config)
	return f, service
}

func enabledConfig() dedupe.Config {
	return dedupe.Config{Enabled: true, CandidateLimit: 10, ConfidentScore: 0.8}
}

func mustIdentifier(t *testing.T, identifierType reference.IdentifierType, value, otherName string) reference.ExternalIdentifier {
	t.Helper()
	identifier, err := reference.NewIdentifier(identifierType, value, otherName)
	require.NoError(t, err)
	return identifier
}

type refOptions struct {
	title   string
	year    int
	authors []string
	age     time.Duration
}

func (f *fixture) createReference(t *testing.T, opts refOptions, identifiers ...reference.ExternalIdentifier) *reference.Reference {
	t.Helper()
	var authorship []reference.Author
	for _, name := range opts.authors {
		authorship = append(authorship, reference.Author{DisplayName: name})
	}
	ref := &reference.Reference{
		ID:        uuid.New(),
		CreatedAt: time.Now().Add(-opts.age),
		Enhancements: []reference.Enhancement{{
			ID:     uuid.New(),
			Source: "import",
			Content: reference.BibliographicContent{
				Title:           opts.title,
				Authorship:      authorship,
				PublicationYear: opts.year,
			},
		}},
	}
	ref.Enhancements[0].ReferenceID = ref.ID
	for _, identifier := range identifiers {
		identifier.ReferenceID = ref.ID
		ref.Identifiers = append(ref.Identifiers, identifier)
	}
	require.NoError(t, f.db.References().Create(context.Background(), ref))
	return ref
}

func (f *fixture) decide(t *testing.T, referenceID uuid.UUID, determination reference.Determination, canonicalID *uuid.UUID) {
	t.Helper()
	require.NoError(t, f.db.References().InsertDecision(context.Background(), &reference.DuplicateDecision{
		ReferenceID:   referenceID,
		Determination: determination,
		CanonicalID:   canonicalID,
		Active:        true,
		Source:        "test",
	}))
}

func (f *fixture) determination(t *testing.T, referenceID uuid.UUID) (reference.Determination, *uuid.UUID) {
	t.Helper()
	decision, err := f.db.References().ActiveDecision(context.Background(), referenceID)
	require.NoError(t, err)
	return decision.Determination, decision.CanonicalID
}

func TestFindExactDuplicate(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	existing := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}},
		mustIdentifier(t, reference.IdentifierDOI, "10.1000/heat", ""),
		mustIdentifier(t, reference.IdentifierPMID, "12345", ""))

	incoming := &reference.Reference{
		ID:           uuid.New(),
		Identifiers:  []reference.ExternalIdentifier{mustIdentifier(t, reference.IdentifierDOI, "10.1000/heat", "")},
		Enhancements: []reference.Enhancement{existing.Enhancements[0]},
	}
	match, err := service.FindExactDuplicate(ctx, incoming)
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, existing.ID, match.ID)
}

func TestFindExactDuplicateRejectsNovelContent(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}},
		mustIdentifier(t, reference.IdentifierDOI, "10.1000/heat", ""))

	// Shares the doi but brings an identifier the candidate lacks.
	withNewIdentifier := &reference.Reference{
		ID: uuid.New(),
		Identifiers: []reference.ExternalIdentifier{
			mustIdentifier(t, reference.IdentifierDOI, "10.1000/heat", ""),
			mustIdentifier(t, reference.IdentifierPMID, "99999", ""),
		},
	}
	match, err := service.FindExactDuplicate(ctx, withNewIdentifier)
	require.NoError(t, err)
	require.Nil(t, match)

	// Shares the doi but brings enhancement content the candidate lacks.
	withNewContent := &reference.Reference{
		ID:          uuid.New(),
		Identifiers: []reference.ExternalIdentifier{mustIdentifier(t, reference.IdentifierDOI, "10.1000/heat", "")},
		Enhancements: []reference.Enhancement{{
			ID:      uuid.New(),
			Content: reference.AbstractContent{Abstract: "novel"},
		}},
	}
	match, err = service.FindExactDuplicate(ctx, withNewContent)
	require.NoError(t, err)
	require.Nil(t, match)
}

func TestFindExactDuplicateIgnoresOtherIdentifiers(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}},
		mustIdentifier(t, reference.IdentifierOther, "ref-1", "internal"))

	incoming := &reference.Reference{
		ID:          uuid.New(),
		Identifiers: []reference.ExternalIdentifier{mustIdentifier(t, reference.IdentifierOther, "ref-1", "internal")},
	}
	match, err := service.FindExactDuplicate(ctx, incoming)
	require.NoError(t, err)
	require.Nil(t, match)
}

func TestDeduplicateDisabled(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, dedupe.Config{Enabled: false})

	ref := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}})
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	determination, canonicalID := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationCanonical, determination)
	require.Nil(t, canonicalID)
}

func TestDeduplicateBlurredFingerprint(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	// Missing publication year: not searchable.
	ref := f.createReference(t, refOptions{title: "Heat and Health", authors: []string{"Ada Smith"}})
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	determination, _ := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationBlurredFingerprint, determination)

	// Still its own canonical, so it keeps a projection document.
	_, err := f.store.GetReference(ctx, ref.ID)
	require.NoError(t, err)
}

func TestDeduplicateNoConfidentCandidate(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	// Same year and author, but the title barely overlaps.
	other := f.createReference(t, refOptions{
		title: "Heat mortality in urban canyons", year: 2020, authors: []string{"Ada Smith"}, age: time.Hour})
	require.NoError(t, f.refsync.SQLToSearch(ctx, other.ID))

	ref := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}})
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	determination, canonicalID := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationCanonical, determination)
	require.Nil(t, canonicalID)

	_, err := f.store.GetReference(ctx, ref.ID)
	require.NoError(t, err)
}

func TestDeduplicateConfidentCandidate(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	canonical := f.createReference(t, refOptions{
		title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}, age: time.Hour})
	require.NoError(t, f.refsync.SQLToSearch(ctx, canonical.ID))

	ref := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}})
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	determination, canonicalID := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationDuplicate, determination)
	require.NotNil(t, canonicalID)
	require.Equal(t, canonical.ID, *canonicalID)

	// The loser folds into the winner's document.
	_, err := f.store.GetReference(ctx, ref.ID)
	require.True(t, search.ErrNotFound.Has(err))
	_, err = f.store.GetReference(ctx, canonical.ID)
	require.NoError(t, err)

	require.Len(t, f.percolator.dispatches, 1)
	require.Equal(t, canonical.ID, f.percolator.dispatches[0].canonicalID)
	require.Equal(t, uuid.Nil, f.percolator.dispatches[0].skip)
	require.Len(t, f.percolator.dispatches[0].changed, 1)
}

func TestDeduplicateRetargetsThroughDuplicate(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	canonical := f.createReference(t, refOptions{
		title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}, age: 2 * time.Hour})
	middle := f.createReference(t, refOptions{
		title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}, age: time.Hour})
	f.decide(t, middle.ID, reference.DeterminationDuplicate, &canonical.ID)

	// The candidate index still carries the middle reference's stale
	// document, so it can win the nomination.
	middleRef, err := f.db.References().Get(ctx, middle.ID, reference.PreloadAll)
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertReference(ctx,
		search.DocumentFromReference(middleRef, reference.SearchFieldsConfig{})))

	ref := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}})
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	determination, canonicalID := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationDuplicate, determination)
	require.Equal(t, canonical.ID, *canonicalID)
}

func TestDeduplicateDecouplesDeepChain(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	root := f.createReference(t, refOptions{
		title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}, age: 3 * time.Hour})
	inner := f.createReference(t, refOptions{
		title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}, age: 2 * time.Hour})
	leaf := f.createReference(t, refOptions{
		title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}, age: time.Hour})
	f.decide(t, inner.ID, reference.DeterminationDuplicate, &root.ID)
	f.decide(t, leaf.ID, reference.DeterminationDuplicate, &inner.ID)

	leafRef, err := f.db.References().Get(ctx, leaf.ID, reference.PreloadAll)
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertReference(ctx,
		search.DocumentFromReference(leafRef, reference.SearchFieldsConfig{})))

	ref := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}})
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	determination, canonicalID := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationDecoupled, determination)
	require.Nil(t, canonicalID)
}

func TestDeduplicateTrustedIdentifier(t *testing.T) {
	ctx := context.Background()
	config := enabledConfig()
	config.TrustedIdentifierTypes = []string{"doi"}
	f, service := newFixture(t, config)

	// Completely different fingerprint; only the doi pairs them.
	partner := f.createReference(t, refOptions{
		title: "Something else entirely", year: 1999, authors: []string{"Bob Jones"}, age: time.Hour},
		mustIdentifier(t, reference.IdentifierDOI, "10.1000/heat", ""))

	ref := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}},
		mustIdentifier(t, reference.IdentifierDOI, "10.1000/heat", ""))
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	determination, canonicalID := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationDuplicate, determination)
	require.Equal(t, partner.ID, *canonicalID)
}

func TestDeduplicateTrustedPairDecouplesPartner(t *testing.T) {
	ctx := context.Background()
	config := enabledConfig()
	config.TrustedIdentifierTypes = []string{"doi"}
	f, service := newFixture(t, config)

	elsewhere := f.createReference(t, refOptions{
		title: "Unrelated", year: 1990, authors: []string{"Cara Diaz"}, age: 3 * time.Hour})
	partner := f.createReference(t, refOptions{
		title: "Something else entirely", year: 1999, authors: []string{"Bob Jones"}, age: time.Hour},
		mustIdentifier(t, reference.IdentifierDOI, "10.1000/heat", ""))
	f.decide(t, partner.ID, reference.DeterminationDuplicate, &elsewhere.ID)

	ref := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}},
		mustIdentifier(t, reference.IdentifierDOI, "10.1000/heat", ""))
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	// The trusted pair wins: the partner is promoted back to canonical
	// and the incoming reference links under it.
	partnerDetermination, partnerCanonical := f.determination(t, partner.ID)
	require.Equal(t, reference.DeterminationCanonical, partnerDetermination)
	require.Nil(t, partnerCanonical)

	determination, canonicalID := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationDuplicate, determination)
	require.Equal(t, partner.ID, *canonicalID)
}

func TestMarkExactDuplicate(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	canonical := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}})
	incomingID := uuid.New()
	require.NoError(t, service.MarkExactDuplicate(ctx, incomingID, canonical.ID))

	determination, canonicalID := f.determination(t, incomingID)
	require.Equal(t, reference.DeterminationExactDuplicate, determination)
	require.Equal(t, canonical.ID, *canonicalID)
}

func TestDeduplicateRedelivery(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	canonical := f.createReference(t, refOptions{
		title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}, age: time.Hour})
	require.NoError(t, f.refsync.SQLToSearch(ctx, canonical.ID))

	ref := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}})
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	// A redelivered task lands on the settled decision and leaves it
	// alone instead of transitioning out of a terminal state.
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	determination, canonicalID := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationDuplicate, determination)
	require.Equal(t, canonical.ID, *canonicalID)
	require.Len(t, f.percolator.dispatches, 1)
}

func TestDeduplicateSupersedesTerminalDecision(t *testing.T) {
	ctx := context.Background()
	f, service := newFixture(t, enabledConfig())

	canonical := f.createReference(t, refOptions{
		title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}, age: time.Hour})
	require.NoError(t, f.refsync.SQLToSearch(ctx, canonical.ID))

	ref := f.createReference(t, refOptions{title: "Heat and Health", year: 2020, authors: []string{"Ada Smith"}})
	f.decide(t, ref.ID, reference.DeterminationCanonical, nil)

	// Re-running deduplication against a settled reference replaces the
	// terminal decision with a fresh one.
	require.NoError(t, service.Deduplicate(ctx, ref.ID))

	determination, canonicalID := f.determination(t, ref.ID)
	require.Equal(t, reference.DeterminationDuplicate, determination)
	require.Equal(t, canonical.ID, *canonicalID)
}
