// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package reference_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storj.io/refrepo/repository/reference"
)

func mustIdentifier(t *testing.T, typ reference.IdentifierType, value string) reference.ExternalIdentifier {
	t.Helper()
	id, err := reference.NewIdentifier(typ, value, "")
	require.NoError(t, err)
	return id
}

func TestDeduplicated(t *testing.T) {
	canonical := &reference.Reference{ID: uuid.New()}
	duplicate := &reference.Reference{ID: uuid.New()}

	shared := reference.BibliographicContent{Title: "Heat and Health", PublicationYear: 2020}
	onlyDup := reference.AbstractContent{Abstract: "We study heat."}

	canonical.Identifiers = []reference.ExternalIdentifier{mustIdentifier(t, reference.IdentifierDOI, "10.1/a")}
	canonical.Enhancements = []reference.Enhancement{
		{ID: uuid.New(), ReferenceID: canonical.ID, Content: shared},
	}

	duplicate.Identifiers = []reference.ExternalIdentifier{
		mustIdentifier(t, reference.IdentifierDOI, "10.1/b"),
		mustIdentifier(t, reference.IdentifierDOI, "10.1/a"), // shared, must not double
	}
	duplicate.Enhancements = []reference.Enhancement{
		{ID: uuid.New(), ReferenceID: duplicate.ID, Content: shared}, // same hash, dropped
		{ID: uuid.New(), ReferenceID: duplicate.ID, Content: onlyDup},
	}
	canonical.Duplicates = []*reference.Reference{duplicate}

	projected := reference.Deduplicated(canonical)

	require.Equal(t, canonical.ID, projected.ID)
	require.Len(t, projected.Identifiers, 2)
	require.Equal(t, "10.1/a", projected.Identifiers[0].Identifier) // canonical's own order preserved
	require.Len(t, projected.Enhancements, 2)
	require.Equal(t, canonical.ID, projected.Enhancements[0].ReferenceID)
	require.Equal(t, duplicate.ID, projected.Enhancements[1].ReferenceID)
	require.Empty(t, projected.Duplicates)
}

func TestDuplicateTree(t *testing.T) {
	root := &reference.Reference{ID: uuid.New()}
	child := &reference.Reference{ID: uuid.New()}
	root.Duplicates = []*reference.Reference{child}

	tree := reference.DuplicateTree(root)
	require.Len(t, tree, 2)
	require.Contains(t, tree, root.ID.String())
	require.Contains(t, tree, child.ID.String())
}

func TestComputeSearchFields(t *testing.T) {
	refID := uuid.New()
	dupID := uuid.New()
	score := 0.42

	ref := &reference.Reference{
		ID: refID,
		Enhancements: []reference.Enhancement{
			{
				ReferenceID: refID,
				CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				Content: reference.BibliographicContent{
					Title: "Heat and Health",
					Authorship: []reference.Author{
						{DisplayName: "Jane Doe", Position: reference.PositionFirst},
						{DisplayName: "Chris Zimmer", Position: reference.PositionMiddle},
						{DisplayName: "Bob Abbot", Position: reference.PositionMiddle},
						{DisplayName: "Alex Smith", Position: reference.PositionLast},
					},
					PublicationYear: 2020,
				},
			},
			{
				ReferenceID: dupID,
				CreatedAt:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
				Content:     reference.AbstractContent{Abstract: "We study heat."},
			},
			{
				ReferenceID: dupID,
				CreatedAt:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				Content: reference.AnnotationContent{Annotations: []reference.Annotation{
					{Scheme: "inclusion", Label: "destiny", Kind: reference.AnnotationScore, Score: &score},
					{Scheme: "topic", Label: "health", Kind: reference.AnnotationBoolean, Value: true},
				}},
			},
		},
	}

	fields := reference.ComputeSearchFields(ref, reference.SearchFieldsConfig{
		SinglyProjected: []string{"inclusion:destiny"},
	})

	require.Equal(t, "Heat and Health", fields.Title)
	require.Equal(t, "We study heat.", fields.Abstract)
	require.Equal(t, 2020, fields.PublicationYear)
	// first, middles sorted by surname, last
	require.Equal(t, []string{"Jane Doe", "Bob Abbot", "Chris Zimmer", "Alex Smith"}, fields.Authors)
	require.NotNil(t, fields.InclusionScore)
	require.Equal(t, 0.42, *fields.InclusionScore)
	require.Equal(t, []string{"topic:health"}, fields.QualifiedLabels())
}

func TestSearchFields_LaterWinsPerAttribute(t *testing.T) {
	refID := uuid.New()
	dupID := uuid.New()

	ref := &reference.Reference{
		ID: refID,
		Enhancements: []reference.Enhancement{
			{
				ReferenceID: refID,
				Content:     reference.BibliographicContent{Title: "Old Title", PublicationYear: 2019},
			},
			{
				ReferenceID: dupID,
				CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				Content:     reference.BibliographicContent{Title: "New Title"},
			},
		},
	}

	fields := reference.ComputeSearchFields(ref, reference.SearchFieldsConfig{})
	require.Equal(t, "New Title", fields.Title)
	// absent attribute does not clobber the earlier value
	require.Equal(t, 2019, fields.PublicationYear)
}

func TestComputeFingerprint(t *testing.T) {
	fields := reference.SearchFields{
		Title:           "Étude de la Chaleur: Heat & Health!",
		Authors:         []string{"Jane Doe", "Alex Smith"},
		PublicationYear: 2020,
	}

	fingerprint := reference.ComputeFingerprint(fields)
	require.True(t, fingerprint.Searchable())
	require.Equal(t, []string{"etude", "de", "la", "chaleur", "heat", "health"}, fingerprint.TitleTokens)
	require.Equal(t, []string{"doe", "smith"}, fingerprint.Authors)
	require.Equal(t, 2020, fingerprint.PublicationYear)
}

func TestFingerprint_NotSearchable(t *testing.T) {
	missingYear := reference.ComputeFingerprint(reference.SearchFields{
		Title:   "Heat",
		Authors: []string{"Jane Doe"},
	})
	require.False(t, missingYear.Searchable())

	missingAuthors := reference.ComputeFingerprint(reference.SearchFields{
		Title:           "Heat",
		PublicationYear: 2020,
	})
	require.False(t, missingAuthors.Searchable())

	missingTitle := reference.ComputeFingerprint(reference.SearchFields{
		Authors:         []string{"Jane Doe"},
		PublicationYear: 2020,
	})
	require.False(t, missingTitle.Searchable())
}

func TestFingerprint_InvariantAcrossReordering(t *testing.T) {
	refID := uuid.New()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	biblio := reference.Enhancement{
		ReferenceID: refID,
		CreatedAt:   now,
		Content: reference.BibliographicContent{
			Title:           "Heat and Health",
			Authorship:      []reference.Author{{DisplayName: "Jane Doe", Position: reference.PositionFirst}},
			PublicationYear: 2020,
		},
	}
	abstract := reference.Enhancement{
		ReferenceID: uuid.New(),
		CreatedAt:   now,
		Content:     reference.AbstractContent{Abstract: "We study heat."},
	}
	annotation := reference.Enhancement{
		ReferenceID: uuid.New(),
		CreatedAt:   now,
		Content: reference.AnnotationContent{Annotations: []reference.Annotation{
			{Scheme: "topic", Label: "health", Kind: reference.AnnotationBoolean, Value: true},
		}},
	}

	forward := &reference.Reference{ID: refID, Enhancements: []reference.Enhancement{biblio, abstract, annotation}}
	backward := &reference.Reference{ID: refID, Enhancements: []reference.Enhancement{biblio, annotation, abstract}}

	config := reference.SearchFieldsConfig{}
	a := reference.ComputeFingerprint(reference.ComputeSearchFields(forward, config))
	b := reference.ComputeFingerprint(reference.ComputeSearchFields(backward, config))
	require.Equal(t, a, b)
}
