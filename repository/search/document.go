// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package search

import (
	"strings"

	"github.com/google/uuid"

	"storj.io/refrepo/repository/reference"
)

// Document is the indexed form of a deduplicated reference, and also
// the changeset shape evaluated by the percolator.
type Document struct {
	ID              uuid.UUID            `json:"id"`
	Visibility      string               `json:"visibility,omitempty"`
	Title           string               `json:"title,omitempty"`
	Abstract        string               `json:"abstract,omitempty"`
	Authors         []string             `json:"authors,omitempty"`
	PublicationYear int                  `json:"publication_year,omitempty"`
	Identifiers     []DocumentIdentifier `json:"identifiers,omitempty"`
	EnhancementTypes []string            `json:"enhancement_types,omitempty"`
	Sources         []string             `json:"sources,omitempty"`
	// Labels are the positive boolean annotation labels, scheme
	// qualified.
	Labels         []string `json:"labels,omitempty"`
	InclusionScore *float64 `json:"inclusion_score,omitempty"`

	FingerprintTitle   string   `json:"fingerprint_title,omitempty"`
	FingerprintAuthors []string `json:"fingerprint_authors,omitempty"`
}

// DocumentIdentifier is the indexed form of an external identifier.
type DocumentIdentifier struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	OtherName  string `json:"other_identifier_name,omitempty"`
}

// DocumentFromReference projects an already-deduplicated reference
// into its indexable document.
func DocumentFromReference(ref *reference.Reference, config reference.SearchFieldsConfig) Document {
	fields := reference.ComputeSearchFields(ref, config)
	fingerprint := reference.ComputeFingerprint(fields)

	doc := Document{
		ID:              ref.ID,
		Visibility:      string(ref.Visibility),
		Title:           fields.Title,
		Abstract:        fields.Abstract,
		Authors:         fields.Authors,
		PublicationYear: fields.PublicationYear,
		Labels:          fields.QualifiedLabels(),
		InclusionScore:  fields.InclusionScore,

		FingerprintTitle:   strings.Join(fingerprint.TitleTokens, " "),
		FingerprintAuthors: fingerprint.Authors,
	}

	for _, identifier := range ref.Identifiers {
		doc.Identifiers = append(doc.Identifiers, DocumentIdentifier{
			Type:       string(identifier.Type),
			Identifier: identifier.Identifier,
			OtherName:  identifier.OtherName,
		})
	}

	seenTypes := map[string]struct{}{}
	seenSources := map[string]struct{}{}
	for _, enhancement := range ref.Enhancements {
		enhancementType := string(enhancement.Content.EnhancementType())
		if _, ok := seenTypes[enhancementType]; !ok {
			seenTypes[enhancementType] = struct{}{}
			doc.EnhancementTypes = append(doc.EnhancementTypes, enhancementType)
		}
		if enhancement.Source != "" {
			if _, ok := seenSources[enhancement.Source]; !ok {
				seenSources[enhancement.Source] = struct{}{}
				doc.Sources = append(doc.Sources, enhancement.Source)
			}
		}
	}

	return doc
}

// ChangesetDocument projects the sub-reference that triggered an
// automation evaluation: the canonical document shape restricted to
// the changed enhancements.
func ChangesetDocument(canonicalID uuid.UUID, changed []reference.Enhancement, config reference.SearchFieldsConfig) Document {
	sub := &reference.Reference{ID: canonicalID, Enhancements: changed}
	return DocumentFromReference(sub, config)
}
