// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package reference

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SearchFieldsConfig configures the search-fields projection.
type SearchFieldsConfig struct {
	// SinglyProjected names scheme-qualified annotation labels whose
	// score is extracted on its own, e.g. "inclusion:destiny".
	SinglyProjected []string `help:"scheme:label annotation keys projected as a single inclusion score" default:"inclusion:destiny"`
}

// SearchFields is the searchable projection of a deduplicated
// reference.
type SearchFields struct {
	Title           string
	Abstract        string
	Authors         []string
	PublicationYear int

	// Annotations maps a scheme to the winning enhancement's
	// annotations for that scheme.
	Annotations map[string][]Annotation
	// InclusionScore carries the first singly-projected score found.
	InclusionScore *float64
}

// QualifiedLabels returns the positive boolean annotation labels as a
// scheme-qualified set.
func (fields SearchFields) QualifiedLabels() []string {
	var labels []string
	for _, annotations := range fields.Annotations {
		for _, annotation := range annotations {
			if annotation.Kind == AnnotationBoolean && annotation.Value {
				labels = append(labels, annotation.QualifiedLabel())
			}
		}
	}
	sort.Strings(labels)
	return labels
}

// ComputeSearchFields walks the reference's enhancements in increasing
// priority order (the reference's own entries come first, then the
// rest by recency) and projects title, authorship, publication year,
// abstract, and annotation groups. Later enhancements win per
// attribute when the attribute is present; annotation schemes are won
// wholesale by the highest-priority enhancement carrying the scheme.
func ComputeSearchFields(ref *Reference, config SearchFieldsConfig) SearchFields {
	fields := SearchFields{Annotations: map[string][]Annotation{}}

	for _, enhancement := range prioritized(ref) {
		switch content := enhancement.Content.(type) {
		case BibliographicContent:
			if content.Title != "" {
				fields.Title = content.Title
			}
			if len(content.Authorship) > 0 {
				fields.Authors = orderAuthors(content.Authorship)
			}
			if content.PublicationYear != 0 {
				fields.PublicationYear = content.PublicationYear
			}
		case AbstractContent:
			if content.Abstract != "" {
				fields.Abstract = content.Abstract
			}
		case AnnotationContent:
			byScheme := map[string][]Annotation{}
			for _, annotation := range content.Annotations {
				byScheme[annotation.Scheme] = append(byScheme[annotation.Scheme], annotation)
			}
			for scheme, annotations := range byScheme {
				fields.Annotations[scheme] = annotations
			}
		}
	}

	for _, key := range config.SinglyProjected {
		scheme, label, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		for _, annotation := range fields.Annotations[scheme] {
			if annotation.Label == label && annotation.Score != nil {
				score := *annotation.Score
				fields.InclusionScore = &score
				break
			}
		}
		if fields.InclusionScore != nil {
			break
		}
	}

	return fields
}

// prioritized returns enhancements in increasing priority order: the
// reference's own entries in stored order, then the remainder sorted
// by creation time. The sort is stable so equivalent reorderings of
// same-priority enhancements project identically.
func prioritized(ref *Reference) []Enhancement {
	own := make([]Enhancement, 0, len(ref.Enhancements))
	var rest []Enhancement
	for _, enhancement := range ref.Enhancements {
		if enhancement.ReferenceID == ref.ID {
			own = append(own, enhancement)
		} else {
			rest = append(rest, enhancement)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if !rest[i].CreatedAt.Equal(rest[j].CreatedAt) {
			return rest[i].CreatedAt.Before(rest[j].CreatedAt)
		}
		return rest[i].ContentHash() < rest[j].ContentHash()
	})
	return append(own, rest...)
}

// orderAuthors orders an authorship list first -> middle (by surname)
// -> last.
func orderAuthors(authorship []Author) []string {
	var first, middle, last []string
	for _, author := range authorship {
		name := strings.TrimSpace(author.DisplayName)
		if name == "" {
			continue
		}
		switch author.Position {
		case PositionFirst:
			first = append(first, name)
		case PositionLast:
			last = append(last, name)
		default:
			middle = append(middle, name)
		}
	}
	sort.Slice(middle, func(i, j int) bool { return surname(middle[i]) < surname(middle[j]) })

	ordered := make([]string, 0, len(first)+len(middle)+len(last))
	ordered = append(ordered, first...)
	ordered = append(ordered, middle...)
	ordered = append(ordered, last...)
	return ordered
}

func surname(displayName string) string {
	parts := strings.Fields(displayName)
	if len(parts) == 0 {
		return ""
	}
	return normalizeToken(parts[len(parts)-1])
}

// Fingerprint is the (title tokens, sorted authors, year) view used
// to find candidate canonicals.
type Fingerprint struct {
	TitleTokens     []string
	Authors         []string
	PublicationYear int
}

// Searchable reports whether the fingerprint carries enough signal for
// candidate search: title tokens, authors, and a publication year.
func (fingerprint Fingerprint) Searchable() bool {
	return len(fingerprint.TitleTokens) > 0 &&
		len(fingerprint.Authors) > 0 &&
		fingerprint.PublicationYear != 0
}

// ComputeFingerprint derives the fingerprint view from search fields.
func ComputeFingerprint(fields SearchFields) Fingerprint {
	fingerprint := Fingerprint{
		TitleTokens:     TokenizeTitle(fields.Title),
		PublicationYear: fields.PublicationYear,
	}
	for _, author := range fields.Authors {
		if name := surname(author); name != "" {
			fingerprint.Authors = append(fingerprint.Authors, name)
		}
	}
	sort.Strings(fingerprint.Authors)
	return fingerprint
}

// TokenizeTitle normalizes a title into lowercase, diacritic-folded
// tokens.
func TokenizeTitle(title string) []string {
	var tokens []string
	for _, field := range strings.FieldsFunc(title, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if token := normalizeToken(field); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

var foldTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func normalizeToken(token string) string {
	folded, _, err := transform.String(foldTransformer, token)
	if err != nil {
		folded = token
	}
	return strings.ToLower(strings.TrimSpace(folded))
}
