// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package search

import (
	"regexp"
	"strings"

	"storj.io/refrepo/repository/reference"
)

// AnnotationFilter restricts results by annotation. A scheme-only
// filter matches any positive boolean label in the scheme; a label
// filter matches that specific positive label; a score filter matches
// references whose inclusion score is at least MinScore.
type AnnotationFilter struct {
	Scheme   string
	Label    string
	MinScore *float64
}

// Query is a translated search request.
type Query struct {
	// Text is the native query string. When it contains no
	// field-qualified term it is restricted to title and abstract.
	Text string

	// PublicationYearStart and PublicationYearEnd bound the publication
	// year inclusively; either bound is optional.
	PublicationYearStart *int
	PublicationYearEnd   *int

	Annotations []AnnotationFilter

	// Sort lists field names; a "-" prefix sorts descending. Empty
	// means relevance order.
	Sort []string

	Offset int
	Limit  int
}

var fieldQualified = regexp.MustCompile(`(^|\s)[A-Za-z_][\w.]*:`)

// defaultFields are searched when the query string has no
// field-qualified term.
var defaultFields = []string{"title", "abstract"}

// Body translates the query into the native request body.
func (query Query) Body() map[string]interface{} {
	var must []interface{}
	if strings.TrimSpace(query.Text) == "" {
		must = append(must, map[string]interface{}{"match_all": map[string]interface{}{}})
	} else {
		queryString := map[string]interface{}{"query": query.Text}
		if !fieldQualified.MatchString(query.Text) {
			queryString["fields"] = defaultFields
		}
		must = append(must, map[string]interface{}{"query_string": queryString})
	}

	var filter []interface{}
	if query.PublicationYearStart != nil || query.PublicationYearEnd != nil {
		yearRange := map[string]interface{}{}
		if query.PublicationYearStart != nil {
			yearRange["gte"] = *query.PublicationYearStart
		}
		if query.PublicationYearEnd != nil {
			yearRange["lte"] = *query.PublicationYearEnd
		}
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{"publication_year": yearRange},
		})
	}

	for _, annotation := range query.Annotations {
		switch {
		case annotation.MinScore != nil:
			filter = append(filter, map[string]interface{}{
				"range": map[string]interface{}{
					"inclusion_score": map[string]interface{}{"gte": *annotation.MinScore},
				},
			})
		case annotation.Label != "":
			filter = append(filter, map[string]interface{}{
				"term": map[string]interface{}{"labels": annotation.Scheme + ":" + annotation.Label},
			})
		default:
			filter = append(filter, map[string]interface{}{
				"prefix": map[string]interface{}{"labels": annotation.Scheme + ":"},
			})
		}
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filter,
			},
		},
		"from": query.Offset,
		"size": query.Limit,
	}

	if len(query.Sort) > 0 {
		var sorts []interface{}
		for _, field := range query.Sort {
			order := "asc"
			if strings.HasPrefix(field, "-") {
				order = "desc"
				field = field[1:]
			}
			sorts = append(sorts, map[string]interface{}{field: map[string]interface{}{"order": order}})
		}
		body["sort"] = sorts
	}

	return body
}

// FingerprintBody builds the structured candidate query for a
// searchable fingerprint: title tokens with a minimum overlap, author
// surnames, and an exact publication year.
func FingerprintBody(fingerprint reference.Fingerprint, limit int) map[string]interface{} {
	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{
						"match": map[string]interface{}{
							"fingerprint_title": map[string]interface{}{
								"query":                strings.Join(fingerprint.TitleTokens, " "),
								"minimum_should_match": "66%",
							},
						},
					},
					map[string]interface{}{
						"match": map[string]interface{}{
							"fingerprint_authors": map[string]interface{}{
								"query": strings.Join(fingerprint.Authors, " "),
							},
						},
					},
				},
				"filter": []interface{}{
					map[string]interface{}{
						"term": map[string]interface{}{"publication_year": fingerprint.PublicationYear},
					},
				},
			},
		},
		"size": limit,
	}
}
