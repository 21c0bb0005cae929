// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"strconv"
	"strings"

	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/sdk"
	"storj.io/refrepo/repository/search"
)

const (
	defaultSearchLimit = 25
	maxSearchLimit     = 500
)

type searchResponse struct {
	Total         int64             `json:"total"`
	TotalRelation string            `json:"total_relation"`
	Documents     []search.Document `json:"documents"`
}

func (server *Server) searchReferences(w http.ResponseWriter, r *http.Request) {
	query, err := parseSearchQuery(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := server.services.Search.Search(r.Context(), query)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusOK, searchResponse{
		Total:         result.Total,
		TotalRelation: result.TotalRelation,
		Documents:     result.Documents,
	})
}

func parseSearchQuery(r *http.Request) (search.Query, error) {
	values := r.URL.Query()
	query := search.Query{
		Text:  values.Get("q"),
		Limit: defaultSearchLimit,
	}

	if raw := values.Get("year_start"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return search.Query{}, Error.New("invalid year_start %q", raw)
		}
		query.PublicationYearStart = &year
	}
	if raw := values.Get("year_end"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return search.Query{}, Error.New("invalid year_end %q", raw)
		}
		query.PublicationYearEnd = &year
	}

	for _, raw := range values["annotation"] {
		filter, err := parseAnnotationFilter(raw)
		if err != nil {
			return search.Query{}, err
		}
		query.Annotations = append(query.Annotations, filter)
	}

	if raw := values.Get("sort"); raw != "" {
		for _, field := range strings.Split(raw, ",") {
			if field = strings.TrimSpace(field); field != "" {
				query.Sort = append(query.Sort, field)
			}
		}
	}

	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return search.Query{}, Error.New("invalid offset %q", raw)
		}
		query.Offset = offset
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxSearchLimit {
			return search.Query{}, Error.New("invalid limit %q", raw)
		}
		query.Limit = limit
	}
	return query, nil
}

// parseAnnotationFilter accepts "scheme", "scheme:label" and
// "scheme>=score".
func parseAnnotationFilter(raw string) (search.AnnotationFilter, error) {
	if scheme, score, ok := strings.Cut(raw, ">="); ok {
		minScore, err := strconv.ParseFloat(score, 64)
		if err != nil {
			return search.AnnotationFilter{}, Error.New("invalid annotation score %q", raw)
		}
		return search.AnnotationFilter{Scheme: scheme, MinScore: &minScore}, nil
	}
	scheme, label, _ := strings.Cut(raw, ":")
	if scheme == "" {
		return search.AnnotationFilter{}, Error.New("invalid annotation filter %q", raw)
	}
	return search.AnnotationFilter{Scheme: scheme, Label: label}, nil
}

// getReference serves the hydrated deduplicated projection of a
// reference, following its canonical when asked for a duplicate.
func (server *Server) getReference(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid reference id"))
		return
	}
	ref, err := server.services.DB.References().Get(r.Context(), id, reference.PreloadAll)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	record, err := sdk.FromReference(reference.Deduplicated(ref))
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusOK, record)
}

// lookupReference resolves an external identifier to its owning
// reference.
func (server *Server) lookupReference(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	identifier, err := reference.NewIdentifier(
		reference.IdentifierType(values.Get("identifier_type")),
		values.Get("identifier"),
		values.Get("other_identifier_name"),
	)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	ref, err := server.services.DB.References().FindByIdentifier(r.Context(), identifier, reference.PreloadAll)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	record, err := sdk.FromReference(reference.Deduplicated(ref))
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusOK, record)
}
