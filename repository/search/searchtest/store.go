// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package searchtest implements an in-memory search.Store for tests.
package searchtest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/search"
)

// Store implements search.Store in memory. The percolator evaluates a
// small subset of the native query language: term, prefix, match and
// bool.must/should over document fields.
type Store struct {
	mu          sync.Mutex
	docs        map[uuid.UUID]search.Document
	automations map[uuid.UUID]automation
}

type automation struct {
	robotID uuid.UUID
	query   map[string]interface{}
}

// New creates an empty in-memory search store.
func New() *Store {
	return &Store{
		docs:        map[uuid.UUID]search.Document{},
		automations: map[uuid.UUID]automation{},
	}
}

// EnsureIndexes implements search.Store.
func (store *Store) EnsureIndexes(ctx context.Context) error { return nil }

// UpsertReference implements search.Store.
func (store *Store) UpsertReference(ctx context.Context, doc search.Document) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.docs[doc.ID] = doc
	return nil
}

// DeleteReference implements search.Store.
func (store *Store) DeleteReference(ctx context.Context, id uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.docs, id)
	return nil
}

// GetReference implements search.Store.
func (store *Store) GetReference(ctx context.Context, id uuid.UUID) (search.Document, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	doc, ok := store.docs[id]
	if !ok {
		return search.Document{}, search.ErrNotFound.New("%s", id)
	}
	return doc, nil
}

// Documents returns all indexed documents, for assertions.
func (store *Store) Documents() []search.Document {
	store.mu.Lock()
	defer store.mu.Unlock()
	docs := make([]search.Document, 0, len(store.docs))
	for _, doc := range store.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID.String() < docs[j].ID.String() })
	return docs
}

// Search implements search.Store with substring matching on the
// default fields plus the structured filters.
func (store *Store) Search(ctx context.Context, query search.Query) (search.Result, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	text := strings.ToLower(strings.TrimSpace(query.Text))
	var matched []search.Document
	for _, doc := range store.docs {
		if text != "" &&
			!strings.Contains(strings.ToLower(doc.Title), text) &&
			!strings.Contains(strings.ToLower(doc.Abstract), text) {
			continue
		}
		if query.PublicationYearStart != nil && doc.PublicationYear < *query.PublicationYearStart {
			continue
		}
		if query.PublicationYearEnd != nil && doc.PublicationYear > *query.PublicationYearEnd {
			continue
		}
		if !matchesAnnotations(doc, query.Annotations) {
			continue
		}
		matched = append(matched, doc)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID.String() < matched[j].ID.String() })

	total := int64(len(matched))
	if query.Offset < len(matched) {
		matched = matched[query.Offset:]
	} else {
		matched = nil
	}
	if query.Limit > 0 && query.Limit < len(matched) {
		matched = matched[:query.Limit]
	}
	return search.Result{Total: total, TotalRelation: "eq", Documents: matched}, nil
}

func matchesAnnotations(doc search.Document, filters []search.AnnotationFilter) bool {
	for _, filter := range filters {
		switch {
		case filter.MinScore != nil:
			if doc.InclusionScore == nil || *doc.InclusionScore < *filter.MinScore {
				return false
			}
		case filter.Label != "":
			if !contains(doc.Labels, filter.Scheme+":"+filter.Label) {
				return false
			}
		default:
			if !containsPrefix(doc.Labels, filter.Scheme+":") {
				return false
			}
		}
	}
	return true
}

// FingerprintCandidates implements search.Store: candidates share the
// publication year and at least one author surname, scored by title
// token overlap.
func (store *Store) FingerprintCandidates(ctx context.Context, fingerprint reference.Fingerprint, limit int) ([]search.Candidate, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var candidates []search.Candidate
	for _, doc := range store.docs {
		if doc.PublicationYear != fingerprint.PublicationYear {
			continue
		}
		if !sharesAny(doc.FingerprintAuthors, fingerprint.Authors) {
			continue
		}
		score := tokenOverlap(strings.Fields(doc.FingerprintTitle), fingerprint.TitleTokens)
		if score == 0 {
			continue
		}
		candidates = append(candidates, search.Candidate{ReferenceID: doc.ID, Score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ReferenceID.String() < candidates[j].ReferenceID.String()
	})
	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// UpsertAutomation implements search.Store. The query must decode to
// an object, otherwise it is rejected as malformed.
func (store *Store) UpsertAutomation(ctx context.Context, id, robotID uuid.UUID, query json.RawMessage) error {
	var decoded map[string]interface{}
	if err := json.Unmarshal(query, &decoded); err != nil || len(decoded) == 0 {
		return search.ErrMalformedDocument.New("automation %s", id)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.automations[id] = automation{robotID: robotID, query: decoded}
	return nil
}

// DeleteAutomation implements search.Store.
func (store *Store) DeleteAutomation(ctx context.Context, id uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.automations, id)
	return nil
}

// Percolate implements search.Store.
func (store *Store) Percolate(ctx context.Context, docs []search.Document) ([]search.AutomationMatch, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var ids []uuid.UUID
	for id := range store.automations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var matches []search.AutomationMatch
	for _, id := range ids {
		stored := store.automations[id]
		match := search.AutomationMatch{AutomationID: id, RobotID: stored.robotID}
		for _, doc := range docs {
			if evaluate(stored.query, doc) {
				match.ReferenceIDs = append(match.ReferenceIDs, doc.ID)
			}
		}
		if len(match.ReferenceIDs) > 0 {
			matches = append(matches, match)
		}
	}
	return matches, nil
}

func evaluate(query map[string]interface{}, doc search.Document) bool {
	for kind, clause := range query {
		switch kind {
		case "term":
			for field, value := range asObject(clause) {
				if !contains(fieldValues(doc, field), asString(value)) {
					return false
				}
			}
		case "prefix":
			for field, value := range asObject(clause) {
				if !containsPrefix(fieldValues(doc, field), asString(value)) {
					return false
				}
			}
		case "match":
			for field, value := range asObject(clause) {
				haystack := strings.ToLower(strings.Join(fieldValues(doc, field), " "))
				if !strings.Contains(haystack, strings.ToLower(asString(value))) {
					return false
				}
			}
		case "bool":
			boolClause := asObject(clause)
			for _, must := range asList(boolClause["must"]) {
				if !evaluate(asObject(must), doc) {
					return false
				}
			}
			if should := asList(boolClause["should"]); len(should) > 0 {
				any := false
				for _, clause := range should {
					if evaluate(asObject(clause), doc) {
						any = true
						break
					}
				}
				if !any {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

func fieldValues(doc search.Document, field string) []string {
	switch field {
	case "title":
		return []string{doc.Title}
	case "abstract":
		return []string{doc.Abstract}
	case "visibility":
		return []string{doc.Visibility}
	case "enhancement_types":
		return doc.EnhancementTypes
	case "sources":
		return doc.Sources
	case "labels":
		return doc.Labels
	case "authors":
		return doc.Authors
	case "identifiers.type":
		var values []string
		for _, identifier := range doc.Identifiers {
			values = append(values, identifier.Type)
		}
		return values
	case "identifiers.identifier":
		var values []string
		for _, identifier := range doc.Identifiers {
			values = append(values, identifier.Identifier)
		}
		return values
	}
	return nil
}

func asObject(value interface{}) map[string]interface{} {
	obj, _ := value.(map[string]interface{})
	return obj
}

func asList(value interface{}) []interface{} {
	list, _ := value.([]interface{})
	return list
}

func asString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]interface{}:
		return asString(v["value"])
	}
	return ""
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func containsPrefix(values []string, prefix string) bool {
	for _, value := range values {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

func sharesAny(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := map[string]struct{}{}
	for _, token := range a {
		set[token] = struct{}{}
	}
	shared := 0
	for _, token := range b {
		if _, ok := set[token]; ok {
			shared++
		}
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return float64(shared) / float64(longest)
}
