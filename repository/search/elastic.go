// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/refrepo/repository/reference"
)

var mon = monkit.Package()

// Config holds the search store connection options.
type Config struct {
	Addresses       []string `help:"search store node addresses" default:"http://localhost:9200"`
	Username        string   `help:"search store username" default:""`
	Password        string   `help:"search store password" default:""`
	ReferenceIndex  string   `help:"index holding deduplicated references" default:"references"`
	AutomationIndex string   `help:"percolator index holding robot automations" default:"robot_automations"`
}

// Elastic implements Store on an elasticsearch cluster.
type Elastic struct {
	log    *zap.Logger
	client *elasticsearch.Client
	config Config
}

var _ Store = (*Elastic)(nil)

// NewElastic connects to the cluster.
func NewElastic(log *zap.Logger, config Config) (*Elastic, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  config.Password,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Elastic{log: log, client: client, config: config}, nil
}

// referenceMapping is shared by the reference index and, for
// percolation, the automation index.
const referenceMapping = `{
	"id":                  {"type": "keyword"},
	"visibility":          {"type": "keyword"},
	"title":               {"type": "text"},
	"abstract":            {"type": "text"},
	"authors":             {"type": "text"},
	"publication_year":    {"type": "integer"},
	"identifiers": {
		"type": "object",
		"properties": {
			"type":                  {"type": "keyword"},
			"identifier":            {"type": "keyword"},
			"other_identifier_name": {"type": "keyword"}
		}
	},
	"enhancement_types":   {"type": "keyword"},
	"sources":             {"type": "keyword"},
	"labels":              {"type": "keyword"},
	"inclusion_score":     {"type": "float"},
	"fingerprint_title":   {"type": "text"},
	"fingerprint_authors": {"type": "keyword"}
}`

// EnsureIndexes creates the reference and percolator indexes if absent.
func (store *Elastic) EnsureIndexes(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	referenceBody := fmt.Sprintf(`{"mappings": {"properties": %s}}`, referenceMapping)
	automationBody := fmt.Sprintf(`{"mappings": {"properties": {
		"query":    {"type": "percolator"},
		"robot_id": {"type": "keyword"},
		%s
	}}}`, strings.TrimSuffix(strings.TrimPrefix(referenceMapping, "{"), "}"))

	for _, index := range []struct{ name, body string }{
		{store.config.ReferenceIndex, referenceBody},
		{store.config.AutomationIndex, automationBody},
	} {
		res, err := esapi.IndicesCreateRequest{
			Index: index.name,
			Body:  strings.NewReader(index.body),
		}.Do(ctx, store.client)
		if err != nil {
			return Error.Wrap(err)
		}
		err = store.closeChecked(res, "resource_already_exists_exception")
		if err != nil {
			return err
		}
	}
	return nil
}

// UpsertReference indexes the deduplicated projection document.
func (store *Elastic) UpsertReference(ctx context.Context, doc Document) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(doc)
	if err != nil {
		return Error.Wrap(err)
	}
	res, err := esapi.IndexRequest{
		Index:      store.config.ReferenceIndex,
		DocumentID: doc.ID.String(),
		Body:       bytes.NewReader(body),
		Refresh:    "wait_for",
	}.Do(ctx, store.client)
	if err != nil {
		return Error.Wrap(err)
	}
	return store.closeChecked(res)
}

// DeleteReference removes a reference document. Missing documents are
// not an error.
func (store *Elastic) DeleteReference(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := esapi.DeleteRequest{
		Index:      store.config.ReferenceIndex,
		DocumentID: id.String(),
		Refresh:    "wait_for",
	}.Do(ctx, store.client)
	if err != nil {
		return Error.Wrap(err)
	}
	defer closeBody(res)
	if res.IsError() && res.StatusCode != 404 {
		return store.asError(res)
	}
	return nil
}

// GetReference fetches an indexed document.
func (store *Elastic) GetReference(ctx context.Context, id uuid.UUID) (_ Document, err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := esapi.GetRequest{
		Index:      store.config.ReferenceIndex,
		DocumentID: id.String(),
	}.Do(ctx, store.client)
	if err != nil {
		return Document{}, Error.Wrap(err)
	}
	defer closeBody(res)

	if res.StatusCode == 404 {
		return Document{}, ErrNotFound.New("%s", id)
	}
	if res.IsError() {
		return Document{}, store.asError(res)
	}

	var envelope struct {
		Source Document `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return Document{}, Error.Wrap(err)
	}
	return envelope.Source, nil
}

// Search runs a translated query against the reference index.
func (store *Elastic) Search(ctx context.Context, query Query) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	hits, total, relation, err := store.search(ctx, store.config.ReferenceIndex, query.Body())
	if err != nil {
		return Result{}, err
	}

	result := Result{Total: total, TotalRelation: relation}
	for _, hit := range hits {
		result.Documents = append(result.Documents, hit.Source)
	}
	return result, nil
}

// FingerprintCandidates returns scored candidate canonical ids.
func (store *Elastic) FingerprintCandidates(ctx context.Context, fingerprint reference.Fingerprint, limit int) (_ []Candidate, err error) {
	defer mon.Task()(&ctx)(&err)

	hits, _, _, err := store.search(ctx, store.config.ReferenceIndex, FingerprintBody(fingerprint, limit))
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, Candidate{ReferenceID: hit.Source.ID, Score: hit.Score})
	}
	return candidates, nil
}

// UpsertAutomation mirrors a robot automation percolator query.
func (store *Elastic) UpsertAutomation(ctx context.Context, id, robotID uuid.UUID, query json.RawMessage) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(map[string]interface{}{
		"query":    query,
		"robot_id": robotID.String(),
	})
	if err != nil {
		return Error.Wrap(err)
	}

	res, err := esapi.IndexRequest{
		Index:      store.config.AutomationIndex,
		DocumentID: id.String(),
		Body:       bytes.NewReader(body),
		Refresh:    "wait_for",
	}.Do(ctx, store.client)
	if err != nil {
		return Error.Wrap(err)
	}
	defer closeBody(res)
	if res.StatusCode == 400 {
		return ErrMalformedDocument.New("automation %s rejected: %s", id, bodyText(res))
	}
	if res.IsError() {
		return store.asError(res)
	}
	return nil
}

// DeleteAutomation removes a percolator query.
func (store *Elastic) DeleteAutomation(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := esapi.DeleteRequest{
		Index:      store.config.AutomationIndex,
		DocumentID: id.String(),
		Refresh:    "wait_for",
	}.Do(ctx, store.client)
	if err != nil {
		return Error.Wrap(err)
	}
	defer closeBody(res)
	if res.IsError() && res.StatusCode != 404 {
		return store.asError(res)
	}
	return nil
}

// Percolate matches changeset documents against the stored automation
// queries. Matches carry the reference ids of the matching documents.
func (store *Elastic) Percolate(ctx context.Context, docs []Document) (_ []AutomationMatch, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(docs) == 0 {
		return nil, nil
	}

	documents := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		documents = append(documents, doc)
	}
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"percolate": map[string]interface{}{
				"field":     "query",
				"documents": documents,
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	res, err := esapi.SearchRequest{
		Index: []string{store.config.AutomationIndex},
		Body:  bytes.NewReader(raw),
	}.Do(ctx, store.client)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer closeBody(res)
	if res.IsError() {
		return nil, store.asError(res)
	}

	var envelope struct {
		Hits struct {
			Hits []struct {
				ID     string `json:"_id"`
				Source struct {
					RobotID string `json:"robot_id"`
				} `json:"_source"`
				Fields struct {
					Slots []int `json:"_percolator_document_slot"`
				} `json:"fields"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, Error.Wrap(err)
	}

	var matches []AutomationMatch
	for _, hit := range envelope.Hits.Hits {
		automationID, err := uuid.Parse(hit.ID)
		if err != nil {
			continue
		}
		robotID, err := uuid.Parse(hit.Source.RobotID)
		if err != nil {
			continue
		}
		match := AutomationMatch{AutomationID: automationID, RobotID: robotID}
		for _, slot := range hit.Fields.Slots {
			if slot >= 0 && slot < len(docs) {
				match.ReferenceIDs = append(match.ReferenceIDs, docs[slot].ID)
			}
		}
		matches = append(matches, match)
	}
	return matches, nil
}

type searchHit struct {
	Score  float64  `json:"_score"`
	Source Document `json:"_source"`
}

func (store *Elastic) search(ctx context.Context, index string, body map[string]interface{}) (hits []searchHit, total int64, relation string, err error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, 0, "", Error.Wrap(err)
	}

	res, err := esapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(raw),
	}.Do(ctx, store.client)
	if err != nil {
		return nil, 0, "", Error.Wrap(err)
	}
	defer closeBody(res)

	if res.StatusCode == 400 {
		return nil, 0, "", ErrQuerySyntax.New("%s", bodyText(res))
	}
	if res.IsError() {
		return nil, 0, "", store.asError(res)
	}

	var envelope struct {
		Hits struct {
			Total struct {
				Value    int64  `json:"value"`
				Relation string `json:"relation"`
			} `json:"total"`
			Hits []searchHit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, 0, "", Error.Wrap(err)
	}
	return envelope.Hits.Hits, envelope.Hits.Total.Value, envelope.Hits.Total.Relation, nil
}

func (store *Elastic) closeChecked(res *esapi.Response, ignoredErrorTypes ...string) error {
	defer closeBody(res)
	if !res.IsError() {
		return nil
	}
	text := bodyText(res)
	for _, ignored := range ignoredErrorTypes {
		if strings.Contains(text, ignored) {
			return nil
		}
	}
	return Error.New("status %d: %s", res.StatusCode, text)
}

func (store *Elastic) asError(res *esapi.Response) error {
	return Error.New("status %d: %s", res.StatusCode, bodyText(res))
}

func bodyText(res *esapi.Response) string {
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err.Error()
	}
	return string(raw)
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
}
