package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxSOPs  = "sopmaker_sops"
	idxSteps = "sopmaker_steps"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// An unreachable instance is not fatal; the health loop keeps probing
// and the facade falls back to Postgres FTS in the meantime.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxSOPs,
			primaryKey: "id",
			filterable: []string{"category", "status", "createdBy"},
			searchable: []string{"title", "description", "category"},
		},
		{
			uid:        idxSteps,
			primaryKey: "id",
			filterable: []string{"sopId", "category", "status"},
			searchable: []string{"title", "instructions", "safetyNotes"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxSOPs, ResultSOP},
		{idxSteps, ResultStep},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.FilterCategory != "" {
			filters = append(filters, fmt.Sprintf("category = %q", q.FilterCategory))
		}
		if q.PublishedOnly {
			filters = append(filters, "status = \"published\"")
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxSOPs:
		return ResultSOP
	case idxSteps:
		return ResultStep
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.SOPID = decodeString(hit, "sopId")
	r.Category = decodeString(hit, "category")
	r.Status = decodeString(hit, "status")

	switch rtyp {
	case ResultSOP:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
		r.SOPID = r.ID // the procedure's own ID
	case ResultStep:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "instructions"), decodeString(hit, "instructions"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSOP adds or updates a procedure in the search index.
func (m *Meili) IndexSOP(rec SOPRecord) error {
	_, err := m.client.Index(idxSOPs).AddDocuments([]SOPRecord{rec}, nil)
	return err
}

// IndexStep adds or updates a step in the search index.
func (m *Meili) IndexStep(rec StepRecord) error {
	_, err := m.client.Index(idxSteps).AddDocuments([]StepRecord{rec}, nil)
	return err
}

// DeleteSOP removes a procedure from the search index.
func (m *Meili) DeleteSOP(id string) error {
	_, err := m.client.Index(idxSOPs).DeleteDocument(id, nil)
	return err
}

// DeleteStep removes a step from the search index.
func (m *Meili) DeleteStep(id string) error {
	_, err := m.client.Index(idxSteps).DeleteDocument(id, nil)
	return err
}

// IndexSOPs bulk-indexes procedures.
func (m *Meili) IndexSOPs(records []SOPRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSOPs).AddDocuments(records, nil)
	return err
}

// IndexSteps bulk-indexes steps.
func (m *Meili) IndexSteps(records []StepRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSteps).AddDocuments(records, nil)
	return err
}
