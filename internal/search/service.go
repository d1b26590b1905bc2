package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSOP indexes a procedure (fire-and-forget to Meilisearch).
func (s *Service) IndexSOP(rec SOPRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSOP(rec); err != nil {
			log.Printf("search: index sop %s: %v", rec.ID, err)
		}
	}()
}

// IndexStep indexes a step (fire-and-forget to Meilisearch).
func (s *Service) IndexStep(rec StepRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexStep(rec); err != nil {
			log.Printf("search: index step %s: %v", rec.ID, err)
		}
	}()
}

// DeleteSOP removes a procedure from the search index (fire-and-forget).
func (s *Service) DeleteSOP(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSOP(id); err != nil {
			log.Printf("search: delete sop %s: %v", id, err)
		}
	}()
}

// DeleteStep removes a step from the search index (fire-and-forget).
func (s *Service) DeleteStep(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteStep(id); err != nil {
			log.Printf("search: delete step %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	sops, steps, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(sops) > 0 {
		if err := s.meili.IndexSOPs(sops); err != nil {
			log.Printf("search: reindex sops: %v", err)
		}
	}
	if len(steps) > 0 {
		if err := s.meili.IndexSteps(steps); err != nil {
			log.Printf("search: reindex steps: %v", err)
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
