package search

import (
	"context"

	log "github.com/sirupsen/logrus"

	"tandem/api/internal/ledger"
	"tandem/api/internal/store"
)

// RecordLoader reads every searchable entity for a rebuild.
type RecordLoader interface {
	LoadSearchRecords(ctx context.Context) ([]store.SearchRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres full-text search, or an in-memory scan without Postgres.
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if len(q.ProjectIDs) == 0 {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: scoped(results, q.ProjectIDs), Total: total, Query: q.Text}
		}
		log.WithError(err).Warn("search.meili_failed")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.WithError(err).Warn("search.fallback_failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: scoped(results, q.ProjectIDs), Total: total, Query: q.Text}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// IndexPage indexes a page (fire-and-forget to Meilisearch).
func (s *Service) IndexPage(p PageRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexPages([]PageRecord{p}); err != nil {
			log.WithError(err).WithField("pageId", p.ID).Warn("search.index_page_failed")
		}
	}()
}

// IndexCard indexes a card (fire-and-forget to Meilisearch).
func (s *Service) IndexCard(c CardRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexCards([]CardRecord{c}); err != nil {
			log.WithError(err).WithField("cardId", c.ID).Warn("search.index_card_failed")
		}
	}()
}

func (s *Service) DeletePage(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeletePage(id); err != nil {
			log.WithError(err).WithField("pageId", id).Warn("search.delete_page_failed")
		}
	}()
}

func (s *Service) DeleteCard(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteCard(id); err != nil {
			log.WithError(err).WithField("cardId", id).Warn("search.delete_card_failed")
		}
	}()
}

// VersionSaved keeps the page index current with the ledger.
func (s *Service) VersionSaved(_ context.Context, res ledger.SaveResult) error {
	s.IndexPage(PageRecordOf(res.Page))
	return nil
}

// Reindex rebuilds Meilisearch from the store. It reports how many pages and
// cards were pushed.
func (s *Service) Reindex(ctx context.Context, loader RecordLoader) (int, int, error) {
	if !s.indexing() {
		return 0, 0, nil
	}
	records, err := loader.LoadSearchRecords(ctx)
	if err != nil {
		return 0, 0, err
	}
	pages, cards := splitRecords(records)
	if err := s.meili.IndexPages(pages); err != nil {
		return 0, 0, err
	}
	if err := s.meili.IndexCards(cards); err != nil {
		return len(pages), 0, err
	}
	log.WithFields(log.Fields{"pages": len(pages), "cards": len(cards)}).Info("search.reindexed")
	return len(pages), len(cards), nil
}

// scoped drops hits outside the readable projects, in case the backend
// filter was not applied.
func scoped(results []Result, projectIDs []string) []Result {
	allowed := make(map[string]bool, len(projectIDs))
	for _, id := range projectIDs {
		allowed[id] = true
	}
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if allowed[r.ProjectID] {
			out = append(out, r)
		}
	}
	return out
}
