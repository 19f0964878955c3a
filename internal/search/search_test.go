package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/api/internal/ledger"
	"tandem/api/internal/store"
)

type fakeSearcher struct {
	searchFn func(ctx context.Context, q Query) ([]Result, int, error)
}

func (f fakeSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(ctx, q)
}

func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		for _, p := range []string{"p1", "p2"} {
			if err := tx.InsertProject(ctx, store.Project{ID: p, OwnerID: "u1", CreatedAt: now}); err != nil {
				return err
			}
			if err := tx.InsertColumn(ctx, store.Column{ID: "col_" + p, ProjectID: p, Title: "To do", CreatedAt: now}); err != nil {
				return err
			}
		}
		pages := []store.Page{
			{ID: "pg_roadmap", ProjectID: "p1", Title: "Roadmap", Content: "<p>Launch the <b>billing</b> rewrite</p>", CreatedAt: now},
			{ID: "pg_notes", ProjectID: "p1", Title: "Billing notes", Content: "<p>invoices</p>", CreatedAt: now},
			{ID: "pg_secret", ProjectID: "p2", Title: "Billing secrets", Content: "", CreatedAt: now},
		}
		for _, p := range pages {
			if err := tx.InsertPage(ctx, p); err != nil {
				return err
			}
		}
		return tx.InsertCard(ctx, store.Card{ID: "card_1", ColumnID: "col_p1", Title: "Fix billing export", Description: "CSV is broken", CreatedAt: now})
	}))
	return s
}

func TestMemorySearcherMatchesScopedRecords(t *testing.T) {
	svc := NewService(nil, NewMemorySearcher(seeded(t)))

	resp := svc.Search(context.Background(), Query{Text: "billing", ProjectIDs: []string{"p1"}})
	require.Len(t, resp.Results, 3)
	assert.Equal(t, 3, resp.Total)
	ids := []string{resp.Results[0].ID, resp.Results[1].ID, resp.Results[2].ID}
	assert.ElementsMatch(t, []string{"pg_roadmap", "pg_notes", "card_1"}, ids)
	assert.Equal(t, "pg_roadmap", resp.Results[2].ID, "body matches rank below title matches")
	assert.Equal(t, "Launch the billing rewrite", resp.Results[2].Snippet)

	cards := svc.Search(context.Background(), Query{Text: "billing csv", FilterType: ResultCard, ProjectIDs: []string{"p1", "p2"}})
	require.Len(t, cards.Results, 1)
	assert.Equal(t, ResultCard, cards.Results[0].Type)

	paged := svc.Search(context.Background(), Query{Text: "billing", ProjectIDs: []string{"p1"}, Limit: 1, Offset: 2})
	assert.Len(t, paged.Results, 1)
	assert.Equal(t, 3, paged.Total)
}

func TestSearchWithoutReadableProjectsIsEmpty(t *testing.T) {
	called := false
	svc := NewService(nil, fakeSearcher{searchFn: func(context.Context, Query) ([]Result, int, error) {
		called = true
		return nil, 0, nil
	}})
	resp := svc.Search(context.Background(), Query{Text: "billing"})
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
	assert.False(t, called)
}

func TestSearchDropsHitsOutsideScope(t *testing.T) {
	svc := NewService(nil, fakeSearcher{searchFn: func(context.Context, Query) ([]Result, int, error) {
		return []Result{{ID: "a", ProjectID: "p1"}, {ID: "b", ProjectID: "p9"}}, 2, nil
	}})
	resp := svc.Search(context.Background(), Query{Text: "x", ProjectIDs: []string{"p1"}})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].ID)
}

func TestSearchFallbackErrorYieldsEmptyResponse(t *testing.T) {
	svc := NewService(nil, fakeSearcher{searchFn: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, errors.New("db down")
	}})
	resp := svc.Search(context.Background(), Query{Text: "x", ProjectIDs: []string{"p1"}})
	assert.Empty(t, resp.Results)
	assert.Equal(t, "x", resp.Query)
}

func TestIndexingWithoutMeiliIsNoop(t *testing.T) {
	svc := NewService(nil, nil)
	svc.IndexPage(PageRecord{ID: "pg"})
	svc.IndexCard(CardRecord{ID: "c"})
	svc.DeletePage("pg")
	svc.DeleteCard("c")
	require.NoError(t, svc.VersionSaved(context.Background(), ledger.SaveResult{Page: store.Page{ID: "pg"}}))

	pages, cards, err := svc.Reindex(context.Background(), seeded(t))
	require.NoError(t, err)
	assert.Zero(t, pages)
	assert.Zero(t, cards)
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "Hello world !", PlainText("<h1>Hello</h1>\n<p>world <em>!</em></p>"))
	rec := PageRecordOf(store.Page{ID: "pg", ProjectID: "p1", Title: "T", Content: "<p>a</p>", CurrentVersion: 3})
	assert.Equal(t, PageRecord{ID: "pg", ProjectID: "p1", Title: "T", Body: "a", Version: 3}, rec)
}

func TestProjectFilter(t *testing.T) {
	assert.Equal(t, `projectId IN ["p1", "p\"2"]`, projectFilter([]string{"p1", `p"2`}))
}

func TestHitToResultPrefersHighlights(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	hit := meili.Hit{
		"id":          raw("card_1"),
		"projectId":   raw("p1"),
		"columnId":    raw("col"),
		"title":       raw("Fix billing"),
		"description": raw("CSV"),
		"_formatted":  raw(map[string]string{"title": "Fix <mark>billing</mark>"}),
	}
	r := hitToResult(hit, ResultCard)
	assert.Equal(t, Result{Type: ResultCard, ID: "card_1", ProjectID: "p1", ColumnID: "col", Title: "Fix <mark>billing</mark>", Snippet: "CSV"}, r)
	assert.Equal(t, ResultPage, indexToResultType(idxPages))
}
