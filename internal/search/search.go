package search

import (
	"context"
	"regexp"
	"strings"

	"tandem/api/internal/store"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPage ResultType = "page"
	ResultCard ResultType = "card"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
	ColumnID  string     `json:"columnId,omitempty"`
}

// Query describes a search request. ProjectIDs is the set of projects the
// caller may read; hits outside it are never returned.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	ProjectIDs []string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// PageRecord is the data we index for a page.
type PageRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Version   int    `json:"version"`
}

// CardRecord is the data we index for a card.
type CardRecord struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	ColumnID    string `json:"columnId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// PlainText strips markup from page content.
func PlainText(content string) string {
	return strings.Join(strings.Fields(tagPattern.ReplaceAllString(content, " ")), " ")
}

func PageRecordOf(p store.Page) PageRecord {
	return PageRecord{ID: p.ID, ProjectID: p.ProjectID, Title: p.Title, Body: PlainText(p.Content), Version: p.CurrentVersion}
}

func CardRecordOf(projectID string, c store.Card) CardRecord {
	return CardRecord{ID: c.ID, ProjectID: projectID, ColumnID: c.ColumnID, Title: c.Title, Description: c.Description}
}

func splitRecords(records []store.SearchRecord) ([]PageRecord, []CardRecord) {
	pages := make([]PageRecord, 0)
	cards := make([]CardRecord, 0)
	for _, r := range records {
		switch ResultType(r.Kind) {
		case ResultPage:
			pages = append(pages, PageRecord{ID: r.ID, ProjectID: r.ProjectID, Title: r.Title, Body: PlainText(r.Body)})
		case ResultCard:
			cards = append(cards, CardRecord{ID: r.ID, ProjectID: r.ProjectID, Title: r.Title, Description: r.Body})
		}
	}
	return pages, cards
}
