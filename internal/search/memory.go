package search

import (
	"context"
	"sort"
	"strings"

	"tandem/api/internal/store"
)

// MemorySearcher scans store records directly. It serves the in-memory
// store, which has no full-text index.
type MemorySearcher struct {
	loader RecordLoader
}

func NewMemorySearcher(loader RecordLoader) *MemorySearcher {
	return &MemorySearcher{loader: loader}
}

// Search matches records containing every query word, ranking title hits
// above body hits.
func (m *MemorySearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	records, err := m.loader.LoadSearchRecords(ctx)
	if err != nil {
		return nil, 0, err
	}
	allowed := make(map[string]bool, len(q.ProjectIDs))
	for _, id := range q.ProjectIDs {
		allowed[id] = true
	}

	type scored struct {
		result Result
		score  int
	}
	var hits []scored
	for _, r := range records {
		if !allowed[r.ProjectID] || (q.FilterType != "" && ResultType(r.Kind) != q.FilterType) {
			continue
		}
		body := r.Body
		if ResultType(r.Kind) == ResultPage {
			body = PlainText(body)
		}
		if score, ok := match(terms, r, body); ok {
			hits = append(hits, scored{result: resultOf(r, body), score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].result.ID < hits[j].result.ID
	})

	total := len(hits)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	start := min(max(q.Offset, 0), total)
	end := min(start+limit, total)
	out := make([]Result, 0, end-start)
	for _, h := range hits[start:end] {
		out = append(out, h.result)
	}
	return out, total, nil
}

func match(terms []string, r store.SearchRecord, body string) (int, bool) {
	title := strings.ToLower(r.Title)
	text := strings.ToLower(body)
	score := 0
	for _, term := range terms {
		switch {
		case strings.Contains(title, term):
			score += 2
		case strings.Contains(text, term):
			score++
		default:
			return 0, false
		}
	}
	return score, true
}

func resultOf(r store.SearchRecord, body string) Result {
	snippet := strings.Fields(body)
	if len(snippet) > 30 {
		snippet = snippet[:30]
	}
	return Result{
		Type:      ResultType(r.Kind),
		ID:        r.ID,
		Title:     r.Title,
		Snippet:   strings.Join(snippet, " "),
		ProjectID: r.ProjectID,
	}
}
