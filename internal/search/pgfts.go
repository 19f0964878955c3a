package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches with PostgreSQL full-text search when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search runs a UNION ALL over pages and cards using plainto_tsquery and
// ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.ProjectIDs) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.ProjectIDs}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultPage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'page'::text AS type, pg.id, pg.title,
				ts_headline('english', regexp_replace(pg.content, '<[^>]*>', ' ', 'g'), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				pg.project_id, ''::text AS column_id,
				ts_rank(pg.fts, %[1]s) AS rank
			FROM pages pg
			WHERE pg.fts @@ %[1]s AND pg.project_id = ANY($2)`, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultCard {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'card'::text AS type, c.id, c.title,
				ts_headline('english', coalesce(c.description, ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				bc.project_id, c.column_id,
				ts_rank(c.fts, %[1]s) AS rank
			FROM cards c
			JOIN board_columns bc ON bc.id = c.column_id
			WHERE c.fts @@ %[1]s AND bc.project_id = ANY($2)`, tsQuery))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, column_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.ColumnID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
