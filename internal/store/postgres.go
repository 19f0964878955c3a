package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgconn"

	"tandem/api/internal/apperr"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Unavailable("database unreachable", err)
	}
	return nil
}

// WithinTx runs fn in a read-committed transaction. Row locks taken through
// the Lock* methods serialize writers touching the same column or page.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("begin tx: %w", err), "", "")
	}
	defer tx.Rollback()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("commit tx: %w", err), "", "")
	}
	return nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, a Activity) error {
	return insertActivity(ctx, s.db, a)
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, created_at FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.CreatedAt)
	if err != nil {
		return Project{}, mapErr(fmt.Errorf("get project: %w", err), "project", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description, p.owner_id, p.created_at
		FROM projects p
		WHERE p.owner_id = $1
		   OR EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = $1)
		ORDER BY p.created_at DESC, p.id
	`, userID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list projects: %w", err), "", "")
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) ListOwnedProjectIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM projects WHERE owner_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list owned projects: %w", err), "", "")
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetMember(ctx context.Context, projectID, userID string) (Member, error) {
	var m Member
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, user_id, role, created_at FROM project_members
		WHERE project_id = $1 AND user_id = $2
	`, projectID, userID).Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		return Member{}, mapErr(fmt.Errorf("get member: %w", err), "member", userID)
	}
	return m, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, role, created_at FROM project_members
		WHERE project_id = $1 ORDER BY created_at, user_id
	`, projectID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list members: %w", err), "", "")
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) GetColumn(ctx context.Context, id string) (Column, error) {
	var c Column
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, sort_order, created_at FROM board_columns WHERE id = $1
	`, id).Scan(&c.ID, &c.ProjectID, &c.Title, &c.Order, &c.CreatedAt)
	if err != nil {
		return Column{}, mapErr(fmt.Errorf("get column: %w", err), "column", id)
	}
	return c, nil
}

func (s *PostgresStore) ListColumns(ctx context.Context, projectID string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, sort_order, created_at FROM board_columns
		WHERE project_id = $1 ORDER BY sort_order, created_at, id
	`, projectID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list columns: %w", err), "", "")
	}
	defer rows.Close()

	columns := make([]Column, 0)
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Order, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

func (s *PostgresStore) GetCard(ctx context.Context, id string) (Card, error) {
	card, err := scanCard(s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id))
	if err != nil {
		return Card{}, mapErr(fmt.Errorf("get card: %w", err), "card", id)
	}
	return card, nil
}

// ListProjectCards reads every card of a project in a single statement so a
// concurrent cross-column move is observed either fully or not at all.
func (s *PostgresStore) ListProjectCards(ctx context.Context, projectID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("c.", cardColumns)+`
		FROM cards c
		JOIN board_columns bc ON bc.id = c.column_id
		WHERE bc.project_id = $1
		ORDER BY c.column_id, c.sort_order, c.created_at, c.id
	`, projectID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list project cards: %w", err), "", "")
	}
	return collectCards(rows)
}

func (s *PostgresStore) GetPage(ctx context.Context, id string) (Page, error) {
	return getPage(ctx, s.db, id, false)
}

func (s *PostgresStore) ListPages(ctx context.Context, projectID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pageColumns+` FROM pages WHERE project_id = $1 ORDER BY updated_at DESC, id
	`, projectID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list pages: %w", err), "", "")
	}
	defer rows.Close()

	pages := make([]Page, 0)
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (s *PostgresStore) ListVersions(ctx context.Context, pageID string) ([]VersionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, version, title, created_by, created_at
		FROM page_versions WHERE page_id = $1 ORDER BY version DESC
	`, pageID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list versions: %w", err), "", "")
	}
	defer rows.Close()

	versions := make([]VersionSummary, 0)
	for rows.Next() {
		var v VersionSummary
		if err := rows.Scan(&v.ID, &v.PageID, &v.Version, &v.Title, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) ListVersionsFull(ctx context.Context, pageID string) ([]PageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, version, title, content, created_by, created_at
		FROM page_versions WHERE page_id = $1 ORDER BY version
	`, pageID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list full versions: %w", err), "", "")
	}
	defer rows.Close()

	versions := make([]PageVersion, 0)
	for rows.Next() {
		var v PageVersion
		if err := rows.Scan(&v.ID, &v.PageID, &v.Version, &v.Title, &v.Content, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (PageVersion, error) {
	var v PageVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, page_id, version, title, content, created_by, created_at
		FROM page_versions WHERE id = $1
	`, id).Scan(&v.ID, &v.PageID, &v.Version, &v.Title, &v.Content, &v.CreatedBy, &v.CreatedAt)
	if err != nil {
		return PageVersion{}, mapErr(fmt.Errorf("get version: %w", err), "version", id)
	}
	return v, nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]Activity, error) {
	if len(filter.ProjectIDs) == 0 {
		return []Activity{}, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, type, content, metadata, created_at
		FROM activities
		WHERE project_id = ANY($1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, filter.ProjectIDs, limit)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list activities: %w", err), "", "")
	}
	defer rows.Close()

	activities := make([]Activity, 0)
	for rows.Next() {
		var a Activity
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.Type, &a.Content, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(metadata) > 0 {
			if err := sonic.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity metadata: %w", err)
			}
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

func (s *PostgresStore) LoadSearchRecords(ctx context.Context) ([]SearchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'page', id, project_id, id, title, content FROM pages
		UNION ALL
		SELECT 'card', c.id, bc.project_id, '', c.title, c.description
		FROM cards c JOIN board_columns bc ON bc.id = c.column_id
	`)
	if err != nil {
		return nil, mapErr(fmt.Errorf("load search records: %w", err), "", "")
	}
	defer rows.Close()

	records := make([]SearchRecord, 0)
	for rows.Next() {
		var r SearchRecord
		if err := rows.Scan(&r.Kind, &r.ID, &r.ProjectID, &r.PageID, &r.Title, &r.Body); err != nil {
			return nil, fmt.Errorf("scan search record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

type pgTx struct {
	q queryer
}

func (t *pgTx) InsertProject(ctx context.Context, p Project) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, owner_id, created_at) VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.Name, p.Description, p.OwnerID, p.CreatedAt)
	return mapErr(wrap("insert project", err), "project", p.ID)
}

func (t *pgTx) UpsertMember(ctx context.Context, m Member) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, m.ProjectID, m.UserID, m.Role, m.CreatedAt)
	return mapErr(wrap("upsert member", err), "project", m.ProjectID)
}

func (t *pgTx) DeleteMember(ctx context.Context, projectID, userID string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = $1 AND user_id = $2`, projectID, userID)
	return requireAffected(res, err, "delete member", "member", userID)
}

// DeleteProject removes the project graph innermost first.
func (t *pgTx) DeleteProject(ctx context.Context, id string) error {
	steps := []struct {
		name  string
		query string
	}{
		{"cards", `DELETE FROM cards WHERE column_id IN (SELECT id FROM board_columns WHERE project_id = $1)`},
		{"columns", `DELETE FROM board_columns WHERE project_id = $1`},
		{"versions", `DELETE FROM page_versions WHERE page_id IN (SELECT id FROM pages WHERE project_id = $1)`},
		{"pages", `DELETE FROM pages WHERE project_id = $1`},
		{"activities", `DELETE FROM activities WHERE project_id = $1`},
		{"members", `DELETE FROM project_members WHERE project_id = $1`},
	}
	for _, step := range steps {
		if _, err := t.q.ExecContext(ctx, step.query, id); err != nil {
			return mapErr(fmt.Errorf("delete project %s: %w", step.name, err), "project", id)
		}
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	return requireAffected(res, err, "delete project", "project", id)
}

// LockColumns locks the given columns in id order so two moves touching the
// same pair of columns cannot deadlock.
func (t *pgTx) LockColumns(ctx context.Context, ids ...string) ([]Column, error) {
	unique := uniqueSorted(ids)
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, project_id, title, sort_order, created_at FROM board_columns
		WHERE id = ANY($1) ORDER BY id FOR UPDATE
	`, unique)
	if err != nil {
		return nil, mapErr(fmt.Errorf("lock columns: %w", err), "", "")
	}
	defer rows.Close()

	columns := make([]Column, 0, len(unique))
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Order, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if missing := missingID(unique, columns); missing != "" {
		return nil, apperr.NotFound("column", missing)
	}
	return columns, nil
}

func (t *pgTx) MaxColumnOrder(ctx context.Context, projectID string) (int, error) {
	var max int
	err := t.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), -1) FROM board_columns WHERE project_id = $1`, projectID).Scan(&max)
	return max, mapErr(wrap("max column order", err), "", "")
}

func (t *pgTx) InsertColumn(ctx context.Context, c Column) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO board_columns (id, project_id, title, sort_order, created_at) VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.ProjectID, c.Title, c.Order, c.CreatedAt)
	return mapErr(wrap("insert column", err), "project", c.ProjectID)
}

func (t *pgTx) RenameColumn(ctx context.Context, id, title string) error {
	res, err := t.q.ExecContext(ctx, `UPDATE board_columns SET title = $2 WHERE id = $1`, id, title)
	return requireAffected(res, err, "rename column", "column", id)
}

// DeleteColumn expects the column row to be locked already so its cards are
// never locked ahead of it.
func (t *pgTx) DeleteColumn(ctx context.Context, id string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM cards WHERE column_id = $1`, id); err != nil {
		return mapErr(fmt.Errorf("delete column cards: %w", err), "column", id)
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM board_columns WHERE id = $1`, id)
	return requireAffected(res, err, "delete column", "column", id)
}

func (t *pgTx) LockCard(ctx context.Context, id string) (Card, error) {
	card, err := scanCard(t.q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Card{}, mapErr(fmt.Errorf("lock card: %w", err), "card", id)
	}
	return card, nil
}

func (t *pgTx) ListColumnCards(ctx context.Context, columnID string) ([]Card, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+cardColumns+` FROM cards WHERE column_id = $1 ORDER BY sort_order, created_at, id
	`, columnID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("list column cards: %w", err), "", "")
	}
	return collectCards(rows)
}

func (t *pgTx) MaxCardOrder(ctx context.Context, columnID string) (int, error) {
	var max int
	err := t.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), -1) FROM cards WHERE column_id = $1`, columnID).Scan(&max)
	return max, mapErr(wrap("max card order", err), "", "")
}

func (t *pgTx) InsertCard(ctx context.Context, c Card) error {
	labels, err := encodeLabels(c.Labels)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO cards (id, column_id, title, description, assignee, due_date, labels, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.ColumnID, c.Title, c.Description, nullString(c.Assignee), nullTime(c.DueDate), labels, c.Order, c.CreatedAt, c.UpdatedAt)
	return mapErr(wrap("insert card", err), "column", c.ColumnID)
}

func (t *pgTx) UpdateCard(ctx context.Context, c Card) error {
	labels, err := encodeLabels(c.Labels)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE cards SET title = $2, description = $3, assignee = $4, due_date = $5, labels = $6, updated_at = $7
		WHERE id = $1
	`, c.ID, c.Title, c.Description, nullString(c.Assignee), nullTime(c.DueDate), labels, c.UpdatedAt)
	return requireAffected(res, err, "update card", "card", c.ID)
}

func (t *pgTx) SetCardPlacement(ctx context.Context, cardID, columnID string, order int) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE cards SET column_id = $2, sort_order = $3 WHERE id = $1
	`, cardID, columnID, order)
	return requireAffected(res, err, "set card placement", "card", cardID)
}

func (t *pgTx) DeleteCard(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM cards WHERE id = $1`, id)
	return requireAffected(res, err, "delete card", "card", id)
}

func (t *pgTx) InsertPage(ctx context.Context, p Page) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO pages (id, project_id, title, content, created_by, updated_by, current_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.ProjectID, p.Title, p.Content, p.CreatedBy, p.UpdatedBy, p.CurrentVersion, p.CreatedAt, p.UpdatedAt)
	return mapErr(wrap("insert page", err), "project", p.ProjectID)
}

func (t *pgTx) LockPage(ctx context.Context, id string) (Page, error) {
	return getPage(ctx, t.q, id, true)
}

func (t *pgTx) MaxPageVersion(ctx context.Context, pageID string) (int, error) {
	var max int
	err := t.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM page_versions WHERE page_id = $1`, pageID).Scan(&max)
	return max, mapErr(wrap("max page version", err), "", "")
}

func (t *pgTx) InsertPageVersion(ctx context.Context, v PageVersion) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO page_versions (id, page_id, version, title, content, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, v.ID, v.PageID, v.Version, v.Title, v.Content, v.CreatedBy, v.CreatedAt)
	return mapErr(wrap("insert page version", err), "page", v.PageID)
}

func (t *pgTx) UpdatePageContent(ctx context.Context, id, title, content, updatedBy string, version int, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE pages SET title = $2, content = $3, updated_by = $4, current_version = $5, updated_at = $6
		WHERE id = $1
	`, id, title, content, updatedBy, version, at)
	return requireAffected(res, err, "update page", "page", id)
}

func (t *pgTx) DeletePage(ctx context.Context, id string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM page_versions WHERE page_id = $1`, id); err != nil {
		return mapErr(fmt.Errorf("delete page versions: %w", err), "page", id)
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM pages WHERE id = $1`, id)
	return requireAffected(res, err, "delete page", "page", id)
}

func (t *pgTx) InsertActivity(ctx context.Context, a Activity) error {
	return insertActivity(ctx, t.q, a)
}

func insertActivity(ctx context.Context, q queryer, a Activity) error {
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := sonic.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode activity metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO activities (id, project_id, user_id, type, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.ProjectID, a.UserID, a.Type, a.Content, payload, a.CreatedAt)
	return mapErr(wrap("insert activity", err), "project", a.ProjectID)
}

const cardColumns = `id, column_id, title, description, assignee, due_date, labels, sort_order, created_at, updated_at`

const pageColumns = `id, project_id, title, content, created_by, updated_by, current_version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (Card, error) {
	var c Card
	var assignee sql.NullString
	var due sql.NullTime
	var labels []byte
	if err := row.Scan(&c.ID, &c.ColumnID, &c.Title, &c.Description, &assignee, &due, &labels, &c.Order, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Card{}, err
	}
	if assignee.Valid {
		c.Assignee = &assignee.String
	}
	if due.Valid {
		c.DueDate = &due.Time
	}
	c.Labels = []string{}
	if len(labels) > 0 {
		if err := sonic.Unmarshal(labels, &c.Labels); err != nil {
			return Card{}, fmt.Errorf("decode labels: %w", err)
		}
	}
	return c, nil
}

func collectCards(rows *sql.Rows) ([]Card, error) {
	defer rows.Close()
	cards := make([]Card, 0)
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func scanPage(row rowScanner) (Page, error) {
	var p Page
	err := row.Scan(&p.ID, &p.ProjectID, &p.Title, &p.Content, &p.CreatedBy, &p.UpdatedBy, &p.CurrentVersion, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func getPage(ctx context.Context, q queryer, id string, forUpdate bool) (Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPage(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return Page{}, mapErr(fmt.Errorf("get page: %w", err), "page", id)
	}
	return p, nil
}

func encodeLabels(labels []string) ([]byte, error) {
	if labels == nil {
		labels = []string{}
	}
	payload, err := sonic.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	return payload, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func requireAffected(res sql.Result, err error, op, entity, id string) error {
	if err != nil {
		return mapErr(fmt.Errorf("%s: %w", op, err), entity, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}

// mapErr translates driver errors into the apperr taxonomy.
func mapErr(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		e := apperr.NotFound(entity, id)
		e.Err = err
		return e
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			e := apperr.Conflict("DUPLICATE", "conflicting write")
			e.Err = err
			return e
		case "23503":
			e := apperr.NotFound(entity, id)
			e.Err = err
			return e
		case "40P01", "40001":
			e := apperr.Conflict("RETRY", "concurrent update, try again")
			e.Err = err
			return e
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) {
		return apperr.Unavailable("database unreachable", err)
	}
	return err
}
