package app

import (
	"time"

	"tandem/api/internal/ledger"
	"tandem/api/internal/store"
)

type projectView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
}

type memberView struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type columnView struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Title     string     `json:"title"`
	Order     int        `json:"order"`
	Cards     []cardView `json:"cards,omitempty"`
}

type cardView struct {
	ID          string     `json:"id"`
	ColumnID    string     `json:"columnId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Assignee    *string    `json:"assignee"`
	DueDate     *time.Time `json:"dueDate"`
	Labels      []string   `json:"labels"`
	Order       int        `json:"order"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type boardView struct {
	Project projectView  `json:"project"`
	Columns []columnView `json:"columns"`
}

type pageView struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"projectId"`
	Title          string    `json:"title"`
	Content        string    `json:"content,omitempty"`
	CreatedBy      string    `json:"createdBy"`
	UpdatedBy      string    `json:"updatedBy"`
	CurrentVersion int       `json:"currentVersion"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type versionView struct {
	ID        string    `json:"id"`
	PageID    string    `json:"pageId"`
	Version   int       `json:"version"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type saveView struct {
	Page         pageView    `json:"page"`
	Version      versionView `json:"version"`
	RestoredFrom int         `json:"restoredFrom,omitempty"`
}

type activityView struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
}

func toProject(p store.Project) projectView {
	return projectView{ID: p.ID, Name: p.Name, Description: p.Description, OwnerID: p.OwnerID, CreatedAt: p.CreatedAt}
}

func toMember(m store.Member) memberView {
	return memberView{UserID: m.UserID, Role: m.Role, CreatedAt: m.CreatedAt}
}

func toColumn(c store.Column) columnView {
	return columnView{ID: c.ID, ProjectID: c.ProjectID, Title: c.Title, Order: c.Order}
}

func toCard(c store.Card) cardView {
	labels := c.Labels
	if labels == nil {
		labels = []string{}
	}
	return cardView{
		ID:          c.ID,
		ColumnID:    c.ColumnID,
		Title:       c.Title,
		Description: c.Description,
		Assignee:    c.Assignee,
		DueDate:     c.DueDate,
		Labels:      labels,
		Order:       c.Order,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func toCards(cards []store.Card) []cardView {
	return mapSlice(cards, toCard)
}

func toBoard(b store.Board) boardView {
	out := boardView{Project: toProject(b.Project), Columns: make([]columnView, len(b.Lanes))}
	for i, lane := range b.Lanes {
		col := toColumn(lane.Column)
		col.Cards = toCards(lane.Cards)
		out.Columns[i] = col
	}
	return out
}

func toPage(p store.Page) pageView {
	return pageView{
		ID:             p.ID,
		ProjectID:      p.ProjectID,
		Title:          p.Title,
		Content:        p.Content,
		CreatedBy:      p.CreatedBy,
		UpdatedBy:      p.UpdatedBy,
		CurrentVersion: p.CurrentVersion,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func toVersion(v store.PageVersion) versionView {
	return versionView{ID: v.ID, PageID: v.PageID, Version: v.Version, Title: v.Title, Content: v.Content, CreatedBy: v.CreatedBy, CreatedAt: v.CreatedAt}
}

func toSummary(v store.VersionSummary) versionView {
	return versionView{ID: v.ID, PageID: v.PageID, Version: v.Version, Title: v.Title, CreatedBy: v.CreatedBy, CreatedAt: v.CreatedAt}
}

func toSave(res ledger.SaveResult) saveView {
	return saveView{Page: toPage(res.Page), Version: toVersion(res.Version), RestoredFrom: res.RestoredFrom}
}

func toActivity(a store.Activity) activityView {
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return activityView{ID: a.ID, ProjectID: a.ProjectID, UserID: a.UserID, Type: a.Type, Content: a.Content, Metadata: meta, CreatedAt: a.CreatedAt}
}

// mapSlice converts every element with fn.
func mapSlice[T, V any](in []T, fn func(T) V) []V {
	out := make([]V, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}
