package store

import "time"

type Project struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	CreatedAt   time.Time
}

type Member struct {
	ProjectID string
	UserID    string
	Role      string
	CreatedAt time.Time
}

type Column struct {
	ID        string
	ProjectID string
	Title     string
	Order     int
	CreatedAt time.Time
}

type Card struct {
	ID          string
	ColumnID    string
	Title       string
	Description string
	Assignee    *string
	DueDate     *time.Time
	Labels      []string
	Order       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Page is the live state of a document. CurrentVersion is the number of the
// newest ledger entry, 0 while the page has never been saved.
type Page struct {
	ID             string
	ProjectID      string
	Title          string
	Content        string
	CreatedBy      string
	UpdatedBy      string
	CurrentVersion int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type PageVersion struct {
	ID        string
	PageID    string
	Version   int
	Title     string
	Content   string
	CreatedBy string
	CreatedAt time.Time
}

// VersionSummary is a ledger entry without its content.
type VersionSummary struct {
	ID        string
	PageID    string
	Version   int
	Title     string
	CreatedBy string
	CreatedAt time.Time
}

type Activity struct {
	ID        string
	ProjectID string
	UserID    string
	Type      string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

type ActivityFilter struct {
	ProjectIDs []string
	Limit      int
}

// SearchRecord is a page or card flattened for indexing.
type SearchRecord struct {
	Kind      string
	ID        string
	ProjectID string
	PageID    string
	Title     string
	Body      string
}
