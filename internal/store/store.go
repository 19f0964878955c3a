package store

import (
	"context"
	"sort"
	"time"
)

// Reader is the read side shared by the Postgres and in-memory stores.
type Reader interface {
	Ping(ctx context.Context) error

	GetProject(ctx context.Context, id string) (Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]Project, error)
	ListOwnedProjectIDs(ctx context.Context, userID string) ([]string, error)
	GetMember(ctx context.Context, projectID, userID string) (Member, error)
	ListMembers(ctx context.Context, projectID string) ([]Member, error)

	GetColumn(ctx context.Context, id string) (Column, error)
	ListColumns(ctx context.Context, projectID string) ([]Column, error)
	GetCard(ctx context.Context, id string) (Card, error)
	ListProjectCards(ctx context.Context, projectID string) ([]Card, error)

	GetPage(ctx context.Context, id string) (Page, error)
	ListPages(ctx context.Context, projectID string) ([]Page, error)
	ListVersions(ctx context.Context, pageID string) ([]VersionSummary, error)
	ListVersionsFull(ctx context.Context, pageID string) ([]PageVersion, error)
	GetVersion(ctx context.Context, id string) (PageVersion, error)

	ListActivities(ctx context.Context, filter ActivityFilter) ([]Activity, error)
	LoadSearchRecords(ctx context.Context) ([]SearchRecord, error)
}

// Tx is a unit of work. Lock methods hold row locks until the surrounding
// WithinTx returns.
type Tx interface {
	InsertProject(ctx context.Context, p Project) error
	UpsertMember(ctx context.Context, m Member) error
	DeleteMember(ctx context.Context, projectID, userID string) error
	DeleteProject(ctx context.Context, id string) error

	LockColumns(ctx context.Context, ids ...string) ([]Column, error)
	MaxColumnOrder(ctx context.Context, projectID string) (int, error)
	InsertColumn(ctx context.Context, c Column) error
	RenameColumn(ctx context.Context, id, title string) error
	DeleteColumn(ctx context.Context, id string) error

	LockCard(ctx context.Context, id string) (Card, error)
	ListColumnCards(ctx context.Context, columnID string) ([]Card, error)
	MaxCardOrder(ctx context.Context, columnID string) (int, error)
	InsertCard(ctx context.Context, c Card) error
	UpdateCard(ctx context.Context, c Card) error
	SetCardPlacement(ctx context.Context, cardID, columnID string, order int) error
	DeleteCard(ctx context.Context, id string) error

	InsertPage(ctx context.Context, p Page) error
	LockPage(ctx context.Context, id string) (Page, error)
	MaxPageVersion(ctx context.Context, pageID string) (int, error)
	InsertPageVersion(ctx context.Context, v PageVersion) error
	UpdatePageContent(ctx context.Context, id, title, content, updatedBy string, version int, at time.Time) error
	DeletePage(ctx context.Context, id string) error

	InsertActivity(ctx context.Context, a Activity) error
}

type TxRunner interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
}

type Store interface {
	Reader
	TxRunner
	InsertActivity(ctx context.Context, a Activity) error
}

// SortCards orders cards by order key, then creation time, then id.
func SortCards(cards []Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		a, b := cards[i], cards[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func SortColumns(columns []Column) {
	sort.SliceStable(columns, func(i, j int) bool {
		a, b := columns[i], columns[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
