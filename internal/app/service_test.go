package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/api/internal/activity"
	"tandem/api/internal/apperr"
	"tandem/api/internal/archive"
	"tandem/api/internal/auth"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/presence"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/workspace"
)

var (
	testSecret = []byte("test-secret")
	alice      = Session{UserID: "alice", Name: "Alice"}
	bob        = Session{UserID: "bob", Name: "Bob"}
)

type recordingArchiver struct {
	mu    sync.Mutex
	snaps []archive.Snapshot
	err   error
}

func (r *recordingArchiver) Archive(_ context.Context, snap archive.Snapshot) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.snaps = append(r.snaps, snap)
	return snap.Key(), nil
}

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	mirror  *gitrepo.Mirror
	archive *recordingArchiver
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	f := fixture{store: st, mirror: gitrepo.New(t.TempDir()), archive: &recordingArchiver{}}
	f.svc = New(Deps{
		Store:    st,
		Verifier: auth.NewVerifier(testSecret, nil),
		Mirror:   f.mirror,
		Archive:  f.archive,
		Policy:   activity.DefaultPolicy(),
	})
	return f
}

func (f fixture) project(t *testing.T) store.Board {
	t.Helper()
	board, err := f.svc.CreateProject(context.Background(), alice, "Launch", "")
	require.NoError(t, err)
	return board
}

func activityTypes(items []store.Activity) []string {
	out := make([]string, len(items))
	for i, a := range items {
		out[i] = a.Type
	}
	return out
}

func TestCreateProjectSeedsColumnsAndResolvesRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)

	require.Len(t, board.Lanes, 3)
	for i, title := range []string{"To do", "In progress", "Done"} {
		assert.Equal(t, title, board.Lanes[i].Column.Title)
		assert.Equal(t, i, board.Lanes[i].Column.Order)
	}
	projectID := board.Project.ID

	caps, err := f.svc.Caps(ctx, alice, projectID)
	require.NoError(t, err)
	assert.True(t, caps.Has(rbac.ActionProjectAdmin))

	_, err = f.svc.Caps(ctx, bob, projectID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = f.svc.Caps(ctx, Session{}, projectID)
	assert.True(t, errors.Is(err, apperr.ErrUnauthenticated))

	_, err = f.svc.AddMember(ctx, alice, projectID, "bob", "viewer")
	require.NoError(t, err)
	caps, err = f.svc.Caps(ctx, bob, projectID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleViewer, caps.Role)

	_, err = f.svc.CreateCard(ctx, bob, CardInput{ColumnID: board.Lanes[0].Column.ID, Title: "nope"})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = f.svc.AddMember(ctx, alice, projectID, "carol", "admin")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	assert.True(t, errors.Is(f.svc.RemoveMember(ctx, alice, projectID, "alice"), apperr.ErrInvalidArgument))

	projects, err := f.svc.ListProjects(ctx, bob)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, projectID, projects[0].ID)
}

func TestBoardLifecycleRecordsActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)
	todo, doing := board.Lanes[0].Column, board.Lanes[1].Column

	var ids []string
	for _, title := range []string{"A", "B", "C"} {
		c, err := f.svc.CreateCard(ctx, alice, CardInput{ColumnID: todo.ID, Title: title})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	res, err := f.svc.MoveCard(ctx, alice, ids[2], doing.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, todo.ID, res.FromColumn.ID)

	assignee := "bob"
	newTitle := "A2"
	_, err = f.svc.UpdateCard(ctx, alice, ids[0], CardPatch{Assignee: &assignee, Title: &newTitle})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteCard(ctx, alice, ids[0]))
	current, err := f.svc.Board(ctx, alice, board.Project.ID)
	require.NoError(t, err)
	require.Len(t, current.Lanes[0].Cards, 1)
	assert.Equal(t, "B", current.Lanes[0].Cards[0].Title)
	assert.Equal(t, 0, current.Lanes[0].Cards[0].Order)
	assert.Equal(t, "C", current.Lanes[1].Cards[0].Title)

	items, err := f.svc.ListActivities(ctx, alice, board.Project.ID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"card_create", "card_create", "card_create", "card_move", "card_edit", "card_assign"},
		activityTypes(items))

	owned, err := f.svc.ListActivities(ctx, alice, "", 2)
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

// lockRecordingStore records row locks taken inside transactions.
type lockRecordingStore struct {
	store.Store
	locks    []string
	beforeTx func()
}

func (s *lockRecordingStore) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	if hook := s.beforeTx; hook != nil {
		s.beforeTx = nil
		hook()
	}
	return s.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(lockRecordingTx{Tx: tx, s: s})
	})
}

type lockRecordingTx struct {
	store.Tx
	s *lockRecordingStore
}

func (t lockRecordingTx) LockColumns(ctx context.Context, ids ...string) ([]store.Column, error) {
	for _, id := range ids {
		t.s.locks = append(t.s.locks, "column:"+id)
	}
	return t.Tx.LockColumns(ctx, ids...)
}

func (t lockRecordingTx) LockCard(ctx context.Context, id string) (store.Card, error) {
	t.s.locks = append(t.s.locks, "card:"+id)
	return t.Tx.LockCard(ctx, id)
}

func TestDeletesLockColumnsBeforeCards(t *testing.T) {
	ctx := context.Background()
	rec := &lockRecordingStore{Store: store.NewMemoryStore()}
	svc := New(Deps{Store: rec, Verifier: auth.NewVerifier(testSecret, nil), Policy: activity.DefaultPolicy()})
	board, err := svc.CreateProject(ctx, alice, "Launch", "")
	require.NoError(t, err)
	todo, doing := board.Lanes[0].Column.ID, board.Lanes[1].Column.ID
	card, err := svc.CreateCard(ctx, alice, CardInput{ColumnID: todo, Title: "Ship"})
	require.NoError(t, err)

	rec.locks = nil
	require.NoError(t, svc.DeleteCard(ctx, alice, card.ID))
	assert.Equal(t, []string{"column:" + todo, "card:" + card.ID}, rec.locks)

	rec.locks = nil
	require.NoError(t, svc.DeleteColumn(ctx, alice, doing))
	assert.Equal(t, []string{"column:" + doing}, rec.locks)

	moved, err := svc.CreateCard(ctx, alice, CardInput{ColumnID: todo, Title: "Wander"})
	require.NoError(t, err)
	done := board.Lanes[2].Column.ID
	rec.beforeTx = func() {
		_, err := svc.MoveCard(ctx, alice, moved.ID, done, 0)
		require.NoError(t, err)
	}
	err = svc.DeleteCard(ctx, alice, moved.ID)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)
	got, err := rec.GetCard(ctx, moved.ID)
	require.NoError(t, err)
	assert.Equal(t, done, got.ColumnID)
}

func TestMoveUnknownColumnIsNotFound(t *testing.T) {
	f := newFixture(t)
	board := f.project(t)
	card, err := f.svc.CreateCard(context.Background(), alice, CardInput{ColumnID: board.Lanes[0].Column.ID, Title: "A"})
	require.NoError(t, err)

	_, err = f.svc.MoveCard(context.Background(), alice, card.ID, "col_missing", 0)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestPageSaveRestoreMentionsAndMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)
	page, err := f.svc.CreatePage(ctx, alice, board.Project.ID, "Plan", "")
	require.NoError(t, err)
	assert.Equal(t, 0, page.CurrentVersion)

	mention := `<p>ping <span data-type="mention" data-id="bob">@Bob</span></p>`
	first, err := f.svc.SavePage(ctx, alice, page.ID, SavePageInput{Title: "Plan", Content: mention, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version.Version)
	second, err := f.svc.SavePage(ctx, alice, page.ID, SavePageInput{Title: "Plan v2", Content: mention + "<p>more</p>", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version.Version)

	restored, err := f.svc.RestorePage(ctx, alice, page.ID, first.Version.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version.Version)
	assert.Equal(t, 1, restored.RestoredFrom)
	assert.Equal(t, "Plan", restored.Page.Title)
	assert.Equal(t, mention, restored.Page.Content)

	versions, err := f.svc.ListVersions(ctx, alice, page.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Version)

	items, err := f.svc.ListActivities(ctx, alice, board.Project.ID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mention", "page_restore"}, activityTypes(items))

	history, err := f.mirror.History(ctx, page.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestGetVersionOfAnotherPageIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)
	p1, err := f.svc.CreatePage(ctx, alice, board.Project.ID, "One", "")
	require.NoError(t, err)
	p2, err := f.svc.CreatePage(ctx, alice, board.Project.ID, "Two", "")
	require.NoError(t, err)
	saved, err := f.svc.SavePage(ctx, alice, p2.ID, SavePageInput{Title: "Two", Content: "x"})
	require.NoError(t, err)

	_, err = f.svc.GetVersion(ctx, alice, p1.ID, saved.Version.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestDeletePageArchivesLedgerFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)
	page, err := f.svc.CreatePage(ctx, alice, board.Project.ID, "Notes", "")
	require.NoError(t, err)
	for _, content := range []string{"a", "b"} {
		_, err := f.svc.SavePage(ctx, alice, page.ID, SavePageInput{Title: "Notes", Content: content})
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.DeletePage(ctx, alice, page.ID))
	require.Len(t, f.archive.snaps, 1)
	assert.Equal(t, page.ID, f.archive.snaps[0].Page.ID)
	assert.Len(t, f.archive.snaps[0].Versions, 2)
	assert.Equal(t, "alice", f.archive.snaps[0].ArchivedBy)

	_, err = f.svc.GetPage(ctx, alice, page.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestDeletePageProceedsWhenArchiveFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)
	page, err := f.svc.CreatePage(ctx, alice, board.Project.ID, "Notes", "")
	require.NoError(t, err)
	f.archive.err = apperr.Unavailable("bucket down", nil)

	require.NoError(t, f.svc.DeletePage(ctx, alice, page.ID))
	_, err = f.store.GetPage(ctx, page.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestDeleteProjectIsOwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)
	projectID := board.Project.ID
	_, err := f.svc.AddMember(ctx, alice, projectID, "bob", "editor")
	require.NoError(t, err)
	_, err = f.svc.CreatePage(ctx, alice, projectID, "Notes", "")
	require.NoError(t, err)

	assert.True(t, errors.Is(f.svc.DeleteProject(ctx, bob, projectID), apperr.ErrForbidden))

	require.NoError(t, f.svc.DeleteProject(ctx, alice, projectID))
	assert.Len(t, f.archive.snaps, 1)
	_, err = f.svc.Board(ctx, alice, projectID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestPresenceThroughService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)
	_, err := f.svc.AddMember(ctx, alice, board.Project.ID, "bob", "viewer")
	require.NoError(t, err)
	page, err := f.svc.CreatePage(ctx, alice, board.Project.ID, "Doc", "<p>hello world</p>")
	require.NoError(t, err)

	rec, err := f.svc.PublishPresence(ctx, bob, page.ID, "conn-b", &presence.Selection{From: 1, To: 3})
	require.NoError(t, err)
	assert.Nil(t, rec.Selection, "entering a room starts without a selection")

	rec, err = f.svc.PublishPresence(ctx, bob, page.ID, "conn-b", &presence.Selection{From: 3, To: 1})
	require.NoError(t, err)
	require.NotNil(t, rec.Selection)
	assert.Equal(t, presence.Selection{From: 1, To: 3}, *rec.Selection)
	assert.Equal(t, "viewer", rec.Role)

	_, err = f.svc.PublishPresence(ctx, bob, page.ID, "conn-b", &presence.Selection{From: 0, To: 50})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	_, err = f.svc.PublishPresence(ctx, bob, page.ID, "", nil)
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	roster, err := f.svc.Roster(ctx, alice, page.ID)
	require.NoError(t, err)
	require.Len(t, roster.Members, 1)
	assert.Equal(t, "Bob", roster.Members[0].DisplayName)

	require.NoError(t, f.svc.LeavePresence(ctx, bob, page.ID, "conn-b"))
	roster, err = f.svc.Roster(ctx, alice, page.ID)
	require.NoError(t, err)
	assert.Empty(t, roster.Members)
}

func TestPresenceConnectionCannotBeTakenByAnotherUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)
	page, err := f.svc.CreatePage(ctx, alice, board.Project.ID, "Doc", "")
	require.NoError(t, err)
	_, err = f.svc.PublishPresence(ctx, alice, page.ID, "conn-a", nil)
	require.NoError(t, err)

	theirs, err := f.svc.CreateProject(ctx, bob, "Side", "")
	require.NoError(t, err)
	other, err := f.svc.CreatePage(ctx, bob, theirs.Project.ID, "Notes", "")
	require.NoError(t, err)

	_, err = f.svc.PublishPresence(ctx, bob, other.ID, "conn-a", nil)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	assert.True(t, errors.Is(f.svc.LeavePresence(ctx, bob, other.ID, "conn-a"), apperr.ErrForbidden))

	roster, err := f.svc.Roster(ctx, alice, page.ID)
	require.NoError(t, err)
	require.Len(t, roster.Members, 1)
	assert.Equal(t, "conn-a", roster.Members[0].ConnectionID)

	_, err = f.svc.PublishPresence(ctx, bob, other.ID, "conn-b", nil)
	require.NoError(t, err)
}

func TestSearchIsScopedToReadableProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.project(t)
	theirs, err := f.svc.CreateProject(ctx, bob, "Secret", "")
	require.NoError(t, err)
	_, err = f.svc.CreatePage(ctx, alice, mine.Project.ID, "Roadmap", "")
	require.NoError(t, err)
	_, err = f.svc.CreatePage(ctx, bob, theirs.Project.ID, "Roadmap hidden", "")
	require.NoError(t, err)

	resp, err := f.svc.Search(ctx, alice, search.Query{Text: "roadmap"}, "")
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, mine.Project.ID, resp.Results[0].ProjectID)

	_, err = f.svc.Search(ctx, alice, search.Query{Text: "roadmap"}, theirs.Project.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	carol := Session{UserID: "carol"}
	resp, err = f.svc.Search(ctx, carol, search.Query{Text: "roadmap"}, "")
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestWorkspaceSessionsOverAuthority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board := f.project(t)
	todo, done := board.Lanes[0].Column, board.Lanes[2].Column
	card, err := f.svc.CreateCard(ctx, alice, CardInput{ColumnID: todo.ID, Title: "Ship"})
	require.NoError(t, err)

	bs := workspace.NewBoardSession(f.svc.Authority(alice), board.Project.ID)
	require.NoError(t, bs.Open(ctx))
	cards, err := bs.MoveCard(ctx, card.ID, done.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, cards)
	assert.Equal(t, workspace.Ready, bs.State())
	view := bs.View()
	assert.Empty(t, view.Lanes[0].Cards)
	assert.Equal(t, card.ID, view.Lanes[2].Cards[0].ID)

	page, err := f.svc.CreatePage(ctx, alice, board.Project.ID, "Doc", "")
	require.NoError(t, err)
	ps := workspace.NewPageSession(f.svc.Authority(alice), page.ID)
	require.NoError(t, ps.Open(ctx))
	saved, err := ps.Save(ctx, "Doc", "<p>v1</p>")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.CurrentVersion)
	assert.Equal(t, 1, ps.Confirmed().CurrentVersion)

	viewer := workspace.NewBoardSession(f.svc.Authority(bob), board.Project.ID)
	err = viewer.Open(ctx)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	assert.Equal(t, workspace.Failed, viewer.State())
}
