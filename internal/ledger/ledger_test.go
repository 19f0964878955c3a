package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/api/internal/apperr"
	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
)

type observerFunc func(ctx context.Context, result SaveResult) error

func (f observerFunc) VersionSaved(ctx context.Context, result SaveResult) error {
	return f(ctx, result)
}

func newStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		for _, id := range []string{"p1", "p2"} {
			if err := tx.InsertProject(ctx, store.Project{ID: id, OwnerID: "u1", CreatedAt: now}); err != nil {
				return err
			}
		}
		if err := tx.InsertPage(ctx, store.Page{ID: "d", ProjectID: "p1", Title: "Untitled", CreatedBy: "u1", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.InsertPage(ctx, store.Page{ID: "other", ProjectID: "p1", Title: "Other", CreatedBy: "u1", CreatedAt: now, UpdatedAt: now})
	}))
	return s
}

func caps() rbac.Capabilities {
	return rbac.Resolve("p1", rbac.RoleEditor)
}

func save(t *testing.T, l *Ledger, title, content string) SaveResult {
	t.Helper()
	res, err := l.Save(context.Background(), SaveRequest{PageID: "d", Title: title, Content: content, ActorID: "u1", Caps: caps()})
	require.NoError(t, err)
	return res
}

func TestSaveAndRestoreScenario(t *testing.T) {
	s := newStore(t)
	l := New(s)
	ctx := context.Background()

	v1 := save(t, l, "T1", "c1")
	assert.Equal(t, 1, v1.Version.Version)
	assert.Equal(t, "T1", v1.Page.Title)

	v2 := save(t, l, "T2", "c2")
	assert.Equal(t, 2, v2.Version.Version)

	restored, err := l.Restore(ctx, RestoreRequest{PageID: "d", VersionID: v1.Version.ID, ActorID: "u2", Caps: caps()})
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version.Version)
	assert.Equal(t, 1, restored.RestoredFrom)
	assert.Equal(t, "T1", restored.Version.Title)
	assert.Equal(t, "c1", restored.Version.Content)

	page, err := s.GetPage(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "T1", page.Title)
	assert.Equal(t, "c1", page.Content)
	assert.Equal(t, 3, page.CurrentVersion)

	untouched, err := l.Get(ctx, "d", v2.Version.ID, caps())
	require.NoError(t, err)
	assert.Equal(t, "T2", untouched.Title)
	assert.Equal(t, "c2", untouched.Content)
}

func TestSequentialSavesNumberOneToK(t *testing.T) {
	l := New(newStore(t))
	const k = 12
	for i := 1; i <= k; i++ {
		save(t, l, fmt.Sprintf("T%d", i), fmt.Sprintf("c%d", i))
	}

	list, err := l.List(context.Background(), "d", caps())
	require.NoError(t, err)
	require.Len(t, list, k)
	for i, v := range list {
		assert.Equal(t, k-i, v.Version, "newest first")
		assert.Equal(t, fmt.Sprintf("T%d", k-i), v.Title)
	}

	last, err := l.Get(context.Background(), "d", list[0].ID, caps())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("c%d", k), last.Content)
}

func TestConcurrentSavesGetDistinctNumbers(t *testing.T) {
	l := New(newStore(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Save(ctx, SaveRequest{PageID: "d", Title: fmt.Sprintf("T%d", i), ActorID: "u1", Caps: caps()})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[res.Version.Version], "duplicate version %d", res.Version.Version)
			seen[res.Version.Version] = true
		}(i)
	}
	wg.Wait()

	for n := 1; n <= 20; n++ {
		assert.True(t, seen[n], "missing version %d", n)
	}
}

func TestSaveFailsClosed(t *testing.T) {
	s := newStore(t)
	l := New(s)
	ctx := context.Background()
	save(t, l, "T1", "c1")

	for _, op := range []string{"InsertPageVersion", "UpdatePageContent"} {
		t.Run(op, func(t *testing.T) {
			s.SetFault(op, apperr.Unavailable("storage down", nil))
			defer s.SetFault(op, nil)

			_, err := l.Save(ctx, SaveRequest{PageID: "d", Title: "T2", Content: "c2", ActorID: "u1", Caps: caps()})
			require.True(t, errors.Is(err, apperr.ErrUnavailable))

			page, err := s.GetPage(ctx, "d")
			require.NoError(t, err)
			assert.Equal(t, "T1", page.Title)
			assert.Equal(t, 1, page.CurrentVersion)

			versions, err := s.ListVersions(ctx, "d")
			require.NoError(t, err)
			assert.Len(t, versions, 1)
		})
	}

	next := save(t, l, "T2", "c2")
	assert.Equal(t, 2, next.Version.Version, "failed attempts must not burn numbers")
}

func TestGetRejectsVersionOfAnotherPage(t *testing.T) {
	l := New(newStore(t))
	ctx := context.Background()
	res, err := l.Save(ctx, SaveRequest{PageID: "other", Title: "O", ActorID: "u1", Caps: caps()})
	require.NoError(t, err)

	_, err = l.Get(ctx, "d", res.Version.ID, caps())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = l.Restore(ctx, RestoreRequest{PageID: "d", VersionID: res.Version.ID, Caps: caps()})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestValidationAndPermissions(t *testing.T) {
	l := New(newStore(t))
	ctx := context.Background()

	_, err := l.Save(ctx, SaveRequest{PageID: "d", Title: "  ", Caps: caps()})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	_, err = l.Save(ctx, SaveRequest{PageID: "d", Title: "T", Caps: rbac.Resolve("p1", rbac.RoleViewer)})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = l.Save(ctx, SaveRequest{PageID: "d", Title: "T", Caps: rbac.Resolve("p2", rbac.RoleOwner)})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = l.Save(ctx, SaveRequest{PageID: "missing", Title: "T", Caps: caps()})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = l.List(ctx, "d", rbac.Resolve("p2", rbac.RoleOwner))
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	list, err := l.List(ctx, "d", rbac.Resolve("p1", rbac.RoleViewer))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestObserversRunAfterCommitAndFailuresAreLogged(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	logrus.SetLevel(logrus.InfoLevel)

	var seen []int
	ok := observerFunc(func(_ context.Context, r SaveResult) error {
		seen = append(seen, r.Version.Version)
		return nil
	})
	failing := observerFunc(func(context.Context, SaveResult) error { return errors.New("mirror offline") })

	l := New(newStore(t), failing, ok)
	save(t, l, "T1", "c1")

	assert.Equal(t, []int{1}, seen)
	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "ledger.observer_failed" {
			warned = true
		}
	}
	assert.True(t, warned)
}
