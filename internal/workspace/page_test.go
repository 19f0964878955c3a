package workspace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/api/internal/apperr"
	"tandem/api/internal/store"
)

type fakePages struct {
	pageFn    func(ctx context.Context, pageID string) (store.Page, error)
	saveFn    func(ctx context.Context, pageID, title, content string) (store.Page, error)
	restoreFn func(ctx context.Context, pageID, versionID string) (store.Page, error)
}

func (f fakePages) Page(ctx context.Context, pageID string) (store.Page, error) {
	return f.pageFn(ctx, pageID)
}

func (f fakePages) SavePage(ctx context.Context, pageID, title, content string) (store.Page, error) {
	return f.saveFn(ctx, pageID, title, content)
}

func (f fakePages) RestoreVersion(ctx context.Context, pageID, versionID string) (store.Page, error) {
	return f.restoreFn(ctx, pageID, versionID)
}

func TestPageSessionSaveConfirms(t *testing.T) {
	version := 0
	pages := fakePages{
		pageFn: func(context.Context, string) (store.Page, error) {
			return store.Page{ID: "pg", Title: "Untitled"}, nil
		},
		saveFn: func(_ context.Context, id, title, content string) (store.Page, error) {
			version++
			return store.Page{ID: id, Title: title, Content: content, CurrentVersion: version}, nil
		},
	}
	s := NewPageSession(pages, "pg")
	require.NoError(t, s.Open(context.Background()))

	page, err := s.Save(context.Background(), "T1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, page.CurrentVersion)
	assert.Equal(t, "T1", s.View().Title)
	assert.Equal(t, Ready, s.State())
}

func TestPageSessionIgnoresOlderAnswers(t *testing.T) {
	release := map[string]chan struct{}{"first": make(chan struct{}), "second": make(chan struct{})}
	var mu sync.Mutex
	next := 0
	pages := fakePages{
		pageFn: func(context.Context, string) (store.Page, error) { return store.Page{ID: "pg"}, nil },
		saveFn: func(_ context.Context, id, title, content string) (store.Page, error) {
			mu.Lock()
			next++
			v := next
			mu.Unlock()
			<-release[content]
			return store.Page{ID: id, Title: title, Content: content, CurrentVersion: v}, nil
		},
	}
	s := NewPageSession(pages, "pg")
	require.NoError(t, s.Open(context.Background()))

	results := make(chan error, 2)
	go func() { _, err := s.Save(context.Background(), "one", "first"); results <- err }()
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return next == 1 }, time.Second, time.Millisecond)
	go func() { _, err := s.Save(context.Background(), "two", "second"); results <- err }()
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return next == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "two", s.View().Title)

	close(release["second"])
	require.NoError(t, <-results)
	close(release["first"])
	require.NoError(t, <-results)

	assert.Equal(t, Ready, s.State())
	view := s.View()
	assert.Equal(t, 2, view.CurrentVersion)
	assert.Equal(t, "second", view.Content)
}

func TestPageSessionFailedSaveRollsBack(t *testing.T) {
	loads := 0
	pages := fakePages{
		pageFn: func(context.Context, string) (store.Page, error) {
			loads++
			return store.Page{ID: "pg", Title: "Server", CurrentVersion: 4}, nil
		},
		saveFn: func(context.Context, string, string, string) (store.Page, error) {
			return store.Page{}, apperr.Unavailable("db down", nil)
		},
	}
	s := NewPageSession(pages, "pg")
	require.NoError(t, s.Open(context.Background()))

	_, err := s.Save(context.Background(), "Local", "draft")
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))
	assert.Equal(t, "Server", s.View().Title)
	assert.Equal(t, 2, loads)
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, err, s.Err())
}

func TestPageSessionRestore(t *testing.T) {
	pages := fakePages{
		pageFn: func(context.Context, string) (store.Page, error) {
			return store.Page{ID: "pg", Title: "T2", Content: "c2", CurrentVersion: 2}, nil
		},
		restoreFn: func(_ context.Context, id, versionID string) (store.Page, error) {
			require.Equal(t, "ver_1", versionID)
			return store.Page{ID: id, Title: "T1", Content: "c1", CurrentVersion: 3}, nil
		},
	}
	s := NewPageSession(pages, "pg")
	require.NoError(t, s.Open(context.Background()))

	page, err := s.Restore(context.Background(), "ver_1")
	require.NoError(t, err)
	assert.Equal(t, 3, page.CurrentVersion)
	assert.Equal(t, "c1", s.View().Content)
}

func TestPageSessionDeletedPageFailsSession(t *testing.T) {
	gone := false
	pages := fakePages{
		pageFn: func(_ context.Context, id string) (store.Page, error) {
			if gone {
				return store.Page{}, apperr.NotFound("page", id)
			}
			return store.Page{ID: id}, nil
		},
		saveFn: func(_ context.Context, id, _, _ string) (store.Page, error) {
			gone = true
			return store.Page{}, apperr.NotFound("page", id)
		},
	}
	s := NewPageSession(pages, "pg")
	require.NoError(t, s.Open(context.Background()))

	_, err := s.Save(context.Background(), "x", "y")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, Failed, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconciling", Reconciling.String())
	assert.Equal(t, "state(42)", State(42).String())
}
