package workspace

import (
	"context"

	"tandem/api/internal/apperr"
	"tandem/api/internal/store"
)

type PageAuthority interface {
	Page(ctx context.Context, pageID string) (store.Page, error)
	SavePage(ctx context.Context, pageID, title, content string) (store.Page, error)
	RestoreVersion(ctx context.Context, pageID, versionID string) (store.Page, error)
}

type PageSession struct {
	*session[store.Page]
	authority PageAuthority
	pageID    string
}

func NewPageSession(authority PageAuthority, pageID string) *PageSession {
	load := func(ctx context.Context) (store.Page, error) {
		return authority.Page(ctx, pageID)
	}
	return &PageSession{
		session:   newSession("page "+pageID, load, func(p store.Page) store.Page { return p }),
		authority: authority,
		pageID:    pageID,
	}
}

func (p *PageSession) OnChange(fn func(State, store.Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Save shows the new title and content at once. Saves are not cancelled
// when superseded: each answer replaces the confirmed page unless it
// carries an older version than the one already confirmed.
func (p *PageSession) Save(ctx context.Context, title, content string) (store.Page, error) {
	return mutate(ctx, p.session, mutation[store.Page, store.Page]{
		apply: func(view store.Page) (store.Page, error) {
			view.Title = title
			view.Content = content
			return view, nil
		},
		send: func(ctx context.Context) (store.Page, error) {
			return p.authority.SavePage(ctx, p.pageID, title, content)
		},
		confirm: acceptNewer,
	})
}

// Restore shows the restored version once the authority has written it;
// the session has no copy of old content to guess with.
func (p *PageSession) Restore(ctx context.Context, versionID string) (store.Page, error) {
	return mutate(ctx, p.session, mutation[store.Page, store.Page]{
		apply: func(view store.Page) (store.Page, error) { return view, nil },
		send: func(ctx context.Context) (store.Page, error) {
			return p.authority.RestoreVersion(ctx, p.pageID, versionID)
		},
		confirm: acceptNewer,
	})
}

func acceptNewer(base, answer store.Page) (store.Page, bool) {
	if answer.ID != base.ID {
		return base, false
	}
	if answer.CurrentVersion < base.CurrentVersion {
		return base, true
	}
	return answer, true
}

func errNotInView(entity, id string) error {
	return apperr.NotFound(entity, id)
}
