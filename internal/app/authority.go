package app

import (
	"context"

	"tandem/api/internal/store"
)

// Authority binds the service to one session so that workspace sessions
// can use it as their source of truth.
type Authority struct {
	svc  *Service
	sess Session
}

func (s *Service) Authority(sess Session) Authority {
	return Authority{svc: s, sess: sess}
}

func (a Authority) Board(ctx context.Context, projectID string) (store.Board, error) {
	return a.svc.Board(ctx, a.sess, projectID)
}

func (a Authority) MoveCard(ctx context.Context, cardID, toColumnID string, toIndex int) ([]store.Card, error) {
	res, err := a.svc.MoveCard(ctx, a.sess, cardID, toColumnID, toIndex)
	if err != nil {
		return nil, err
	}
	return res.Cards, nil
}

func (a Authority) Page(ctx context.Context, pageID string) (store.Page, error) {
	return a.svc.GetPage(ctx, a.sess, pageID)
}

func (a Authority) SavePage(ctx context.Context, pageID, title, content string) (store.Page, error) {
	res, err := a.svc.SavePage(ctx, a.sess, pageID, SavePageInput{Title: title, Content: content})
	if err != nil {
		return store.Page{}, err
	}
	return res.Page, nil
}

func (a Authority) RestoreVersion(ctx context.Context, pageID, versionID string) (store.Page, error) {
	res, err := a.svc.RestorePage(ctx, a.sess, pageID, versionID)
	if err != nil {
		return store.Page{}, err
	}
	return res.Page, nil
}
