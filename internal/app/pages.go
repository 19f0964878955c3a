package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"tandem/api/internal/activity"
	"tandem/api/internal/apperr"
	"tandem/api/internal/archive"
	"tandem/api/internal/export"
	"tandem/api/internal/ledger"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

type SavePageInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	// SessionID groups the saves of one editing session for mention
	// notifications.
	SessionID string `json:"sessionId"`
}

func (s *Service) pageCaps(ctx context.Context, sess Session, pageID string, action rbac.Action) (store.Page, rbac.Capabilities, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.Page{}, rbac.Capabilities{}, err
	}
	caps, err := s.capsFor(ctx, sess, page.ProjectID, action)
	if err != nil {
		return store.Page{}, rbac.Capabilities{}, err
	}
	return page, caps, nil
}

// CreatePage creates a page with no versions. The first save is version 1.
func (s *Service) CreatePage(ctx context.Context, sess Session, projectID, title, content string) (store.Page, error) {
	if _, err := s.capsFor(ctx, sess, projectID, rbac.ActionPageWrite); err != nil {
		return store.Page{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Page{}, apperr.InvalidArgument("TITLE_REQUIRED", "title is required")
	}
	now := s.now()
	page := store.Page{
		ID:        util.NewID("page"),
		ProjectID: projectID,
		Title:     title,
		Content:   content,
		CreatedBy: sess.UserID,
		UpdatedBy: sess.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertPage(ctx, page)
	}); err != nil {
		return store.Page{}, fmt.Errorf("create page: %w", err)
	}
	s.search.IndexPage(search.PageRecordOf(page))
	return page, nil
}

func (s *Service) GetPage(ctx context.Context, sess Session, pageID string) (store.Page, error) {
	page, _, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPageRead)
	return page, err
}

func (s *Service) ListPages(ctx context.Context, sess Session, projectID string) ([]store.Page, error) {
	if _, err := s.capsFor(ctx, sess, projectID, rbac.ActionPageRead); err != nil {
		return nil, err
	}
	return s.store.ListPages(ctx, projectID)
}

// SavePage appends a version and records first-time mentions of the
// editing session.
func (s *Service) SavePage(ctx context.Context, sess Session, pageID string, in SavePageInput) (ledger.SaveResult, error) {
	page, caps, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPageWrite)
	if err != nil {
		return ledger.SaveResult{}, err
	}
	res, err := s.ledger.Save(ctx, ledger.SaveRequest{
		PageID:  page.ID,
		Title:   strings.TrimSpace(in.Title),
		Content: in.Content,
		ActorID: sess.UserID,
		Caps:    caps,
	})
	if err != nil {
		return ledger.SaveResult{}, err
	}

	_, err = s.activity.RecordMentions(ctx, activity.MentionInput{
		ProjectID: page.ProjectID,
		PageID:    page.ID,
		PageTitle: res.Page.Title,
		ActorID:   sess.UserID,
		ActorName: sess.Name,
		SessionID: in.SessionID,
		Content:   in.Content,
	})
	if err != nil {
		log.WithError(err).WithField("pageId", page.ID).Warn("activity.mentions_failed")
	}
	return res, nil
}

// RestorePage saves a past version again as the newest one.
func (s *Service) RestorePage(ctx context.Context, sess Session, pageID, versionID string) (ledger.SaveResult, error) {
	page, caps, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPageRestore)
	if err != nil {
		return ledger.SaveResult{}, err
	}
	res, err := s.ledger.Restore(ctx, ledger.RestoreRequest{
		PageID:    page.ID,
		VersionID: versionID,
		ActorID:   sess.UserID,
		Caps:      caps,
	})
	if err != nil {
		return ledger.SaveResult{}, err
	}
	if err := s.activity.PageRestored(ctx, page.ProjectID, sess.UserID, res.Page, res.RestoredFrom, res.Version.Version); err != nil {
		log.WithError(err).WithField("pageId", page.ID).Warn("activity.record_failed")
	}
	return res, nil
}

func (s *Service) ListVersions(ctx context.Context, sess Session, pageID string) ([]store.VersionSummary, error) {
	page, caps, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPageRead)
	if err != nil {
		return nil, err
	}
	return s.ledger.List(ctx, page.ID, caps)
}

func (s *Service) GetVersion(ctx context.Context, sess Session, pageID, versionID string) (store.PageVersion, error) {
	page, caps, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPageRead)
	if err != nil {
		return store.PageVersion{}, err
	}
	return s.ledger.Get(ctx, page.ID, versionID, caps)
}

// DeletePage archives the page's ledger and then removes the page with
// all of its versions.
func (s *Service) DeletePage(ctx context.Context, sess Session, pageID string) error {
	page, _, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPageWrite)
	if err != nil {
		return err
	}
	s.archivePage(ctx, page.ID, sess.UserID)
	if err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.DeletePage(ctx, page.ID)
	}); err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	s.forgetPage(ctx, page.ID)
	log.WithField("pageId", page.ID).Info("page.deleted")
	return nil
}

func (s *Service) ExportPage(ctx context.Context, sess Session, req export.Request) (*export.Result, error) {
	_, caps, err := s.pageCaps(ctx, sess, req.PageID, rbac.ActionPageRead)
	if err != nil {
		return nil, err
	}
	return s.export.Export(ctx, caps, req)
}

// archivePage uploads the ledger snapshot. Failures are logged; deletion
// goes ahead.
func (s *Service) archivePage(ctx context.Context, pageID, actorID string) {
	snap, err := archive.Take(ctx, s.store, pageID, actorID, s.now())
	if err == nil {
		_, err = s.archive.Archive(ctx, snap)
	}
	if err != nil {
		log.WithError(err).WithField("pageId", pageID).Warn("archive.failed")
	}
}

func (s *Service) forgetPage(ctx context.Context, pageID string) {
	s.search.DeletePage(pageID)
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Remove(ctx, pageID); err != nil {
		log.WithError(err).WithField("pageId", pageID).Warn("gitrepo.remove_failed")
	}
}
