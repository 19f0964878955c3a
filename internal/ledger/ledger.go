// Package ledger keeps the append-only version history of pages.
package ledger

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tandem/api/internal/apperr"
	"tandem/api/internal/keylock"
	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

const tracerName = "tandem/ledger"

type Store interface {
	store.TxRunner
	GetPage(ctx context.Context, id string) (store.Page, error)
	ListVersions(ctx context.Context, pageID string) ([]store.VersionSummary, error)
	GetVersion(ctx context.Context, id string) (store.PageVersion, error)
}

type SaveRequest struct {
	PageID  string
	Title   string
	Content string
	ActorID string
	Caps    rbac.Capabilities
}

type RestoreRequest struct {
	PageID    string
	VersionID string
	ActorID   string
	Caps      rbac.Capabilities
}

type SaveResult struct {
	Page     store.Page
	Version  store.PageVersion
	Previous store.Page
	// RestoredFrom is the version number copied by a restore, 0 for a save.
	RestoredFrom int
}

// Observer runs after a version commits, e.g. to mirror or index it.
type Observer interface {
	VersionSaved(ctx context.Context, result SaveResult) error
}

type Ledger struct {
	store     Store
	locks     *keylock.Locker
	observers []Observer
	now       func() time.Time
}

func New(s Store, observers ...Observer) *Ledger {
	return &Ledger{
		store:     s,
		locks:     keylock.New(),
		observers: observers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Save appends version N+1 and then moves the page's live fields to it, in
// one transaction. Saves of one page run in arrival order and the page row
// stays locked while the number is assigned, so concurrent writers always
// observe distinct numbers.
func (l *Ledger) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ledger.Save")
	defer span.End()
	span.SetAttributes(attribute.String("page.id", req.PageID))

	result, err := l.save(ctx, req, rbac.ActionPageWrite, 0)
	return result, finishSpan(span, result, err)
}

func (l *Ledger) save(ctx context.Context, req SaveRequest, action rbac.Action, restoredFrom int) (SaveResult, error) {
	if strings.TrimSpace(req.PageID) == "" {
		return SaveResult{}, apperr.InvalidArgument("INVALID_PAGE", "pageId is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return SaveResult{}, apperr.InvalidArgument("TITLE_REQUIRED", "title is required")
	}
	if err := req.Caps.Require(action); err != nil {
		return SaveResult{}, err
	}

	release, err := l.locks.Acquire(ctx, "page:"+req.PageID)
	if err != nil {
		return SaveResult{}, err
	}
	defer release()

	var result SaveResult
	err = l.store.WithinTx(ctx, func(tx store.Tx) error {
		page, err := tx.LockPage(ctx, req.PageID)
		if err != nil {
			return err
		}
		if page.ProjectID != req.Caps.ProjectID {
			return apperr.Forbidden("page belongs to another project")
		}
		max, err := tx.MaxPageVersion(ctx, page.ID)
		if err != nil {
			return err
		}

		now := l.now()
		version := store.PageVersion{
			ID:        util.NewID("ver"),
			PageID:    page.ID,
			Version:   max + 1,
			Title:     req.Title,
			Content:   req.Content,
			CreatedBy: req.ActorID,
			CreatedAt: now,
		}
		if err := tx.InsertPageVersion(ctx, version); err != nil {
			return err
		}
		if err := tx.UpdatePageContent(ctx, page.ID, req.Title, req.Content, req.ActorID, version.Version, now); err != nil {
			return err
		}

		updated := page
		updated.Title = req.Title
		updated.Content = req.Content
		updated.UpdatedBy = req.ActorID
		updated.CurrentVersion = version.Version
		updated.UpdatedAt = now
		result = SaveResult{Page: updated, Version: version, Previous: page, RestoredFrom: restoredFrom}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}

	log.WithFields(log.Fields{
		"pageId":       result.Page.ID,
		"version":      result.Version.Version,
		"restoredFrom": restoredFrom,
	}).Info("ledger.saved")

	for _, o := range l.observers {
		if err := o.VersionSaved(ctx, result); err != nil {
			log.WithError(err).WithField("pageId", result.Page.ID).Warn("ledger.observer_failed")
		}
	}
	return result, nil
}

// List returns version metadata newest-first, without content.
func (l *Ledger) List(ctx context.Context, pageID string, caps rbac.Capabilities) ([]store.VersionSummary, error) {
	if _, err := l.readablePage(ctx, pageID, caps); err != nil {
		return nil, err
	}
	return l.store.ListVersions(ctx, pageID)
}

// Get returns one full version. A version of another page is NotFound.
func (l *Ledger) Get(ctx context.Context, pageID, versionID string, caps rbac.Capabilities) (store.PageVersion, error) {
	if _, err := l.readablePage(ctx, pageID, caps); err != nil {
		return store.PageVersion{}, err
	}
	version, err := l.store.GetVersion(ctx, versionID)
	if err != nil {
		return store.PageVersion{}, err
	}
	if version.PageID != pageID {
		return store.PageVersion{}, apperr.NotFound("version", versionID)
	}
	return version, nil
}

// Restore copies a version onto the page by saving it again, so history only
// ever grows.
func (l *Ledger) Restore(ctx context.Context, req RestoreRequest) (SaveResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ledger.Restore")
	defer span.End()
	span.SetAttributes(attribute.String("page.id", req.PageID), attribute.String("version.source", req.VersionID))

	if err := req.Caps.Require(rbac.ActionPageRestore); err != nil {
		return SaveResult{}, finishSpan(span, SaveResult{}, err)
	}
	source, err := l.Get(ctx, req.PageID, req.VersionID, req.Caps)
	if err != nil {
		return SaveResult{}, finishSpan(span, SaveResult{}, err)
	}
	result, err := l.save(ctx, SaveRequest{
		PageID:  req.PageID,
		Title:   source.Title,
		Content: source.Content,
		ActorID: req.ActorID,
		Caps:    req.Caps,
	}, rbac.ActionPageRestore, source.Version)
	return result, finishSpan(span, result, err)
}

func (l *Ledger) readablePage(ctx context.Context, pageID string, caps rbac.Capabilities) (store.Page, error) {
	if err := caps.Require(rbac.ActionPageRead); err != nil {
		return store.Page{}, err
	}
	page, err := l.store.GetPage(ctx, pageID)
	if err != nil {
		return store.Page{}, err
	}
	if page.ProjectID != caps.ProjectID {
		return store.Page{}, apperr.NotFound("page", pageID)
	}
	return page, nil
}

func finishSpan(span trace.Span, result SaveResult, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("version.number", result.Version.Version))
	return nil
}
