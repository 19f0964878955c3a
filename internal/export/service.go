package export

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"tandem/api/internal/apperr"
	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
)

type Source interface {
	GetProject(ctx context.Context, id string) (store.Project, error)
	GetPage(ctx context.Context, id string) (store.Page, error)
	GetVersion(ctx context.Context, id string) (store.PageVersion, error)
}

// Renderer turns a rendered HTML page into a binary format.
type Renderer func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	source Source
	pdf    Renderer
	docx   Renderer
}

type Option func(*Service)

func WithPDFRenderer(r Renderer) Option {
	return func(s *Service) { s.pdf = r }
}

func WithDOCXRenderer(r Renderer) Option {
	return func(s *Service) { s.docx = r }
}

func NewService(source Source, opts ...Option) *Service {
	s := &Service{source: source, pdf: renderPDF, docx: renderDOCX}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export renders the page for a caller holding caps on its project.
func (s *Service) Export(ctx context.Context, caps rbac.Capabilities, req Request) (*Result, error) {
	if err := caps.Require(rbac.ActionPageRead); err != nil {
		return nil, err
	}
	format, err := ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	req.Format = format

	page, err := s.source.GetPage(ctx, req.PageID)
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	if page.ProjectID != caps.ProjectID {
		return nil, apperr.NotFound("page", req.PageID)
	}
	project, err := s.source.GetProject(ctx, page.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	doc := Document{
		Title:       page.Title,
		ProjectName: project.Name,
		Author:      page.UpdatedBy,
		Version:     page.CurrentVersion,
		UpdatedAt:   page.UpdatedAt,
		Body:        page.Content,
	}
	if req.VersionID != "" {
		v, err := s.source.GetVersion(ctx, req.VersionID)
		if err != nil {
			return nil, fmt.Errorf("get version: %w", err)
		}
		if v.PageID != page.ID {
			return nil, apperr.NotFound("version", req.VersionID)
		}
		doc.Title, doc.Body, doc.Author = v.Title, v.Content, v.CreatedBy
		doc.Version, doc.UpdatedAt = v.Version, v.CreatedAt
	}

	html, err := RenderHTML(doc)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var res *Result
	switch req.Format {
	case FormatPDF:
		res, err = s.pdf(ctx, html, doc.Title)
	case FormatDOCX:
		res, err = s.docx(ctx, html, doc.Title)
	default:
		res = &Result{Data: []byte(html), Filename: filename(doc.Title, "html"), MimeType: "text/html; charset=utf-8"}
	}
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"pageId": page.ID, "version": doc.Version, "format": req.Format}).Info("export.rendered")
	return res, nil
}
