package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/api/internal/apperr"
	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
)

type fakeSource struct {
	projects map[string]store.Project
	pages    map[string]store.Page
	versions map[string]store.PageVersion
}

func (f fakeSource) GetProject(_ context.Context, id string) (store.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return store.Project{}, apperr.NotFound("project", id)
	}
	return p, nil
}

func (f fakeSource) GetPage(_ context.Context, id string) (store.Page, error) {
	p, ok := f.pages[id]
	if !ok {
		return store.Page{}, apperr.NotFound("page", id)
	}
	return p, nil
}

func (f fakeSource) GetVersion(_ context.Context, id string) (store.PageVersion, error) {
	v, ok := f.versions[id]
	if !ok {
		return store.PageVersion{}, apperr.NotFound("version", id)
	}
	return v, nil
}

func source() fakeSource {
	at := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	return fakeSource{
		projects: map[string]store.Project{"p1": {ID: "p1", Name: "Roadmap"}, "p2": {ID: "p2", Name: "Other"}},
		pages: map[string]store.Page{
			"pg":    {ID: "pg", ProjectID: "p1", Title: "Q3 Plan", Content: `<p>Ship <b>it</b><script>alert(1)</script></p>`, UpdatedBy: "alice", CurrentVersion: 2, UpdatedAt: at},
			"other": {ID: "other", ProjectID: "p2", Title: "Hidden"},
		},
		versions: map[string]store.PageVersion{
			"ver_1": {ID: "ver_1", PageID: "pg", Version: 1, Title: "Q3 Draft", Content: "<p>draft</p>", CreatedBy: "bob", CreatedAt: at},
			"ver_x": {ID: "ver_x", PageID: "other", Version: 1},
		},
	}
}

func TestExportHTMLLiveAndVersion(t *testing.T) {
	svc := NewService(source())
	caps := rbac.Resolve("p1", rbac.RoleViewer)

	res, err := svc.Export(context.Background(), caps, Request{PageID: "pg"})
	require.NoError(t, err)
	body := string(res.Data)
	assert.Equal(t, "Q3-Plan.html", res.Filename)
	assert.Contains(t, body, "<p>Ship <b>it</b></p>")
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, "Roadmap | Version 2 | alice")

	res, err = svc.Export(context.Background(), caps, Request{PageID: "pg", VersionID: "ver_1", Format: FormatHTML})
	require.NoError(t, err)
	assert.Contains(t, string(res.Data), "<p>draft</p>")
	assert.Contains(t, string(res.Data), "Version 1 | bob")
}

func TestExportDelegatesBinaryFormats(t *testing.T) {
	var gotHTML string
	render := func(_ context.Context, html, title string) (*Result, error) {
		gotHTML = html
		return &Result{Data: []byte("%PDF"), Filename: filename(title, "pdf"), MimeType: "application/pdf"}, nil
	}
	svc := NewService(source(), WithPDFRenderer(render), WithDOCXRenderer(func(context.Context, string, string) (*Result, error) {
		return nil, dependencyMissing("pandoc")
	}))
	caps := rbac.Resolve("p1", rbac.RoleEditor)

	res, err := svc.Export(context.Background(), caps, Request{PageID: "pg", Format: FormatPDF})
	require.NoError(t, err)
	assert.Equal(t, "Q3-Plan.pdf", res.Filename)
	assert.Contains(t, gotHTML, "<title>Q3 Plan</title>")

	_, err = svc.Export(context.Background(), caps, Request{PageID: "pg", Format: FormatDOCX})
	assert.True(t, errors.Is(err, apperr.ErrUnavailable))
}

func TestExportRejections(t *testing.T) {
	svc := NewService(source())
	ctx := context.Background()
	caps := rbac.Resolve("p1", rbac.RoleViewer)

	_, err := svc.Export(ctx, caps, Request{PageID: "other"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "pages of other projects are invisible")
	_, err = svc.Export(ctx, caps, Request{PageID: "pg", VersionID: "ver_x"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = svc.Export(ctx, caps, Request{PageID: "pg", Format: "odt"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	_, err = svc.Export(ctx, rbac.Capabilities{ProjectID: "p1"}, Request{PageID: "pg"})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}

func TestProseMirrorToHTML(t *testing.T) {
	doc := `{"type":"doc","content":[
		{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Plan"}]},
		{"type":"paragraph","content":[
			{"type":"text","text":"bold","marks":[{"type":"bold"},{"type":"italic"}]},
			{"type":"text","text":" & "},
			{"type":"mention","attrs":{"id":"u1","label":"Ada"}},
			{"type":"text","text":"site","marks":[{"type":"link","attrs":{"href":"https://x.test/?a=1&b=2"}}]}
		]},
		{"type":"codeBlock","content":[{"type":"text","text":"<b>"}]},
		{"type":"bulletList","content":[{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"one"}]}]}]}
	]}`
	out, ok := ProseMirrorToHTML(doc)
	require.True(t, ok)
	assert.Contains(t, out, "<h2>Plan</h2>")
	assert.Contains(t, out, "<strong><em>bold</em></strong> &amp; ")
	assert.Contains(t, out, `<span data-type="mention" data-id="u1">@Ada</span>`)
	assert.Contains(t, out, `<a href="https://x.test/?a=1&amp;b=2">site</a>`)
	assert.Contains(t, out, "<pre><code>&lt;b&gt;</code></pre>")
	assert.Contains(t, out, "<ul><li><p>one</p>\n</li>\n</ul>")

	_, ok = ProseMirrorToHTML(`{"type":"paragraph"}`)
	assert.False(t, ok)
	_, ok = ProseMirrorToHTML("<p>html</p>")
	assert.False(t, ok)
}

func TestBodyHTMLStripsActiveContent(t *testing.T) {
	got := string(bodyHTML(`<p onclick="steal()">hi</p><a href="javascript:alert(1)">x</a><style>p{}</style>`))
	assert.Equal(t, `<p>hi</p><a href="#">x</a>`, got)
}

func TestFilenameAndDataURL(t *testing.T) {
	assert.Equal(t, "Q3-Plan-v2.pdf", filename("Q3 Plan: v2!", "pdf"))
	assert.Equal(t, "page.docx", filename("???", "docx"))
	assert.Equal(t, 50, len(strings.TrimSuffix(filename(strings.Repeat("a", 80), "html"), ".html")))
	assert.Equal(t, "data:text/html;charset=utf-8,%3Cp%3Ea%20b%3C%2Fp%3E", dataURL("<p>a b</p>"))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" PDF ")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)
}
