package export

import (
	"bytes"
	"html/template"
	"regexp"
	"strings"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1.title { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    span[data-type="mention"] { color: #2563eb; }
  </style>
</head>
<body>
  <h1 class="title">{{.Title}}</h1>
  <div class="meta">{{if .ProjectName}}{{.ProjectName}} | {{end}}{{if .Version}}Version {{.Version}} | {{end}}{{.Author}}{{if not .UpdatedAt.IsZero}} | {{.UpdatedAt.Format "Jan 2, 2006"}}{{end}}</div>
  <div class="content">{{.Body}}</div>
</body>
</html>
`))

type templateData struct {
	Document
	Body template.HTML
}

var (
	scriptPattern  = regexp.MustCompile(`(?is)<(script|style|iframe|object)[^>]*>.*?</(script|style|iframe|object)>`)
	handlerPattern = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsURLPattern   = regexp.MustCompile(`(?i)(href|src)\s*=\s*("|')\s*javascript:[^"']*("|')`)
)

// bodyHTML turns stored page content into markup safe to embed: ProseMirror
// JSON is rendered, HTML is stripped of scripts and event handlers.
func bodyHTML(content string) template.HTML {
	if strings.HasPrefix(strings.TrimSpace(content), "{") {
		if rendered, ok := ProseMirrorToHTML(content); ok {
			return template.HTML(rendered)
		}
	}
	clean := scriptPattern.ReplaceAllString(content, "")
	clean = handlerPattern.ReplaceAllString(clean, "")
	clean = jsURLPattern.ReplaceAllString(clean, `$1="#"`)
	return template.HTML(clean)
}

func RenderHTML(doc Document) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, templateData{Document: doc, Body: bodyHTML(doc.Body)}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
