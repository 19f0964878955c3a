package export

import (
	"fmt"
	"html"
	"strings"

	"github.com/bytedance/sonic"
)

// pmNode is a ProseMirror document node as stored by editors that save
// JSON instead of HTML.
type pmNode struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs"`
	Content []pmNode       `json:"content"`
	Text    string         `json:"text"`
	Marks   []pmMark       `json:"marks"`
}

type pmMark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs"`
}

var blockTags = map[string]string{
	"paragraph":   "p",
	"bulletList":  "ul",
	"orderedList": "ol",
	"listItem":    "li",
	"blockquote":  "blockquote",
	"table":       "table",
	"tableRow":    "tr",
	"tableCell":   "td",
	"tableHeader": "th",
}

var markTags = map[string]string{
	"bold":      "strong",
	"italic":    "em",
	"code":      "code",
	"strike":    "s",
	"underline": "u",
}

// ProseMirrorToHTML renders a ProseMirror JSON document. ok is false when
// raw is not one.
func ProseMirrorToHTML(raw string) (string, bool) {
	var doc pmNode
	if err := sonic.UnmarshalString(raw, &doc); err != nil || doc.Type != "doc" {
		return "", false
	}
	var b strings.Builder
	renderChildren(&b, doc.Content)
	return b.String(), true
}

func renderChildren(b *strings.Builder, nodes []pmNode) {
	for _, n := range nodes {
		renderNode(b, n)
	}
}

func renderNode(b *strings.Builder, n pmNode) {
	if tag, ok := blockTags[n.Type]; ok {
		fmt.Fprintf(b, "<%s>", tag)
		renderChildren(b, n.Content)
		fmt.Fprintf(b, "</%s>\n", tag)
		return
	}
	switch n.Type {
	case "heading":
		level := 1
		if lvl, ok := n.Attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
			level = int(lvl)
		}
		fmt.Fprintf(b, "<h%d>", level)
		renderChildren(b, n.Content)
		fmt.Fprintf(b, "</h%d>\n", level)
	case "codeBlock":
		var inner strings.Builder
		for _, c := range n.Content {
			inner.WriteString(c.Text)
		}
		fmt.Fprintf(b, "<pre><code>%s</code></pre>\n", html.EscapeString(inner.String()))
	case "mention":
		id, _ := n.Attrs["id"].(string)
		label, _ := n.Attrs["label"].(string)
		fmt.Fprintf(b, `<span data-type="mention" data-id="%s">@%s</span>`, html.EscapeString(id), html.EscapeString(label))
	case "text":
		b.WriteString(renderText(n.Text, n.Marks))
	case "hardBreak":
		b.WriteString("<br>")
	case "horizontalRule":
		b.WriteString("<hr>\n")
	default:
		renderChildren(b, n.Content)
	}
}

// renderText wraps text in its marks, the first mark outermost.
func renderText(text string, marks []pmMark) string {
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		m := marks[i]
		if tag, ok := markTags[m.Type]; ok {
			out = fmt.Sprintf("<%s>%s</%s>", tag, out, tag)
			continue
		}
		if m.Type == "link" {
			href, _ := m.Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}
