// Package markdown renders tool results for the composer and the control surface.
package markdown

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/neboloop/chatbridge/internal/types"
)

// Mode selects how function results are shown in the control surface.
type Mode string

const (
	ModePlain    Mode = "plain"
	ModeMarkdown Mode = "markdown"
)

// ParseMode accepts "plain" or "markdown"; the empty string means plain.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModePlain:
		return ModePlain, nil
	case ModeMarkdown:
		return ModeMarkdown, nil
	}
	return "", fmt.Errorf("unknown rendering mode %q", s)
}

var md goldmark.Markdown

func init() {
	md = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM, // tables, strikethrough, autolinks, task lists
			highlighting.NewHighlighting(
				highlighting.WithStyle("monokai"),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			gmhtml.WithHardWraps(),
		),
	)
}

// Render converts markdown content to HTML. Raw HTML in the input is not passed
// through since tool output ends up inside the host page.
func Render(content string) string {
	if content == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return "<pre>" + html.EscapeString(content) + "</pre>"
	}
	return processExternalLinks(buf.String())
}

// FunctionResult formats an execution as the text inserted into the host composer.
func FunctionResult(rec types.ExecutionRecord) string {
	var b strings.Builder
	b.WriteString("<function_result")
	if rec.CallID != "" {
		fmt.Fprintf(&b, " call_id=%q", rec.CallID)
	}
	fmt.Fprintf(&b, " tool=%q", rec.ToolName)
	if rec.Status == types.StatusError {
		b.WriteString(` status="error"`)
	}
	b.WriteString(">\n")
	b.WriteString(strings.TrimSpace(rec.Result))
	b.WriteString("\n</function_result>")
	return b.String()
}

// ResultHTML renders one execution for the control surface.
func ResultHTML(rec types.ExecutionRecord, mode Mode) string {
	var body string
	if mode == ModeMarkdown {
		body = Render(rec.Result)
	} else {
		body = "<pre>" + html.EscapeString(rec.Result) + "</pre>"
	}
	status := string(rec.Status)
	if status == "" {
		status = string(types.StatusSuccess)
	}
	return fmt.Sprintf(`<div class="cb-result cb-%s" data-call-id="%s"><div class="cb-tool">%s</div>%s</div>`,
		html.EscapeString(status), html.EscapeString(rec.CallID), html.EscapeString(rec.ToolName), body)
}

// SurfaceHTML renders the list of recent executions shown in the control surface.
func SurfaceHTML(recs []types.ExecutionRecord, mode Mode) string {
	if len(recs) == 0 {
		return `<div class="cb-empty">No tool results yet</div>`
	}
	var b strings.Builder
	for _, rec := range recs {
		b.WriteString(ResultHTML(rec, mode))
	}
	return b.String()
}

// processExternalLinks adds target="_blank" rel="noopener noreferrer" to external links.
var linkRe = regexp.MustCompile(`<a href="(https?://[^"]*)"`)

func processExternalLinks(s string) string {
	return linkRe.ReplaceAllStringFunc(s, func(match string) string {
		return match + ` target="_blank" rel="noopener noreferrer"`
	})
}
