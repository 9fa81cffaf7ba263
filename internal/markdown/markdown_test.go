package markdown

import (
	"strings"
	"testing"

	"github.com/neboloop/chatbridge/internal/types"
)

func TestRenderEmpty(t *testing.T) {
	if got := Render(""); got != "" {
		t.Errorf("Render(\"\") = %q, want \"\"", got)
	}
}

func TestRenderBasicMarkdown(t *testing.T) {
	html := Render("**bold** and *italic*")
	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("Expected <strong>bold</strong>, got: %s", html)
	}
	if !strings.Contains(html, "<em>italic</em>") {
		t.Errorf("Expected <em>italic</em>, got: %s", html)
	}
}

func TestRenderGFMTable(t *testing.T) {
	html := Render("| A | B |\n|---|---|\n| 1 | 2 |")
	if !strings.Contains(html, "<table>") {
		t.Errorf("Expected table HTML, got: %s", html)
	}
}

func TestRenderDropsRawHTML(t *testing.T) {
	html := Render("<script>alert(1)</script>")
	if strings.Contains(html, "<script>") {
		t.Errorf("raw HTML passed through: %s", html)
	}
}

func TestRenderExternalLinks(t *testing.T) {
	html := Render("[docs](https://example.com)")
	if !strings.Contains(html, `target="_blank"`) {
		t.Errorf("Expected target=_blank on external link, got: %s", html)
	}
}

func TestFunctionResult(t *testing.T) {
	got := FunctionResult(types.ExecutionRecord{CallID: "c1", ToolName: "search", Result: "  42\n", Status: types.StatusSuccess})
	want := "<function_result call_id=\"c1\" tool=\"search\">\n42\n</function_result>"
	if got != want {
		t.Errorf("FunctionResult = %q, want %q", got, want)
	}

	got = FunctionResult(types.ExecutionRecord{ToolName: "search", Result: "boom", Status: types.StatusError})
	if !strings.Contains(got, `status="error"`) || strings.Contains(got, "call_id") {
		t.Errorf("unexpected error result: %q", got)
	}
}

func TestResultHTMLModes(t *testing.T) {
	rec := types.ExecutionRecord{CallID: "c1", ToolName: "t<1>", Result: "**x**"}

	plain := ResultHTML(rec, ModePlain)
	if !strings.Contains(plain, "<pre>**x**</pre>") || !strings.Contains(plain, "t&lt;1&gt;") {
		t.Errorf("plain rendering: %s", plain)
	}
	rich := ResultHTML(rec, ModeMarkdown)
	if !strings.Contains(rich, "<strong>x</strong>") {
		t.Errorf("markdown rendering: %s", rich)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModePlain, "Plain": ModePlain, "markdown": ModeMarkdown} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("html"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
