// Package notify delivers fire-and-forget user feedback: an in-page toast when a
// document is attached, a native OS notification otherwise.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"

	"github.com/neboloop/chatbridge/internal/dom"
)

// Notifier reports an outcome to the user. Implementations must not block for long
// and never fail the caller.
type Notifier interface {
	Notify(ctx context.Context, level dom.ToastLevel, msg string)
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, level dom.ToastLevel, msg string)

func (f Func) Notify(ctx context.Context, level dom.ToastLevel, msg string) { f(ctx, level, msg) }

// Discard drops every notification.
var Discard Notifier = Func(func(context.Context, dom.ToastLevel, string) {})

// Page toasts into the host document. Errors that cannot be toasted are raised as
// OS notifications so they are not lost.
type Page struct {
	doc   dom.Document
	title string
	send  func(title, body string)
}

// NewPage creates a Page notifier. title is used for OS notifications.
func NewPage(doc dom.Document, title string) *Page {
	return &Page{doc: doc, title: title, send: Send}
}

func (p *Page) Notify(ctx context.Context, level dom.ToastLevel, msg string) {
	err := p.doc.Toast(ctx, msg, level)
	if err == nil {
		return
	}
	slog.Debug("toast failed", "component", "notify", "error", err)
	if level == dom.ToastError {
		p.send(p.title, msg)
	}
}

// Send displays a native OS notification.
// Falls back silently if the notification system is unavailable.
func Send(title, body string) {
	// Sanitize inputs to prevent command injection
	title = sanitize(title)
	body = sanitize(body)

	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		cmd = exec.Command("osascript", "-e", script)

	case "linux":
		cmd = exec.Command("notify-send", "--app-name=chatbridge", title, body)

	case "windows":
		ps := fmt.Sprintf(`
[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] > $null
$template = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
$textNodes = $template.GetElementsByTagName('text')
$textNodes.Item(0).AppendChild($template.CreateTextNode('%s')) > $null
$textNodes.Item(1).AppendChild($template.CreateTextNode('%s')) > $null
$toast = [Windows.UI.Notifications.ToastNotification]::new($template)
[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier('chatbridge').Show($toast)
`, title, body)
		cmd = exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", ps)

	default:
		return
	}

	if err := cmd.Run(); err != nil {
		slog.Debug("os notification failed", "component", "notify", "error", err)
	}
}

// sanitize removes characters that could break shell quoting.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "'", "’")
	s = strings.ReplaceAll(s, "\\", "")
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
