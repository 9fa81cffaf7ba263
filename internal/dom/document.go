// Package dom abstracts the host page the engine integrates with.
//
// A Document is implemented by the browser drivers (chromedp, playwright) and by
// domtest.Document for tests. Everything above this package talks to the page only
// through these interfaces.
package dom

import (
	"context"

	"github.com/neboloop/chatbridge/internal/types"
)

// QueryKind selects the query language of a Query.
type QueryKind string

const (
	CSS   QueryKind = "css"
	XPath QueryKind = "xpath"
)

// Query addresses zero or more elements in a Document.
type Query struct {
	Kind QueryKind `json:"kind" yaml:"kind"`
	Expr string    `json:"expr" yaml:"expr"`
}

func (q Query) String() string {
	return string(q.Kind) + ":" + q.Expr
}

// Node is a handle to an element found by a Query. Handles are only valid
// until the next host re-render; callers re-locate instead of caching them.
type Node struct {
	Ref   string
	Query Query
}

// Position says where an inserted element goes relative to its anchor.
type Position string

const (
	Prepend Position = "prepend"
	Append  Position = "append"
	Before  Position = "before"
	After   Position = "after"
)

// Element describes an element to insert.
type Element struct {
	ID       string
	Tag      string
	HTML     string
	Attrs    map[string]string
	Position Position
}

// ToastLevel is the severity of an in-page notification.
type ToastLevel string

const (
	ToastInfo    ToastLevel = "info"
	ToastSuccess ToastLevel = "success"
	ToastError   ToastLevel = "error"
)

// Document is the host page.
type Document interface {
	// URL returns the current location.
	URL(ctx context.Context) (string, error)

	// Find returns the first element matching q. A missing element is not an error.
	Find(ctx context.Context, q Query) (Node, bool, error)
	// Texts returns the text content of every element matching q.
	Texts(ctx context.Context, q Query) ([]string, error)

	// Exists reports whether an element with the given id is attached.
	Exists(ctx context.Context, id string) (bool, error)
	Insert(ctx context.Context, anchor Node, el Element) error
	Remove(ctx context.Context, id string) error
	SetVisible(ctx context.Context, id string, visible bool) error
	SetContent(ctx context.Context, id, html string) error

	SetText(ctx context.Context, n Node, text string) error
	Click(ctx context.Context, n Node) error
	PressEnter(ctx context.Context, n Node) error
	SetFiles(ctx context.Context, n Node, files []types.Attachment) error

	Toast(ctx context.Context, msg string, level ToastLevel) error

	// Observe calls fn after structural changes to the document. The returned
	// function stops observation and is safe to call more than once.
	Observe(ctx context.Context, fn func()) (stop func(), err error)
}

// Navigation describes a location change of the page.
type Navigation struct {
	URL string
	// SameDocument is true for history API and fragment changes that keep the page alive.
	SameDocument bool
}

// Navigator is implemented by documents that can report navigations.
type Navigator interface {
	OnNavigate(fn func(Navigation)) (stop func())
}
