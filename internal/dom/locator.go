package dom

import (
	"context"
	"fmt"
	"strings"

	"github.com/neboloop/chatbridge/internal/types"
)

// Locator is one strategy for finding an element.
type Locator interface {
	TryLocate(ctx context.Context, doc Document) (Node, bool, error)
	String() string
}

type queryLocator struct {
	q Query
}

// ByCSS locates the first element matching a CSS selector.
func ByCSS(selector string) Locator {
	return queryLocator{q: Query{Kind: CSS, Expr: selector}}
}

// ByXPath locates the first element matching an XPath expression.
func ByXPath(expr string) Locator {
	return queryLocator{q: Query{Kind: XPath, Expr: expr}}
}

// ByQuery locates using an already-built Query.
func ByQuery(q Query) Locator {
	return queryLocator{q: q}
}

func (l queryLocator) TryLocate(ctx context.Context, doc Document) (Node, bool, error) {
	return doc.Find(ctx, l.q)
}

func (l queryLocator) String() string { return l.q.String() }

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc struct {
	Name string
	Fn   func(ctx context.Context, doc Document) (Node, bool, error)
}

func (f LocatorFunc) TryLocate(ctx context.Context, doc Document) (Node, bool, error) {
	return f.Fn(ctx, doc)
}

func (f LocatorFunc) String() string { return "func:" + f.Name }

// Locate tries each locator in order and returns the first match.
// Strategy errors are skipped so a broken fallback cannot hide a working one;
// if nothing matches the last error is wrapped together with types.ErrNotFound.
func Locate(ctx context.Context, doc Document, locators ...Locator) (Node, Locator, error) {
	var lastErr error
	for _, l := range locators {
		if err := ctx.Err(); err != nil {
			return Node{}, nil, err
		}
		n, ok, err := l.TryLocate(ctx, doc)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return n, l, nil
		}
	}
	if lastErr != nil {
		return Node{}, nil, fmt.Errorf("%w: %s (last error: %v)", types.ErrNotFound, describe(locators), lastErr)
	}
	return Node{}, nil, fmt.Errorf("%w: %s", types.ErrNotFound, describe(locators))
}

func describe(locators []Locator) string {
	parts := make([]string, len(locators))
	for i, l := range locators {
		parts[i] = l.String()
	}
	return strings.Join(parts, " | ")
}
