package dom_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/dom/domtest"
	"github.com/neboloop/chatbridge/internal/types"
)

func TestLocateFirstMatchWins(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch("#fallback")
	doc.AddMatch("//main")

	n, l, err := dom.Locate(context.Background(), doc,
		dom.ByCSS("#primary"),
		dom.ByXPath("//main"),
		dom.ByCSS("#fallback"),
	)
	require.NoError(t, err)
	assert.Equal(t, "//main", n.Ref)
	assert.Equal(t, "xpath://main", l.String())
}

func TestLocateNoMatchIsNotFound(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")

	_, _, err := dom.Locate(context.Background(), doc, dom.ByCSS("#a"), dom.ByCSS("#b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.Contains(t, err.Error(), "css:#a | css:#b")
}

func TestLocateSkipsFailingStrategy(t *testing.T) {
	doc := domtest.New("https://chat.example.com/")
	doc.AddMatch("#ok")

	broken := dom.LocatorFunc{Name: "broken", Fn: func(context.Context, dom.Document) (dom.Node, bool, error) {
		return dom.Node{}, false, errors.New("eval failed")
	}}

	n, _, err := dom.Locate(context.Background(), doc, broken, dom.ByCSS("#ok"))
	require.NoError(t, err)
	assert.Equal(t, "#ok", n.Ref)
}
