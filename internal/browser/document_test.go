package browser

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/types"
)

// fakeEngine answers scripts with the first reply whose key the script contains.
type fakeEngine struct {
	mu      sync.Mutex
	replies []reply
	scripts []string
	binding func(string)
	bound   []string
	navs    []func(dom.Navigation)
	closed  bool
}

type reply struct {
	contains string
	result   string
	err      error
}

func (f *fakeEngine) on(contains, result string) {
	f.mu.Lock()
	f.replies = append(f.replies, reply{contains: contains, result: result})
	f.mu.Unlock()
}

func (f *fakeEngine) Evaluate(ctx context.Context, script string, out any) error {
	f.mu.Lock()
	f.scripts = append(f.scripts, script)
	replies := append([]reply(nil), f.replies...)
	f.mu.Unlock()

	for _, r := range replies {
		if strings.Contains(script, r.contains) {
			if r.err != nil {
				return r.err
			}
			return json.Unmarshal([]byte(r.result), out)
		}
	}
	return json.Unmarshal([]byte(`{"ok":true}`), out)
}

func (f *fakeEngine) Bind(ctx context.Context, name string, fn func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = append(f.bound, name)
	f.binding = fn
	return nil
}

func (f *fakeEngine) OnNavigate(fn func(dom.Navigation)) func() {
	f.mu.Lock()
	f.navs = append(f.navs, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func (f *fakeEngine) navigate(nav dom.Navigation) {
	f.mu.Lock()
	navs := append(([]func(dom.Navigation))(nil), f.navs...)
	f.mu.Unlock()
	for _, fn := range navs {
		fn(nav)
	}
}

func (f *fakeEngine) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.scripts {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

func TestDocumentQueries(t *testing.T) {
	eng := &fakeEngine{}
	eng.on("location.href", `{"ok":true,"value":"https://chatgpt.com/c/1"}`)
	eng.on(`__find("css","form")`, `{"ok":true,"value":true}`)
	eng.on(`__find("css","#gone")`, `{"ok":true,"value":false}`)
	eng.on(`__findAll("css",".msg")`, `{"ok":true,"value":["one","two"]}`)
	doc := NewDocument(eng, time.Second, nil)
	ctx := context.Background()

	u, err := doc.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://chatgpt.com/c/1", u)

	n, ok, err := doc.Find(ctx, dom.Query{Kind: dom.CSS, Expr: "form"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "css:form", n.Ref)

	_, ok, err = doc.Find(ctx, dom.Query{Kind: dom.CSS, Expr: "#gone"})
	require.NoError(t, err)
	assert.False(t, ok)

	texts, err := doc.Texts(ctx, dom.Query{Kind: dom.CSS, Expr: ".msg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, texts)
}

func TestDocumentErrors(t *testing.T) {
	eng := &fakeEngine{}
	eng.on("n.style.display", `{"ok":false,"missing":true}`)
	eng.on("n.click()", `{"ok":false,"error":"boom"}`)
	eng.mu.Lock()
	eng.replies = append(eng.replies, reply{contains: "n.innerHTML", err: errors.New("target closed")})
	eng.mu.Unlock()
	doc := NewDocument(eng, time.Second, nil)
	ctx := context.Background()

	err := doc.SetVisible(ctx, "surface", false)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	err = doc.Click(ctx, dom.Node{Query: dom.Query{Kind: dom.CSS, Expr: "button"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	err = doc.SetContent(ctx, "surface", "<p>x</p>")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target closed")
}

func TestDocumentActionsReuseNodeQuery(t *testing.T) {
	eng := &fakeEngine{}
	doc := NewDocument(eng, time.Second, nil)
	n := dom.Node{Ref: "css:textarea", Query: dom.Query{Kind: dom.CSS, Expr: "textarea"}}

	require.NoError(t, doc.SetText(context.Background(), n, "hi"))
	require.NoError(t, doc.PressEnter(context.Background(), n))
	assert.Equal(t, 2, eng.count(`__find("css","textarea")`))
}

func TestDocumentObserve(t *testing.T) {
	eng := &fakeEngine{}
	doc := NewDocument(eng, time.Second, nil)
	ctx := context.Background()

	var calls1, calls2 int
	stop1, err := doc.Observe(ctx, func() { calls1++ })
	require.NoError(t, err)
	stop2, err := doc.Observe(ctx, func() { calls2++ })
	require.NoError(t, err)

	assert.Equal(t, []string{bindingName}, eng.bound, "binding is exposed once")
	assert.Equal(t, 2, eng.count("new MutationObserver"))

	eng.binding("mutation")
	assert.Equal(t, 1, calls1)
	assert.Equal(t, 1, calls2)

	// A new document needs the observer again and counts as a change.
	eng.navigate(dom.Navigation{URL: "https://chatgpt.com/"})
	assert.Equal(t, 3, eng.count("new MutationObserver"))
	assert.Equal(t, 2, calls1)

	eng.navigate(dom.Navigation{URL: "https://chatgpt.com/#x", SameDocument: true})
	assert.Equal(t, 3, eng.count("new MutationObserver"))

	stop1()
	stop1()
	assert.Equal(t, 0, eng.count("disconnect()"))
	stop2()
	assert.Equal(t, 1, eng.count("disconnect()"))

	eng.binding("mutation")
	assert.Equal(t, 2, calls1)

	require.NoError(t, doc.Close())
	assert.True(t, eng.closed)
}
