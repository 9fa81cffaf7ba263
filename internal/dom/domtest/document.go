// Package domtest provides an in-memory dom.Document for tests.
package domtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/types"
)

// Action is a recorded interaction with the document.
type Action struct {
	Kind  string
	Ref   string
	Value string
}

// Element is an element inserted through Insert.
type Element struct {
	dom.Element
	Anchor  string
	Visible bool
}

// Document is a scriptable fake host page. Elements that "belong to the site" are
// modelled as query expressions that currently match; injected elements are kept by id.
type Document struct {
	mu sync.Mutex

	url       string
	matches   map[string]bool
	texts     map[string][]string
	elements  map[string]*Element
	failFinds int
	findCalls int
	inserts   int
	removes   int
	actions   []Action
	failing   map[string]error
	toasts    []string

	nextObs   int
	observers map[int]func()
	nextNav   int
	navs      map[int]func(dom.Navigation)
}

var (
	_ dom.Document  = (*Document)(nil)
	_ dom.Navigator = (*Document)(nil)
)

// New returns an empty document at url.
func New(url string) *Document {
	return &Document{
		url:       url,
		matches:   make(map[string]bool),
		texts:     make(map[string][]string),
		elements:  make(map[string]*Element),
		failing:   make(map[string]error),
		observers: make(map[int]func()),
		navs:      make(map[int]func(dom.Navigation)),
	}
}

// AddMatch makes queries with this expression match an element.
func (d *Document) AddMatch(expr string) {
	d.mu.Lock()
	d.matches[expr] = true
	d.mu.Unlock()
}

// RemoveMatch makes queries with this expression stop matching.
func (d *Document) RemoveMatch(expr string) {
	d.mu.Lock()
	delete(d.matches, expr)
	d.mu.Unlock()
}

// SetTexts sets what Texts returns for expr.
func (d *Document) SetTexts(expr string, texts ...string) {
	d.mu.Lock()
	d.texts[expr] = texts
	d.mu.Unlock()
}

// FailFinds makes the next n Find calls report no match regardless of state.
func (d *Document) FailFinds(n int) {
	d.mu.Lock()
	d.failFinds = n
	d.mu.Unlock()
}

// FailAction makes every action of the given kind return err until cleared with nil.
func (d *Document) FailAction(kind string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failing, kind)
		return
	}
	d.failing[kind] = err
}

// ExternalRemove deletes an injected element the way a host re-render would,
// then notifies observers.
func (d *Document) ExternalRemove(id string) {
	d.mu.Lock()
	delete(d.elements, id)
	d.mu.Unlock()
	d.Mutate()
}

// Detach deletes an injected element without notifying observers.
func (d *Document) Detach(id string) {
	d.mu.Lock()
	delete(d.elements, id)
	d.mu.Unlock()
}

// Mutate notifies every observer of a structural change.
func (d *Document) Mutate() {
	d.mu.Lock()
	obs := make([]func(), 0, len(d.observers))
	keys := make([]int, 0, len(d.observers))
	for k := range d.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		obs = append(obs, d.observers[k])
	}
	d.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
}

// Navigate changes the URL and notifies navigation listeners.
func (d *Document) Navigate(url string, sameDocument bool) {
	d.mu.Lock()
	d.url = url
	if !sameDocument {
		d.elements = make(map[string]*Element)
	}
	listeners := make([]func(dom.Navigation), 0, len(d.navs))
	for _, fn := range d.navs {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(dom.Navigation{URL: url, SameDocument: sameDocument})
	}
}

// Element returns a copy of the injected element with id.
func (d *Document) Element(id string) (Element, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.elements[id]
	if !ok {
		return Element{}, false
	}
	return *el, true
}

// FindCalls returns how many times Find was called.
func (d *Document) FindCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findCalls
}

// Inserts returns how many elements were inserted.
func (d *Document) Inserts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inserts
}

// Removes returns how many elements were removed through Remove.
func (d *Document) Removes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removes
}

// Actions returns recorded interactions, optionally filtered by kind.
func (d *Document) Actions(kind string) []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Action
	for _, a := range d.actions {
		if kind == "" || a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Toasts returns the messages shown through Toast.
func (d *Document) Toasts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.toasts...)
}

// ObserverCount returns the number of live observers.
func (d *Document) ObserverCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

func (d *Document) URL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *Document) Find(ctx context.Context, q dom.Query) (dom.Node, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.findCalls++
	if d.failFinds > 0 {
		d.failFinds--
		return dom.Node{}, false, nil
	}
	if !d.matches[q.Expr] {
		return dom.Node{}, false, nil
	}
	return dom.Node{Ref: q.Expr, Query: q}, true, nil
}

func (d *Document) Texts(ctx context.Context, q dom.Query) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts[q.Expr]...), nil
}

func (d *Document) Exists(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.elements[id]
	return ok, nil
}

func (d *Document) Insert(ctx context.Context, anchor dom.Node, el dom.Element) error {
	d.mu.Lock()
	if err := d.failing["insert"]; err != nil {
		d.mu.Unlock()
		return err
	}
	if _, dup := d.elements[el.ID]; dup {
		d.mu.Unlock()
		return fmt.Errorf("duplicate element id %q", el.ID)
	}
	d.elements[el.ID] = &Element{Element: el, Anchor: anchor.Ref, Visible: true}
	d.inserts++
	d.mu.Unlock()
	d.Mutate()
	return nil
}

func (d *Document) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	if _, ok := d.elements[id]; !ok {
		d.mu.Unlock()
		return nil
	}
	delete(d.elements, id)
	d.removes++
	d.mu.Unlock()
	d.Mutate()
	return nil
}

func (d *Document) SetVisible(ctx context.Context, id string, visible bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.elements[id]
	if !ok {
		return types.ErrNotFound
	}
	el.Visible = visible
	return nil
}

func (d *Document) SetContent(ctx context.Context, id, html string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.elements[id]
	if !ok {
		return types.ErrNotFound
	}
	el.HTML = html
	return nil
}

func (d *Document) SetText(ctx context.Context, n dom.Node, text string) error {
	return d.record("setText", n.Ref, text)
}

func (d *Document) Click(ctx context.Context, n dom.Node) error {
	return d.record("click", n.Ref, "")
}

func (d *Document) PressEnter(ctx context.Context, n dom.Node) error {
	return d.record("enter", n.Ref, "")
}

func (d *Document) SetFiles(ctx context.Context, n dom.Node, files []types.Attachment) error {
	names := ""
	for i, f := range files {
		if i > 0 {
			names += ","
		}
		names += f.Name
	}
	return d.record("setFiles", n.Ref, names)
}

func (d *Document) Toast(ctx context.Context, msg string, level dom.ToastLevel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toasts = append(d.toasts, string(level)+": "+msg)
	return nil
}

func (d *Document) Observe(ctx context.Context, fn func()) (func(), error) {
	d.mu.Lock()
	d.nextObs++
	id := d.nextObs
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
		})
	}, nil
}

func (d *Document) OnNavigate(fn func(dom.Navigation)) func() {
	d.mu.Lock()
	d.nextNav++
	id := d.nextNav
	d.navs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.navs, id)
		d.mu.Unlock()
	}
}

func (d *Document) record(kind, ref, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failing[kind]; err != nil {
		return err
	}
	d.actions = append(d.actions, Action{Kind: kind, Ref: ref, Value: value})
	return nil
}
