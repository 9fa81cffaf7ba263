// Package sites holds the per-site glue: locator tables for the chat pages chatbridge
// knows, YAML site definitions from the data directory, and the parser for tool
// calls written by the host model.
package sites

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/types"
)

// DefaultSurfaceID is the id of the injected control surface.
const DefaultSurfaceID = "chatbridge-surface"

// Table describes a chat page through ordered locator lists.
type Table struct {
	SurfaceID string
	Position  dom.Position
	Anchor    []dom.Locator
	Composer  []dom.Locator
	// Submit locates the send button. Without a match the composer gets an Enter key.
	Submit    []dom.Locator
	FileInput []dom.Locator
	// Calls address the elements whose text may contain tool calls.
	Calls []dom.Query
}

// Capabilities derives the capabilities the table can back.
func (t Table) Capabilities() types.CapabilitySet {
	var caps []types.Capability
	if len(t.Composer) > 0 {
		caps = append(caps, types.CapTextInsertion, types.CapFormSubmission)
	}
	if len(t.FileInput) > 0 {
		caps = append(caps, types.CapFileAttachment)
	}
	return types.NewCapabilitySet(caps...)
}

// Check reports capabilities declared without the locators to back them.
func (t Table) Check(declared types.CapabilitySet) error {
	if len(t.Anchor) == 0 {
		return fmt.Errorf("surface anchor locators are required")
	}
	have := t.Capabilities()
	for _, c := range declared.List() {
		if !have.Has(c) {
			return fmt.Errorf("capability %s declared without locators", c)
		}
	}
	return nil
}

// TableSite is an adapter.Site driven by a Table. One instance belongs to one
// adapter instance.
type TableSite struct {
	name  string
	table Table

	mu       sync.Mutex
	attached []types.Attachment
}

var (
	_ adapter.Initializer   = (*TableSite)(nil)
	_ adapter.TextInserter  = (*TableSite)(nil)
	_ adapter.FormSubmitter = (*TableSite)(nil)
	_ adapter.FileAttacher  = (*TableSite)(nil)
	_ adapter.CallDetector  = (*TableSite)(nil)
)

// NewTableSite creates the site glue for adapter name.
func NewTableSite(name string, t Table) *TableSite {
	if t.SurfaceID == "" {
		t.SurfaceID = DefaultSurfaceID
	}
	if t.Position == "" {
		t.Position = dom.Before
	}
	return &TableSite{name: name, table: t}
}

func (s *TableSite) SurfaceLocators() []dom.Locator { return s.table.Anchor }

func (s *TableSite) Surface() dom.Element {
	return dom.Element{
		ID:       s.table.SurfaceID,
		Tag:      "div",
		HTML:     surfaceHTML,
		Position: s.table.Position,
		Attrs:    map[string]string{"data-chatbridge": s.name, "class": "chatbridge-surface"},
	}
}

// Init checks that the page answers before the adapter goes IDLE.
func (s *TableSite) Init(ctx context.Context, doc dom.Document) error {
	_, err := doc.URL(ctx)
	return err
}

func (s *TableSite) InsertText(ctx context.Context, doc dom.Document, text string) error {
	n, _, err := dom.Locate(ctx, doc, s.table.Composer...)
	if err != nil {
		return fmt.Errorf("composer: %w", err)
	}
	return doc.SetText(ctx, n, text)
}

func (s *TableSite) SubmitForm(ctx context.Context, doc dom.Document) error {
	if len(s.table.Submit) > 0 {
		if n, _, err := dom.Locate(ctx, doc, s.table.Submit...); err == nil {
			return doc.Click(ctx, n)
		}
	}
	n, _, err := dom.Locate(ctx, doc, s.table.Composer...)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return doc.PressEnter(ctx, n)
}

func (s *TableSite) AttachFile(ctx context.Context, doc dom.Document, file types.Attachment) error {
	n, _, err := dom.Locate(ctx, doc, s.table.FileInput...)
	if err != nil {
		return fmt.Errorf("file input: %w", err)
	}
	s.mu.Lock()
	files := slices.DeleteFunc(slices.Clone(s.attached), func(a types.Attachment) bool { return a.Name == file.Name })
	files = append(files, file)
	s.mu.Unlock()

	if err := doc.SetFiles(ctx, n, files); err != nil {
		return err
	}
	s.mu.Lock()
	s.attached = files
	s.mu.Unlock()
	return nil
}

func (s *TableSite) DetachFile(ctx context.Context, doc dom.Document, name string) error {
	s.mu.Lock()
	files := slices.DeleteFunc(slices.Clone(s.attached), func(a types.Attachment) bool { return a.Name == name })
	unchanged := len(files) == len(s.attached)
	s.mu.Unlock()
	if unchanged {
		return fmt.Errorf("%s: %w", name, types.ErrNotFound)
	}

	n, _, err := dom.Locate(ctx, doc, s.table.FileInput...)
	if err != nil {
		return fmt.Errorf("file input: %w", err)
	}
	if err := doc.SetFiles(ctx, n, files); err != nil {
		return err
	}
	s.mu.Lock()
	s.attached = files
	s.mu.Unlock()
	return nil
}

// DetectCalls returns every complete tool call in the page's messages.
func (s *TableSite) DetectCalls(ctx context.Context, doc dom.Document) ([]types.FunctionCall, error) {
	var calls []types.FunctionCall
	for _, q := range s.table.Calls {
		texts, err := doc.Texts(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, text := range texts {
			calls = append(calls, ParseFunctionCalls(text)...)
		}
	}
	return calls, nil
}

const surfaceHTML = `<div class="chatbridge-header">chatbridge</div><div class="chatbridge-results"></div>`
