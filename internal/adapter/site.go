package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/types"
)

// Descriptor identifies an adapter and what it can do. It is immutable once registered.
type Descriptor struct {
	Name    string
	Version string
	// Hosts are glob patterns matched against "host/path", e.g. "chatgpt.com/**".
	// A pattern without a slash matches every path on that host.
	Hosts        []string
	Capabilities types.CapabilitySet
	// Priority orders resolution; higher wins, ties keep registration order.
	Priority int
}

// Validate checks the descriptor's fields and compiles its host patterns.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("descriptor name is required")
	}
	if len(d.Hosts) == 0 {
		return fmt.Errorf("adapter %s: at least one host pattern is required", d.Name)
	}
	for _, c := range d.Capabilities.List() {
		if !c.Valid() {
			return fmt.Errorf("adapter %s: unknown capability %q", d.Name, c)
		}
	}
	_, err := d.Matcher()
	return err
}

// Matcher compiles the host patterns.
func (d Descriptor) Matcher() (*HostMatcher, error) {
	m := &HostMatcher{}
	for _, p := range d.Hosts {
		host, path, hasPath := strings.Cut(p, "/")
		hg, err := glob.Compile(host, '.')
		if err != nil {
			return nil, fmt.Errorf("adapter %s: invalid host pattern %q: %w", d.Name, p, err)
		}
		var pg glob.Glob
		if hasPath {
			pg, err = glob.Compile("/"+path, '/')
			if err != nil {
				return nil, fmt.Errorf("adapter %s: invalid path pattern %q: %w", d.Name, p, err)
			}
		}
		m.patterns = append(m.patterns, hostPattern{host: hg, path: pg})
	}
	return m, nil
}

type hostPattern struct {
	host glob.Glob
	path glob.Glob
}

// HostMatcher matches locations against a descriptor's host patterns.
type HostMatcher struct {
	patterns []hostPattern
}

// Match reports whether host and path match any pattern.
func (m *HostMatcher) Match(host, path string) bool {
	if path == "" {
		path = "/"
	}
	for _, p := range m.patterns {
		if !p.host.Match(host) {
			continue
		}
		if p.path == nil || p.path.Match(path) {
			return true
		}
	}
	return false
}

// MatchHost reports whether any pattern matches host, ignoring paths.
func (m *HostMatcher) MatchHost(host string) bool {
	for _, p := range m.patterns {
		if p.host.Match(host) {
			return true
		}
	}
	return false
}

// Site is the per-site glue behind an adapter.
type Site interface {
	// SurfaceLocators find where the control surface is inserted, in priority order.
	SurfaceLocators() []dom.Locator
	// Surface describes the control surface element.
	Surface() dom.Element
}

// Initializer is implemented by sites that need setup while INITIALIZING.
type Initializer interface {
	Init(ctx context.Context, doc dom.Document) error
}

// TextInserter backs the text-insertion capability.
type TextInserter interface {
	InsertText(ctx context.Context, doc dom.Document, text string) error
}

// FormSubmitter backs the form-submission capability.
type FormSubmitter interface {
	SubmitForm(ctx context.Context, doc dom.Document) error
}

// FileAttacher backs the file-attachment capability.
type FileAttacher interface {
	AttachFile(ctx context.Context, doc dom.Document, file types.Attachment) error
	DetachFile(ctx context.Context, doc dom.Document, name string) error
}

// CallDetector is implemented by sites that can find tool calls in the page.
type CallDetector interface {
	DetectCalls(ctx context.Context, doc dom.Document) ([]types.FunctionCall, error)
}

// CheckCapabilities verifies that every declared capability is backed by site.
func CheckCapabilities(d Descriptor, site Site) error {
	var missing []string
	if d.Capabilities.Has(types.CapTextInsertion) {
		if _, ok := site.(TextInserter); !ok {
			missing = append(missing, string(types.CapTextInsertion))
		}
	}
	if d.Capabilities.Has(types.CapFormSubmission) {
		if _, ok := site.(FormSubmitter); !ok {
			missing = append(missing, string(types.CapFormSubmission))
		}
	}
	if d.Capabilities.Has(types.CapFileAttachment) {
		if _, ok := site.(FileAttacher); !ok {
			missing = append(missing, string(types.CapFileAttachment))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("adapter %s declares %s without implementing it", d.Name, strings.Join(missing, ", "))
	}
	return nil
}
