package types

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Capability names an action an adapter knows how to perform on its host page.
type Capability string

const (
	CapTextInsertion  Capability = "text-insertion"
	CapFormSubmission Capability = "form-submission"
	CapFileAttachment Capability = "file-attachment"
)

// KnownCapabilities lists every capability the engine understands.
var KnownCapabilities = []Capability{CapTextInsertion, CapFormSubmission, CapFileAttachment}

// Valid reports whether c is one of KnownCapabilities.
func (c Capability) Valid() bool {
	for _, k := range KnownCapabilities {
		if c == k {
			return true
		}
	}
	return false
}

// CapabilitySet is an immutable set of capabilities.
type CapabilitySet struct {
	caps map[Capability]struct{}
}

// NewCapabilitySet builds a set from the given capabilities. Duplicates collapse.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	m := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		m[c] = struct{}{}
	}
	return CapabilitySet{caps: m}
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.caps[c]
	return ok
}

// Len returns the number of capabilities in the set.
func (s CapabilitySet) Len() int { return len(s.caps) }

// List returns the capabilities in sorted order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s CapabilitySet) String() string {
	parts := make([]string, 0, len(s.caps))
	for _, c := range s.List() {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var list []Capability
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewCapabilitySet(list...)
	return nil
}

// ToggleState holds the user-facing automation switches.
// MCPEnabled is never persisted; see toggle.Manager.
type ToggleState struct {
	MCPEnabled  bool `json:"mcpEnabled"`
	AutoInsert  bool `json:"autoInsert"`
	AutoSubmit  bool `json:"autoSubmit"`
	AutoExecute bool `json:"autoExecute"`
}

// Persistable returns a copy with session-only fields cleared.
func (t ToggleState) Persistable() ToggleState {
	t.MCPEnabled = false
	return t
}

// ExecutionStatus is the outcome of a tool execution.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusError   ExecutionStatus = "error"
)

// ExecutionRecord is produced by the tool backend for every finished call.
type ExecutionRecord struct {
	ID         string          `json:"id"`
	CallID     string          `json:"callId,omitempty"`
	ToolName   string          `json:"toolName"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Result     string          `json:"result"`
	Status     ExecutionStatus `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
}

// FunctionCall is a tool invocation found in the host page's output.
type FunctionCall struct {
	CallID     string         `json:"callId"`
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Fingerprint identifies content already acted on by automation.
type Fingerprint struct {
	ContentHash string    `json:"contentHash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Attachment is a file handed to an adapter's file-attachment capability.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

// InjectionTarget describes a mounted control surface.
type InjectionTarget struct {
	ID     string `json:"id"`
	Anchor string `json:"anchor"`
}
