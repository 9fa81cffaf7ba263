package events

import (
	"time"

	"github.com/neboloop/chatbridge/internal/types"
)

// TopicAll is the wildcard topic; see Bus.SubscribeAll.
const TopicAll = "*"

const (
	TopicAdapterStateChanged = "adapter.state_changed"
	TopicAdapterOperation    = "adapter.operation"

	TopicInjectionMounted = "injection.mounted"
	TopicInjectionHealed  = "injection.healed"
	TopicInjectionFailure = "injection.failure"
	TopicInjectionRemoved = "injection.removed"

	TopicToolExecutionCompleted = "tool.execution.completed"
	TopicToolCallDetected       = "tool.call.detected"

	TopicAutomationStep    = "automation.step"
	TopicAutomationSkipped = "automation.skipped"

	TopicToggleChanged = "toggle.changed"
	TopicHostChanged   = "host.changed"
)

// StateChanged is emitted after every adapter state transition.
type StateChanged struct {
	Adapter string    `json:"adapter"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Time    time.Time `json:"time"`
}

// OperationResult reports the outcome of a capability operation.
type OperationResult struct {
	Adapter   string           `json:"adapter"`
	Operation types.Capability `json:"operation"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
}

// InjectionEvent describes a control surface mount, heal or removal.
type InjectionEvent struct {
	Adapter  string `json:"adapter"`
	ID       string `json:"id"`
	Anchor   string `json:"anchor,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// AutomationStep reports a single insert or submit performed by automation.
type AutomationStep struct {
	Step    string `json:"step"`
	Tool    string `json:"tool,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AutomationSkipped is emitted when automation suppresses a duplicate.
type AutomationSkipped struct {
	Kind        string `json:"kind"`
	ContentHash string `json:"contentHash"`
	Reason      string `json:"reason"`
}

// ToggleChanged carries the full toggle state after a change.
type ToggleChanged struct {
	Field string            `json:"field"`
	State types.ToggleState `json:"state"`
}

// HostChanged is emitted when the page location changes without a full reload.
type HostChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}
