// Package metrics exports Prometheus counters for everything that crosses a
// session's event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/types"
)

// Recorder holds the chatbridge collectors on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	operations      *prometheus.CounterVec
	injections      *prometheus.CounterVec
	injectAttempts  *prometheus.HistogramVec
	executions      *prometheus.CounterVec
	callsDetected   *prometheus.CounterVec
	automationSteps *prometheus.CounterVec
	automationSkips *prometheus.CounterVec
	toggleChanges   *prometheus.CounterVec
	hostChanges     prometheus.Counter
	mcpEnabled      prometheus.Gauge
	sessions        prometheus.Gauge
}

// New creates a recorder. Process and Go runtime collectors are included.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_adapter_transitions_total",
				Help: "Adapter state transitions by adapter and target state",
			},
			[]string{"adapter", "to"},
		),
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_adapter_operations_total",
				Help: "Capability operations by adapter, operation and status",
			},
			[]string{"adapter", "operation", "status"},
		),
		injections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_injections_total",
				Help: "Control surface mounts, heals, removals and failures",
			},
			[]string{"adapter", "event"},
		),
		injectAttempts: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatbridge_injection_attempts",
				Help:    "Attempts needed per mount or failure streak",
				Buckets: []float64{1, 2, 3, 4, 6, 10},
			},
			[]string{"adapter"},
		),
		executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_tool_executions_total",
				Help: "Completed tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		callsDetected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_tool_calls_detected_total",
				Help: "Tool calls found in the host page",
			},
			[]string{"tool"},
		),
		automationSteps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_automation_steps_total",
				Help: "Automation steps by step and status",
			},
			[]string{"step", "status"},
		),
		automationSkips: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_automation_skipped_total",
				Help: "Duplicate actions suppressed by automation",
			},
			[]string{"kind", "reason"},
		),
		toggleChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_toggle_changes_total",
				Help: "Toggle changes by field",
			},
			[]string{"field"},
		),
		hostChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "chatbridge_host_changes_total",
			Help: "Same-document location changes seen by sessions",
		}),
		mcpEnabled: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatbridge_mcp_enabled",
			Help: "1 while the master toggle of the current session is on",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatbridge_sessions_active",
			Help: "Page sessions currently attached",
		}),
	}
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Attach counts every event on bus until the returned function is called.
func (r *Recorder) Attach(bus *events.Bus) (detach func()) {
	r.sessions.Inc()
	sub := bus.SubscribeAll(func(_ context.Context, env events.Envelope) error {
		r.Observe(env.Topic, env.Payload)
		return nil
	})
	return func() {
		sub.Unsubscribe()
		r.sessions.Dec()
		r.mcpEnabled.Set(0)
	}
}

// Observe records one event. Unknown topics and payloads are ignored.
func (r *Recorder) Observe(topic string, payload any) {
	switch p := payload.(type) {
	case events.StateChanged:
		r.transitions.WithLabelValues(p.Adapter, p.To).Inc()
	case events.OperationResult:
		r.operations.WithLabelValues(p.Adapter, string(p.Operation), status(p.Success)).Inc()
	case events.InjectionEvent:
		r.injections.WithLabelValues(p.Adapter, injectionEvent(topic)).Inc()
		if topic == events.TopicInjectionMounted || topic == events.TopicInjectionFailure {
			r.injectAttempts.WithLabelValues(p.Adapter).Observe(float64(p.Attempts))
		}
	case types.ExecutionRecord:
		r.executions.WithLabelValues(p.ToolName, string(p.Status)).Inc()
	case types.FunctionCall:
		r.callsDetected.WithLabelValues(p.ToolName).Inc()
	case events.AutomationStep:
		r.automationSteps.WithLabelValues(p.Step, status(p.Success)).Inc()
	case events.AutomationSkipped:
		r.automationSkips.WithLabelValues(p.Kind, p.Reason).Inc()
	case events.ToggleChanged:
		r.toggleChanges.WithLabelValues(p.Field).Inc()
		if p.State.MCPEnabled {
			r.mcpEnabled.Set(1)
		} else {
			r.mcpEnabled.Set(0)
		}
	case events.HostChanged:
		r.hostChanges.Inc()
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func injectionEvent(topic string) string {
	switch topic {
	case events.TopicInjectionMounted:
		return "mounted"
	case events.TopicInjectionHealed:
		return "healed"
	case events.TopicInjectionRemoved:
		return "removed"
	case events.TopicInjectionFailure:
		return "failure"
	}
	return topic
}
