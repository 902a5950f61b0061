// Package agents defines the runtime agents that inspect and maintain
// the node, and the registry that decides which of them run. Agents
// are small, single-purpose handlers (network checks, provisioning,
// toolchain verification) executed in registration order. A failing
// agent never stops the run: its error becomes a recorded result and
// the registry moves on.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cinderd/cinder/internal/config"
	"github.com/cinderd/cinder/internal/events"
)

// Trigger constants name the lifecycle moments agents can subscribe to.
const (
	// TriggerBootstrap fires once at node startup.
	TriggerBootstrap = "bootstrap"
	// TriggerReload fires after a configuration reload.
	TriggerReload = "reload"
	// TriggerManual fires when an operator runs agents on demand.
	TriggerManual = "manual"
)

// ErrDuplicateAgent is returned when two agents register the same
// name. Registration happens once at wiring time, so this is treated
// as a programming error by callers.
var ErrDuplicateAgent = errors.New("agent already registered")

// HandlerFunc is the body of an agent. Handlers read their settings
// from the bundle and must return a result even on partial progress;
// returning an error converts the run to a [config.StatusError]
// result without disturbing other agents.
type HandlerFunc func(ctx context.Context, bundle *config.Bundle) (config.AgentResult, error)

// Descriptor declares an agent to the registry.
type Descriptor struct {
	// Name is the unique agent name, e.g. "network.agent".
	Name string
	// Description is a one-line operator-facing summary.
	Description string
	// Triggers lists the lifecycle moments this agent runs on. An
	// empty list means bootstrap only.
	Triggers []string
	// DefaultEnabled applies when no agents.enabled allow-list is
	// configured. Opt-in agents (test, update) set this false.
	DefaultEnabled bool
	// RequiresReady skips the agent, with a recorded skip result,
	// whenever the bundle readiness is not ready.
	RequiresReady bool
	// Handler does the work.
	Handler HandlerFunc
}

// RunResult pairs an agent name with the result its run produced.
type RunResult struct {
	Name   string
	Result config.AgentResult
}

// Registry holds the registered agents in registration order and runs
// them against a configuration bundle.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus

	order  []string
	byName map[string]Descriptor
}

// NewRegistry creates an empty agent registry. The bus may be nil.
func NewRegistry(logger *slog.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		bus:    bus,
		byName: make(map[string]Descriptor),
	}
}

// Register adds an agent. Returns [ErrDuplicateAgent] if the name is
// already taken; callers treat that as fatal at startup.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("agent descriptor missing name")
	}
	if d.Handler == nil {
		return fmt.Errorf("agent %q has no handler", d.Name)
	}
	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, d.Name)
	}
	if len(d.Triggers) == 0 {
		d.Triggers = []string{TriggerBootstrap}
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Descriptors returns all registered agents in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Lookup returns the descriptor for a name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Enabled computes the effective enablement set for a bundle. A
// non-empty agents.enabled allow-list wins absolutely: exactly the
// listed agents are enabled and everything else is off, regardless of
// defaults. Otherwise the default-enabled set minus agents.disabled
// applies.
func (r *Registry) Enabled(bundle *config.Bundle) map[string]bool {
	enabled := make(map[string]bool, len(r.order))

	allow := bundle.StringList("agents.enabled")
	if len(allow) > 0 {
		allowSet := make(map[string]bool, len(allow))
		for _, name := range allow {
			allowSet[name] = true
		}
		for _, name := range r.order {
			enabled[name] = allowSet[name]
		}
		return enabled
	}

	deny := make(map[string]bool)
	for _, name := range bundle.StringList("agents.disabled") {
		deny[name] = true
	}
	for _, name := range r.order {
		enabled[name] = r.byName[name].DefaultEnabled && !deny[name]
	}
	return enabled
}

// Run executes every enabled agent subscribed to trigger, in
// registration order, and returns their results in that order.
// Disabled agents are excluded entirely. Agents that require a ready
// bundle are recorded as skipped when it is not. Each result is
// written into the bundle's agent state before the next agent starts,
// so later agents can observe earlier outcomes.
func (r *Registry) Run(ctx context.Context, trigger string, bundle *config.Bundle) []RunResult {
	started := time.Now()
	enabled := r.Enabled(bundle)

	var results []RunResult
	var errCount int
	for _, name := range r.order {
		d := r.byName[name]
		if !enabled[name] || !hasTrigger(d, trigger) {
			continue
		}

		if d.RequiresReady && !bundle.Ready() {
			res := config.AgentResult{
				Status:    config.StatusSkipped,
				Detail:    "configuration not ready",
				Timestamp: time.Now(),
			}
			bundle.SetAgentResult(name, res)
			results = append(results, RunResult{Name: name, Result: res})
			r.logger.Info("agent skipped",
				"agent", name,
				"trigger", trigger,
				"readiness", string(bundle.Readiness))
			continue
		}

		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgents,
			Kind:      events.KindAgentStart,
			Data:      map[string]any{"agent": name, "trigger": trigger},
		})
		r.logger.Debug("agent starting", "agent", name, "trigger", trigger)

		agentStart := time.Now()
		res := r.runOne(ctx, d, bundle)
		if res.Timestamp.IsZero() {
			res.Timestamp = time.Now()
		}
		if res.Status == config.StatusError {
			errCount++
		}

		bundle.SetAgentResult(name, res)
		results = append(results, RunResult{Name: name, Result: res})

		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgents,
			Kind:      events.KindAgentDone,
			Data: map[string]any{
				"agent":       name,
				"trigger":     trigger,
				"status":      string(res.Status),
				"duration_ms": time.Since(agentStart).Milliseconds(),
			},
		})
		r.logger.Info("agent finished",
			"agent", name,
			"status", string(res.Status),
			"detail", res.Detail,
			"duration", time.Since(agentStart).Truncate(time.Millisecond))
	}

	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgents,
		Kind:      events.KindBootstrapComplete,
		Data: map[string]any{
			"trigger":    trigger,
			"agents":     len(results),
			"errors":     errCount,
			"elapsed_ms": time.Since(started).Milliseconds(),
		},
	})
	return results
}

// runOne invokes a single handler, converting errors and panics into
// error results so one broken agent cannot take down the run.
func (r *Registry) runOne(ctx context.Context, d Descriptor, bundle *config.Bundle) (res config.AgentResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agent panicked",
				"agent", d.Name,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
			res = config.AgentResult{
				Status:    config.StatusError,
				Detail:    fmt.Sprintf("panic: %v", rec),
				Timestamp: time.Now(),
			}
		}
	}()

	res, err := d.Handler(ctx, bundle)
	if err != nil {
		r.logger.Error("agent failed", "agent", d.Name, "error", err)
		return config.AgentResult{
			Status:    config.StatusError,
			Detail:    err.Error(),
			Payload:   res.Payload,
			Timestamp: time.Now(),
		}
	}
	return res
}

func hasTrigger(d Descriptor, trigger string) bool {
	for _, t := range d.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}
