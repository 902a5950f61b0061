// Package command implements the slash-command router. The router
// owns dispatch, the planner safety gate, and the audit trail; command
// behavior lives in the handlers registered against it. Whether a
// command may be driven by the planner is a property of its
// descriptor, looked up here at dispatch time — never inferred from
// the text the planner produced.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cinderd/cinder/internal/config"
	"github.com/cinderd/cinder/internal/events"
	"github.com/cinderd/cinder/internal/history"
)

// Origin identifies who asked for a command.
type Origin string

const (
	// OriginInteractive marks commands typed by an operator.
	OriginInteractive Origin = "interactive"
	// OriginPlanner marks commands proposed by the planner. These
	// pass the AllowInPlanner gate before any handler runs.
	OriginPlanner Origin = "planner"
)

// Sentinel errors for router refusals. Callers branch with errors.Is;
// the text carries the command name for operator display.
var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrPlannerForbidden = errors.New("command not permitted from planner")
	ErrNotReady         = errors.New("command requires ready configuration")
	ErrDuplicateCommand = errors.New("command already registered")
)

// HandlerFunc executes a command and returns operator-facing output.
type HandlerFunc func(ctx *Context, args []string) (string, error)

// Descriptor declares a command to the router.
type Descriptor struct {
	// Name is the bare command name without the leading slash.
	Name string
	// Description is the one-line summary shown by /help.
	Description string
	// Usage is the argument synopsis, e.g. "set <key> <value>".
	Usage string
	// AllowInPlanner permits the planner to drive this command.
	// Defaults to false: new commands are operator-only until
	// someone decides otherwise.
	AllowInPlanner bool
	// RequiresReady refuses the command while configuration is not
	// ready. Status and diagnostic commands leave this false so
	// they keep working when everything else is broken.
	RequiresReady bool
	// Handler does the work.
	Handler HandlerFunc
}

// Context carries everything a handler may need. Handlers receive the
// bundle explicitly so a reload mid-session cannot change the world
// under a running command.
type Context struct {
	Ctx    context.Context
	Bundle *config.Bundle
	Origin Origin
	// Router gives handlers access to command metadata (/help, /man).
	Router *Router
	// Reload performs a full configuration reload and returns the
	// fresh bundle. Wired by the host; nil when reloading is not
	// available (e.g. some tests).
	Reload func() (*config.Bundle, error)
	// Meta is the host-provided grab bag for handler collaborators
	// (agent registry, history store, API address). Typed accessors
	// live with the commands that need them.
	Meta map[string]any
}

// Router dispatches commands and audits every invocation.
type Router struct {
	logger *slog.Logger
	bus    *events.Bus
	store  *history.Store

	order  []string
	byName map[string]Descriptor
}

// NewRouter creates a command router. The bus and store may be nil;
// auditing degrades to logging only.
func NewRouter(logger *slog.Logger, bus *events.Bus, store *history.Store) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger: logger,
		bus:    bus,
		store:  store,
		byName: make(map[string]Descriptor),
	}
}

// Register adds a command. Returns [ErrDuplicateCommand] when the name
// is taken; the host treats that as fatal at wiring time.
func (r *Router) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("command descriptor missing name")
	}
	if d.Handler == nil {
		return fmt.Errorf("command %q has no handler", d.Name)
	}
	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, d.Name)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Descriptors returns all commands in registration order.
func (r *Router) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Lookup returns the descriptor for a name.
func (r *Router) Lookup(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// PlannerCommands returns the commands the planner may use. Computed
// fresh on every call so late registrations are always reflected.
func (r *Router) PlannerCommands() []Descriptor {
	var out []Descriptor
	for _, name := range r.order {
		if d := r.byName[name]; d.AllowInPlanner {
			out = append(out, d)
		}
	}
	return out
}

// Invoke dispatches one command. Refusals (unknown name, planner gate,
// readiness gate) return typed errors without running the handler;
// handler output and errors are returned verbatim. Every path is
// audited with a fresh invocation id.
func (r *Router) Invoke(ctx *Context, name string, args []string) (string, error) {
	id := uuid.NewString()
	start := time.Now()

	d, ok := r.byName[name]
	if !ok {
		r.audit(id, name, args, ctx.Origin, "rejected:unknown", "", start)
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if ctx.Origin == OriginPlanner && !d.AllowInPlanner {
		r.audit(id, name, args, ctx.Origin, "rejected:planner-forbidden", "", start)
		return "", fmt.Errorf("%w: %s", ErrPlannerForbidden, name)
	}
	if d.RequiresReady && !ctx.Bundle.Ready() {
		detail := fmt.Sprintf("configuration is %s", ctx.Bundle.Readiness)
		r.audit(id, name, args, ctx.Origin, "rejected:not-ready", detail, start)
		return "", fmt.Errorf("%w: %s (%s)", ErrNotReady, name, detail)
	}

	out, err := d.Handler(ctx, args)
	if err != nil {
		r.audit(id, name, args, ctx.Origin, "failed", err.Error(), start)
		return out, err
	}
	r.audit(id, name, args, ctx.Origin, "succeeded", "", start)
	return out, nil
}

// audit writes one invocation record to the log, the history store,
// and the event bus. Persistence failures are logged, never surfaced:
// a broken audit trail must not break the command itself.
func (r *Router) audit(id, name string, args []string, origin Origin, outcome, detail string, start time.Time) {
	elapsed := time.Since(start)
	r.logger.Info("command invocation",
		"id", id,
		"command", name,
		"origin", string(origin),
		"outcome", outcome,
		"duration", elapsed.Truncate(time.Millisecond))

	if err := r.store.Record(history.Invocation{
		ID:        id,
		Command:   name,
		Args:      strings.Join(args, " "),
		Origin:    string(origin),
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: start,
	}); err != nil {
		r.logger.Warn("history record failed", "id", id, "error", err)
	}

	kind := events.KindCommandInvoked
	if strings.HasPrefix(outcome, "rejected:") {
		kind = events.KindCommandRejected
	}
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      kind,
		Data: map[string]any{
			"id":          id,
			"command":     name,
			"origin":      string(origin),
			"outcome":     outcome,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
}
