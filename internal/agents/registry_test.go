package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/cinderd/cinder/internal/config"
	"github.com/cinderd/cinder/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func readyBundle() *config.Bundle {
	return &config.Bundle{
		Readiness: config.ReadinessReady,
		Merged:    map[string]any{},
	}
}

func bundleWith(tree map[string]any) *config.Bundle {
	return &config.Bundle{Readiness: config.ReadinessReady, Merged: tree}
}

func stubAgent(name string, enabled bool, handler HandlerFunc) Descriptor {
	if handler == nil {
		handler = func(ctx context.Context, b *config.Bundle) (config.AgentResult, error) {
			return config.AgentResult{Status: config.StatusCompleted}, nil
		}
	}
	return Descriptor{
		Name:           name,
		Description:    name,
		Triggers:       []string{TriggerBootstrap},
		DefaultEnabled: enabled,
		Handler:        handler,
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	if err := r.Register(stubAgent("a", true, nil)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(stubAgent("a", true, nil))
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("second Register = %v, want ErrDuplicateAgent", err)
	}
}

func TestEnabledAllowlistWins(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.Register(stubAgent("a", true, nil))
	r.Register(stubAgent("b", false, nil))
	r.Register(stubAgent("c", true, nil))

	// The allow-list enables an agent that is off by default and
	// turns off everything it omits, including default-enabled ones.
	b := bundleWith(map[string]any{
		"agents": map[string]any{
			"enabled":  []any{"b"},
			"disabled": []any{"b"}, // ignored when an allow-list exists
		},
	})
	got := r.Enabled(b)
	want := map[string]bool{"a": false, "b": true, "c": false}
	for name, on := range want {
		if got[name] != on {
			t.Errorf("Enabled[%s] = %v, want %v", name, got[name], on)
		}
	}
}

func TestEnabledDefaultsMinusDisabled(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.Register(stubAgent("a", true, nil))
	r.Register(stubAgent("b", true, nil))
	r.Register(stubAgent("c", false, nil))

	b := bundleWith(map[string]any{
		"agents": map[string]any{"disabled": []any{"b"}},
	})
	got := r.Enabled(b)
	want := map[string]bool{"a": true, "b": false, "c": false}
	for name, on := range want {
		if got[name] != on {
			t.Errorf("Enabled[%s] = %v, want %v", name, got[name], on)
		}
	}
}

func TestRunPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	var ran []string
	for _, name := range []string{"third", "first", "second"} {
		name := name
		r.Register(stubAgent(name, true, func(ctx context.Context, b *config.Bundle) (config.AgentResult, error) {
			ran = append(ran, name)
			return config.AgentResult{Status: config.StatusCompleted}, nil
		}))
	}

	results := r.Run(context.Background(), TriggerBootstrap, readyBundle())
	wantOrder := []string{"third", "first", "second"}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, name := range wantOrder {
		if ran[i] != name || results[i].Name != name {
			t.Errorf("position %d: ran %s, result %s, want %s", i, ran[i], results[i].Name, name)
		}
	}
}

func TestRunDisabledAgentsExcluded(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.Register(stubAgent("on", true, nil))
	r.Register(stubAgent("off", false, nil))

	b := readyBundle()
	results := r.Run(context.Background(), TriggerBootstrap, b)
	if len(results) != 1 || results[0].Name != "on" {
		t.Fatalf("results = %+v, want only 'on'", results)
	}
	// Disabled agents leave no trace in agent state either.
	if _, ok := b.AgentResult("off"); ok {
		t.Error("disabled agent wrote agent state")
	}
}

func TestRunSkipsRequiresReadyWhenNotReady(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	called := false
	d := stubAgent("needs-ready", true, func(ctx context.Context, b *config.Bundle) (config.AgentResult, error) {
		called = true
		return config.AgentResult{Status: config.StatusCompleted}, nil
	})
	d.RequiresReady = true
	r.Register(d)

	b := &config.Bundle{Readiness: config.ReadinessMissing, Merged: map[string]any{}}
	results := r.Run(context.Background(), TriggerBootstrap, b)
	if called {
		t.Error("handler ran despite unready bundle")
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (skips are recorded)", len(results))
	}
	res := results[0].Result
	if res.Status != config.StatusSkipped || res.Detail != "configuration not ready" {
		t.Errorf("result = %+v", res)
	}
	if got, ok := b.AgentResult("needs-ready"); !ok || got.Status != config.StatusSkipped {
		t.Errorf("agent state = %+v, %v", got, ok)
	}
}

func TestRunIsolatesHandlerError(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.Register(stubAgent("boom", true, func(ctx context.Context, b *config.Bundle) (config.AgentResult, error) {
		return config.AgentResult{}, fmt.Errorf("disk on fire")
	}))
	r.Register(stubAgent("after", true, nil))

	results := r.Run(context.Background(), TriggerBootstrap, readyBundle())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Result.Status != config.StatusError || results[0].Result.Detail != "disk on fire" {
		t.Errorf("error result = %+v", results[0].Result)
	}
	if results[1].Result.Status != config.StatusCompleted {
		t.Errorf("agent after the failure did not run: %+v", results[1].Result)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.Register(stubAgent("panics", true, func(ctx context.Context, b *config.Bundle) (config.AgentResult, error) {
		panic("nope")
	}))
	r.Register(stubAgent("survivor", true, nil))

	results := r.Run(context.Background(), TriggerBootstrap, readyBundle())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Result.Status != config.StatusError {
		t.Errorf("panic result = %+v", results[0].Result)
	}
	if results[1].Result.Status != config.StatusCompleted {
		t.Errorf("survivor result = %+v", results[1].Result)
	}
}

func TestRunTriggerFiltering(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	d := stubAgent("boot-only", true, nil)
	d.Triggers = []string{TriggerBootstrap}
	r.Register(d)

	results := r.Run(context.Background(), TriggerReload, readyBundle())
	if len(results) != 0 {
		t.Errorf("results = %+v, want none for reload trigger", results)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	r := NewRegistry(testLogger(), bus)
	r.Register(stubAgent("a", true, nil))
	r.Run(context.Background(), TriggerBootstrap, readyBundle())

	kinds := map[string]bool{}
	for i := 0; i < 3; i++ {
		e := <-ch
		kinds[e.Kind] = true
	}
	for _, want := range []string{events.KindAgentStart, events.KindAgentDone, events.KindBootstrapComplete} {
		if !kinds[want] {
			t.Errorf("missing event kind %s (got %v)", want, kinds)
		}
	}
}

func TestRegisterBuiltinsOrder(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	if err := RegisterBuiltins(r, t.TempDir()); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	want := []string{
		"core.agent", "network.agent", "provision.agent", "toolchain.agent",
		"test.agent", "plugin.agent", "update.agent", "health.agent",
	}
	descs := r.Descriptors()
	if len(descs) != len(want) {
		t.Fatalf("got %d builtins, want %d", len(descs), len(want))
	}
	for i, name := range want {
		if descs[i].Name != name {
			t.Errorf("builtin[%d] = %s, want %s", i, descs[i].Name, name)
		}
	}
	// The run-arbitrary-commands agents are opt-in.
	for _, name := range []string{"test.agent", "update.agent"} {
		if d, _ := r.Lookup(name); d.DefaultEnabled {
			t.Errorf("%s should not be enabled by default", name)
		}
	}
}
