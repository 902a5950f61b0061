package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cinderd/cinder/internal/agents"
	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/config"
	"github.com/cinderd/cinder/internal/history"
)

type harness struct {
	router *command.Router
	bundle *config.Bundle
	deps   Deps
	repo   string
	vault  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := t.TempDir()
	vault := t.TempDir()
	if err := os.MkdirAll(filepath.Join(vault, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, "00-defaults.yml"),
		[]byte("runtime:\n  name: test-node\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.DiscardHandler)
	reg := agents.NewRegistry(logger, nil)
	if err := agents.RegisterBuiltins(reg, repo); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	router := command.NewRouter(logger, nil, store)
	deps := Deps{Agents: reg, History: store, RepoDir: repo}
	if err := Register(router, deps); err != nil {
		t.Fatalf("Register: %v", err)
	}

	return &harness{
		router: router,
		bundle: config.Load(repo, vault),
		deps:   deps,
		repo:   repo,
		vault:  vault,
	}
}

func (h *harness) ctx() *command.Context {
	return &command.Context{
		Ctx:    context.Background(),
		Bundle: h.bundle,
		Origin: command.OriginInteractive,
		Router: h.router,
		Reload: func() (*config.Bundle, error) {
			h.bundle = config.Load(h.repo, h.vault)
			return h.bundle, nil
		},
	}
}

func (h *harness) invoke(t *testing.T, name string, args ...string) string {
	t.Helper()
	out, err := h.router.Invoke(h.ctx(), name, args)
	if err != nil {
		t.Fatalf("invoke %s %v: %v", name, args, err)
	}
	return out
}

func TestStatusReportsReadiness(t *testing.T) {
	h := newHarness(t)
	out := h.invoke(t, "status")
	if !strings.Contains(out, "test-node") || !strings.Contains(out, "ready") {
		t.Errorf("status output:\n%s", out)
	}
}

func TestStatusWorksWhenConfigurationInvalid(t *testing.T) {
	h := newHarness(t)
	// Break the vault tier and reload.
	if err := os.WriteFile(filepath.Join(h.vault, "config", "10-bad.yml"),
		[]byte("runtime: [broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.bundle = config.Load(h.repo, h.vault)
	if h.bundle.Ready() {
		t.Fatal("fixture should be invalid")
	}

	out := h.invoke(t, "status")
	if !strings.Contains(out, "invalid") || !strings.Contains(out, "10-bad.yml") {
		t.Errorf("status should surface the failure:\n%s", out)
	}
}

func TestAgentsListAndRun(t *testing.T) {
	h := newHarness(t)
	out := h.invoke(t, "agents")
	if !strings.Contains(out, "core.agent") || !strings.Contains(out, "never ran") {
		t.Errorf("agents list:\n%s", out)
	}

	out = h.invoke(t, "agents", "run")
	if !strings.Contains(out, "core.agent") {
		t.Errorf("agents run:\n%s", out)
	}
	// Results landed in the bundle's agent state.
	if _, ok := h.bundle.AgentResult("core.agent"); !ok {
		t.Error("agent state not recorded")
	}
}

func TestConfigGetSetRoundTrip(t *testing.T) {
	h := newHarness(t)

	out := h.invoke(t, "config", "get", "runtime.name")
	if !strings.Contains(out, `"test-node"`) {
		t.Errorf("config get:\n%s", out)
	}

	h.invoke(t, "config", "set", "logging.level", "debug")
	// The override persisted and survives a fresh load.
	fresh := config.Load(h.repo, h.vault)
	if got := fresh.String("logging.level", ""); got != "debug" {
		t.Errorf("logging.level after set = %q, want debug", got)
	}

	out = h.invoke(t, "config", "get", "logging.level")
	if !strings.Contains(out, `"debug"`) {
		t.Errorf("config get after set:\n%s", out)
	}
}

func TestConfigGetMissingKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.router.Invoke(h.ctx(), "config", []string{"get", "nothing.here"})
	if err == nil {
		t.Fatal("expected error for unset key")
	}
}

func TestConfigValidate(t *testing.T) {
	h := newHarness(t)
	out := h.invoke(t, "config", "validate")
	if !strings.Contains(out, "ready") {
		t.Errorf("config validate:\n%s", out)
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	h := newHarness(t)
	out := h.invoke(t, "help")
	for _, name := range []string{"status", "agents", "config", "help", "man", "history", "export", "api", "version"} {
		if !strings.Contains(out, "/"+name) {
			t.Errorf("help missing /%s:\n%s", name, out)
		}
	}
}

func TestManRendersPage(t *testing.T) {
	h := newHarness(t)
	out := h.invoke(t, "man", "status")
	if !strings.Contains(out, "STATUS") {
		t.Errorf("man status:\n%s", out)
	}
}

func TestHistoryShowsAuditTrail(t *testing.T) {
	h := newHarness(t)
	h.invoke(t, "status")
	out := h.invoke(t, "history")
	if !strings.Contains(out, "status") || !strings.Contains(out, "succeeded") {
		t.Errorf("history output:\n%s", out)
	}
}

func TestHistoryRejectsBadCount(t *testing.T) {
	h := newHarness(t)
	if _, err := h.router.Invoke(h.ctx(), "history", []string{"zero"}); err == nil {
		t.Fatal("expected error for non-numeric count")
	}
}

func TestExportIsValidYAML(t *testing.T) {
	h := newHarness(t)
	out := h.invoke(t, "export")
	if !strings.Contains(out, "runtime:") || !strings.Contains(out, "name: test-node") {
		t.Errorf("export output:\n%s", out)
	}
}

func TestAPIDisabledByDefault(t *testing.T) {
	h := newHarness(t)
	out := h.invoke(t, "api")
	if !strings.Contains(out, "disabled") {
		t.Errorf("api output:\n%s", out)
	}
}

func TestVersionShowsBuildInfo(t *testing.T) {
	h := newHarness(t)
	out := h.invoke(t, "version")
	if !strings.Contains(out, "version") || !strings.Contains(out, "go1") {
		t.Errorf("version output:\n%s", out)
	}
}

func TestPlannerGateOnOperatorCommands(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx()
	ctx.Origin = command.OriginPlanner

	for _, name := range []string{"agents", "config", "api"} {
		_, err := h.router.Invoke(ctx, name, nil)
		if !errors.Is(err, command.ErrPlannerForbidden) {
			t.Errorf("planner %s = %v, want ErrPlannerForbidden", name, err)
		}
	}
	for _, name := range []string{"status", "help", "version"} {
		if _, err := h.router.Invoke(ctx, name, nil); err != nil {
			t.Errorf("planner %s should be allowed: %v", name, err)
		}
	}
}
