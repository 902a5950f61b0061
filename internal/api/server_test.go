package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/config"
	"github.com/cinderd/cinder/internal/events"
)

func testServer(t *testing.T, tokenHash string) (*Server, *config.Bundle) {
	t.Helper()
	bundle := &config.Bundle{
		VaultDir:  "/vault",
		Readiness: config.ReadinessReady,
		Merged: map[string]any{
			"runtime": map[string]any{"name": "api-test-node"},
		},
	}
	bundle.SetAgentResult("core.agent", config.AgentResult{
		Status: config.StatusCompleted,
		Detail: "configuration ready",
	})

	logger := slog.New(slog.DiscardHandler)
	router := command.NewRouter(logger, nil, nil)
	router.Register(command.Descriptor{
		Name:        "status",
		Description: "status",
		Handler: func(ctx *command.Context, args []string) (string, error) {
			return "node is fine", nil
		},
	})
	router.Register(command.Descriptor{
		Name:          "provision",
		Description:   "provision",
		RequiresReady: true,
		Handler: func(ctx *command.Context, args []string) (string, error) {
			return "provisioned", nil
		},
	})

	host := Host{
		BundleFunc: func() *config.Bundle { return bundle },
		NewContext: func() *command.Context {
			return &command.Context{
				Ctx:    context.Background(),
				Bundle: bundle,
				Origin: command.OriginInteractive,
				Router: router,
			}
		},
		Router: router,
		Bus:    events.New(),
	}
	return NewServer("127.0.0.1:0", tokenHash, host, logger), bundle
}

func get(t *testing.T, ts *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := testServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var body map[string]any
	resp := get(t, ts, "/v1/status", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["node"] != "api-test-node" || body["readiness"] != "ready" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusServesInvalidConfiguration(t *testing.T) {
	s, bundle := testServer(t, "")
	bundle.Readiness = config.ReadinessInvalid
	bundle.AddDiagnostic(config.Diagnostic{
		Severity: config.SeverityError,
		Message:  "parse failed",
		Source:   "/vault/config/10-bad.yml",
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var body map[string]any
	resp := get(t, ts, "/v1/status", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint must serve invalid configs, got %d", resp.StatusCode)
	}
	if body["readiness"] != "invalid" {
		t.Errorf("readiness = %v", body["readiness"])
	}

	var diags map[string]any
	get(t, ts, "/v1/diagnostics", &diags)
	list, _ := diags["diagnostics"].([]any)
	if len(list) != 1 {
		t.Errorf("diagnostics = %v", diags)
	}
}

func TestAgentsEndpoint(t *testing.T) {
	s, _ := testServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var body map[string]map[string]config.AgentResult
	get(t, ts, "/v1/agents", &body)
	if res, ok := body["agents"]["core.agent"]; !ok || res.Status != config.StatusCompleted {
		t.Errorf("agents = %v", body)
	}
}

func TestCommandEndpoint(t *testing.T) {
	s, _ := testServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	post := func(body string) (*http.Response, map[string]string) {
		resp, err := ts.Client().Post(ts.URL+"/v1/command", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		var out map[string]string
		json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, out := post(`{"command": "status"}`)
	if resp.StatusCode != http.StatusOK || out["output"] != "node is fine" {
		t.Errorf("status command: %d %v", resp.StatusCode, out)
	}

	resp, _ = post(`{"command": "nope"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown command status = %d, want 404", resp.StatusCode)
	}

	resp, _ = post(`{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty command status = %d, want 400", resp.StatusCode)
	}
}

func TestCommandReadinessConflict(t *testing.T) {
	s, bundle := testServer(t, "")
	bundle.Readiness = config.ReadinessMissing
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/v1/command", "application/json",
		strings.NewReader(`{"command": "provision"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409 for not-ready refusal", resp.StatusCode)
	}
}

func TestAuthRequiredWhenHashSet(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := testServer(t, string(hash))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// Unauthenticated requests are refused.
	resp := get(t, ts, "/v1/status", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	// The health probe stays open.
	resp = get(t, ts, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	// The right token passes.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	authed, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", authed.StatusCode)
	}

	// A wrong token does not.
	req.Header.Set("Authorization", "Bearer wrong")
	denied, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer denied.Body.Close()
	if denied.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", denied.StatusCode)
	}
}

func TestConfigEndpoint(t *testing.T) {
	s, _ := testServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var body map[string]any
	get(t, ts, "/v1/config", &body)
	merged, _ := body["merged"].(map[string]any)
	runtime, _ := merged["runtime"].(map[string]any)
	if runtime["name"] != "api-test-node" {
		t.Errorf("config body = %v", body)
	}
}
