package agents

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-github/v69/github"

	"github.com/cinderd/cinder/internal/config"
)

func vaultBundle(t *testing.T, tree map[string]any) *config.Bundle {
	t.Helper()
	vault := t.TempDir()
	for _, sub := range []string{"config", "state", "logs"} {
		if err := os.MkdirAll(filepath.Join(vault, sub), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return &config.Bundle{
		VaultDir:  vault,
		Readiness: config.ReadinessReady,
		Merged:    tree,
	}
}

func TestCoreAgentReportsPolicy(t *testing.T) {
	b := vaultBundle(t, map[string]any{
		"agents": map[string]any{"enabled": []any{"core.agent"}},
	})
	res, err := runCore(context.Background(), b)
	if err != nil {
		t.Fatalf("runCore: %v", err)
	}
	if res.Status != config.StatusCompleted {
		t.Errorf("status = %s", res.Status)
	}
	if res.Payload["policy"] != "allowlist" {
		t.Errorf("policy = %v, want allowlist", res.Payload["policy"])
	}
}

func TestCoreAgentDegradedWhenNotReady(t *testing.T) {
	b := &config.Bundle{Readiness: config.ReadinessInvalid, Merged: map[string]any{}}
	res, err := runCore(context.Background(), b)
	if err != nil {
		t.Fatalf("runCore: %v", err)
	}
	if res.Status != config.StatusDegraded {
		t.Errorf("status = %s, want degraded", res.Status)
	}
}

func TestNameservers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	content := "# generated\nnameserver 10.0.0.1\nsearch lan\nnameserver 10.0.0.2\nnameserver 10.0.0.1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	got := nameservers([]string{path, filepath.Join(dir, "absent.conf")})
	if len(got) != 2 || got[0] != "10.0.0.1" || got[1] != "10.0.0.2" {
		t.Errorf("nameservers = %v", got)
	}
}

func TestNetworkAgentDisabled(t *testing.T) {
	b := vaultBundle(t, map[string]any{
		"network": map[string]any{"enabled": false},
	})
	res, err := runNetwork(context.Background(), b)
	if err != nil {
		t.Fatalf("runNetwork: %v", err)
	}
	if res.Status != config.StatusSkipped {
		t.Errorf("status = %s, want skipped", res.Status)
	}
}

func TestProvisionAgentCreatesLayout(t *testing.T) {
	b := vaultBundle(t, map[string]any{
		"provision": map[string]any{"required_paths": []any{"state/cache"}},
	})
	res, err := runProvision(context.Background(), b)
	if err != nil {
		t.Fatalf("runProvision: %v", err)
	}
	if res.Status != config.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Detail)
	}
	for _, p := range []string{"plugins", filepath.Join("state", "cache"), filepath.Join("state", "provision.json")} {
		if _, err := os.Stat(filepath.Join(b.VaultDir, p)); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}
}

func TestProvisionStateSummary(t *testing.T) {
	b := vaultBundle(t, map[string]any{
		"provision": map[string]any{"state_file": "state/prov-summary.json"},
	})
	res, err := runProvision(context.Background(), b)
	if err != nil {
		t.Fatalf("runProvision: %v", err)
	}
	if res.Status != config.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Detail)
	}

	raw, err := os.ReadFile(filepath.Join(b.VaultDir, "state", "prov-summary.json"))
	if err != nil {
		t.Fatalf("state_file not honored: %v", err)
	}
	var summary map[string]any
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatalf("summary is not valid JSON: %v", err)
	}
	if summary["status"] != "completed" {
		t.Errorf("summary status = %v, want completed", summary["status"])
	}
	if ts, _ := summary["timestamp"].(string); ts == "" {
		t.Error("summary missing timestamp")
	}
}

func TestProvisionAgentSkipEnv(t *testing.T) {
	t.Setenv("CINDER_TEST_SKIP_PROVISION", "1")
	b := vaultBundle(t, map[string]any{
		"provision": map[string]any{"skip_env": "CINDER_TEST_SKIP_PROVISION"},
	})
	res, err := runProvision(context.Background(), b)
	if err != nil {
		t.Fatalf("runProvision: %v", err)
	}
	if res.Status != config.StatusSkipped {
		t.Errorf("status = %s, want skipped", res.Status)
	}
}

func TestToolchainAgentNoManifest(t *testing.T) {
	b := vaultBundle(t, nil)
	res, err := runToolchain(context.Background(), t.TempDir(), b)
	if err != nil {
		t.Fatalf("runToolchain: %v", err)
	}
	if res.Status != config.StatusCompleted || res.Detail != "no toolchain manifest" {
		t.Errorf("result = %+v", res)
	}
}

func TestToolchainAgentMissingRequirements(t *testing.T) {
	repo := t.TempDir()
	manifest := "commands: [cinder-definitely-not-installed]\nfiles: [present.txt, absent.txt]\n"
	if err := os.WriteFile(filepath.Join(repo, ".toolchain.yml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, "present.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := vaultBundle(t, nil)
	res, err := runToolchain(context.Background(), repo, b)
	if err != nil {
		t.Fatalf("runToolchain: %v", err)
	}
	if res.Status != config.StatusDegraded {
		t.Fatalf("status = %s, want degraded", res.Status)
	}
	missing, _ := res.Payload["missing"].([]string)
	if len(missing) != 2 {
		t.Errorf("missing = %v, want 2 entries", missing)
	}
}

func TestTestAgentDisabledByDefault(t *testing.T) {
	// An allowlisted test.agent must still not execute anything unless
	// test.enabled is set: the self-test hook is opt-in at both layers.
	b := vaultBundle(t, map[string]any{
		"test": map[string]any{"command": "true"},
	})
	res, err := runTest(context.Background(), b)
	if err != nil {
		t.Fatalf("runTest: %v", err)
	}
	if res.Status != config.StatusSkipped || res.Detail != "disabled by test.enabled" {
		t.Errorf("result = %s (%s), want skipped by test.enabled", res.Status, res.Detail)
	}
}

func TestTestAgentNoCommand(t *testing.T) {
	b := vaultBundle(t, map[string]any{
		"test": map[string]any{"enabled": true},
	})
	res, err := runTest(context.Background(), b)
	if err != nil {
		t.Fatalf("runTest: %v", err)
	}
	if res.Status != config.StatusSkipped {
		t.Errorf("status = %s, want skipped without test.command", res.Status)
	}
}

func TestTestAgentRunsCommand(t *testing.T) {
	b := vaultBundle(t, map[string]any{
		"test": map[string]any{"enabled": true, "command": "true"},
	})
	res, err := runTest(context.Background(), b)
	if err != nil {
		t.Fatalf("runTest: %v", err)
	}
	if res.Status != config.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Detail)
	}
	if _, err := os.Stat(filepath.Join(b.VaultDir, "state", "test-report.json")); err != nil {
		t.Errorf("report not written: %v", err)
	}
}

func TestTestAgentFailingCommand(t *testing.T) {
	b := vaultBundle(t, map[string]any{
		"test": map[string]any{"enabled": true, "command": "false"},
	})
	res, err := runTest(context.Background(), b)
	if err != nil {
		t.Fatalf("runTest: %v", err)
	}
	if res.Status != config.StatusError {
		t.Errorf("status = %s, want error", res.Status)
	}
}

func TestPluginAgentInventory(t *testing.T) {
	repo := t.TempDir()
	goodDir := filepath.Join(repo, "plugins", "metrics")
	badDir := filepath.Join(repo, "plugins", "broken")
	if err := os.MkdirAll(goodDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(goodDir, "plugin.yml"), []byte("name: metrics\nversion: 1.0.0\n"), 0o644)
	os.WriteFile(filepath.Join(badDir, "plugin.yml"), []byte(": not yaml ["), 0o644)

	b := vaultBundle(t, nil)
	res, err := runPlugin(context.Background(), repo, b)
	if err != nil {
		t.Fatalf("runPlugin: %v", err)
	}
	if res.Status != config.StatusPartial {
		t.Fatalf("status = %s, want partial (one malformed manifest)", res.Status)
	}
	names, _ := res.Payload["plugins"].([]string)
	if len(names) != 1 || names[0] != "metrics" {
		t.Errorf("plugins = %v", names)
	}
}

func TestHealthReadMeminfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	content := "MemTotal:       16384000 kB\nMemFree:         1024000 kB\nMemAvailable:    8192000 kB\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	total, avail, err := readMeminfo(path)
	if err != nil {
		t.Fatalf("readMeminfo: %v", err)
	}
	if total != 16384000 || avail != 8192000 {
		t.Errorf("total=%d avail=%d", total, avail)
	}
}

func TestHealthReadLoadavg(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadavg")
	if err := os.WriteFile(path, []byte("1.42 0.80 0.45 2/345 6789\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	load1, err := readLoadavg(path)
	if err != nil {
		t.Fatalf("readLoadavg: %v", err)
	}
	if load1 != 1.42 {
		t.Errorf("load1 = %v, want 1.42", load1)
	}
}

func TestHealthAgentWarnsOnLoad(t *testing.T) {
	dir := t.TempDir()
	origMem, origLoad := meminfoPath, loadavgPath
	t.Cleanup(func() { meminfoPath, loadavgPath = origMem, origLoad })
	meminfoPath = filepath.Join(dir, "meminfo")
	loadavgPath = filepath.Join(dir, "loadavg")
	os.WriteFile(meminfoPath, []byte("MemTotal: 1000 kB\nMemAvailable: 500 kB\n"), 0o644)
	os.WriteFile(loadavgPath, []byte("9999.0 0.0 0.0 1/1 1\n"), 0o644)

	b := vaultBundle(t, map[string]any{
		"health": map[string]any{"load_warn_per_cpu": 0.5},
	})
	res, err := runHealth(context.Background(), b)
	if err != nil {
		t.Fatalf("runHealth: %v", err)
	}
	if res.Status != config.StatusDegraded {
		t.Errorf("status = %s, want degraded (detail %s)", res.Status, res.Detail)
	}
}

func TestUpdateAgentNotAGitDeployment(t *testing.T) {
	b := vaultBundle(t, nil)
	res, err := runUpdate(context.Background(), t.TempDir(), b)
	if err != nil {
		t.Fatalf("runUpdate: %v", err)
	}
	if res.Status != config.StatusSkipped {
		t.Errorf("status = %s, want skipped outside a git checkout", res.Status)
	}
}

// gitFixture creates a minimal checkout with one commit so the update
// agent sees a real deployment.
func gitFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=fixture", "GIT_AUTHOR_EMAIL=fixture@localhost",
			"GIT_COMMITTER_NAME=fixture", "GIT_COMMITTER_EMAIL=fixture@localhost",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git unavailable: %v\n%s", err, out)
		}
	}
	git("init", "-q")
	git("commit", "-q", "--allow-empty", "-m", "seed")
	return dir
}

type unreachableReleases struct{}

func (unreachableReleases) GetLatestRelease(ctx context.Context, owner, repo string) (*github.RepositoryRelease, *github.Response, error) {
	return nil, nil, errors.New("api unreachable")
}

func TestUpdateAgentSurfacesReleaseCheckFailure(t *testing.T) {
	dir := gitFixture(t)
	orig := newReleaseClient
	newReleaseClient = func() releaseClient { return unreachableReleases{} }
	t.Cleanup(func() { newReleaseClient = orig })

	b := vaultBundle(t, map[string]any{
		"update": map[string]any{"github_repo": "cinderd/cinder"},
	})
	res, err := runUpdate(context.Background(), dir, b)
	if err != nil {
		t.Fatalf("runUpdate: %v", err)
	}
	// A failed release check does not degrade an otherwise clean
	// checkout, but it must not vanish from the result either.
	if res.Status != config.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Status, res.Detail)
	}
	notes, _ := res.Payload["notes"].([]string)
	found := false
	for _, n := range notes {
		if strings.Contains(n, "release check failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("payload notes = %v, want release check failure surfaced", notes)
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 10); got != "short" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("abcdefghij", 4); got != "…ghij" {
		t.Errorf("tail = %q", got)
	}
}
