package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cinderd/cinder/internal/config"
)

// testAgent runs the node's configured self-test command and writes a
// JSON report into the vault. Opt-in: running arbitrary commands at
// bootstrap is not something a node should do by default.
func testAgent() Descriptor {
	return Descriptor{
		Name:           "test.agent",
		Description:    "Runs the configured self-test command and records a report",
		Triggers:       []string{TriggerBootstrap, TriggerManual},
		DefaultEnabled: false,
		RequiresReady:  true,
		Handler:        runTest,
	}
}

func runTest(ctx context.Context, bundle *config.Bundle) (config.AgentResult, error) {
	if !bundle.Bool("test.enabled", false) {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    "disabled by test.enabled",
			Timestamp: time.Now(),
		}, nil
	}

	cmdline := strings.Fields(bundle.String("test.command", ""))
	if len(cmdline) == 0 {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    "no test.command configured",
			Timestamp: time.Now(),
		}, nil
	}

	timeout := time.Duration(bundle.Float("test.timeout_secs", 300)) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, cmdline[0], cmdline[1:]...)
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	report := map[string]any{
		"command":    strings.Join(cmdline, " "),
		"started":    start.UTC().Format(time.RFC3339),
		"elapsed_ms": elapsed.Milliseconds(),
		"passed":     err == nil,
		"output":     tail(string(output), 4096),
	}
	if err != nil {
		report["error"] = err.Error()
	}

	reportPath := bundle.String("test.report_path", "state/test-report.json")
	if !filepath.IsAbs(reportPath) {
		reportPath = filepath.Join(bundle.VaultDir, reportPath)
	}
	if werr := writeReport(reportPath, report); werr != nil {
		report["report_error"] = werr.Error()
	}
	report["report"] = reportPath

	if runCtx.Err() == context.DeadlineExceeded {
		return config.AgentResult{
			Status:    config.StatusError,
			Detail:    fmt.Sprintf("test command timed out after %s", timeout),
			Payload:   report,
			Timestamp: time.Now(),
		}, nil
	}
	if err != nil {
		return config.AgentResult{
			Status:    config.StatusError,
			Detail:    fmt.Sprintf("test command failed: %v", err),
			Payload:   report,
			Timestamp: time.Now(),
		}, nil
	}
	return config.AgentResult{
		Status:    config.StatusCompleted,
		Detail:    fmt.Sprintf("tests passed in %s", elapsed.Truncate(time.Millisecond)),
		Payload:   report,
		Timestamp: time.Now(),
	}, nil
}

func writeReport(path string, report map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// tail keeps the last n bytes of command output so reports stay small.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
