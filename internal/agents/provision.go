package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cinderd/cinder/internal/config"
)

// vaultLayout is the directory skeleton every vault gets, independent
// of any configured provision.required_paths.
var vaultLayout = []string{"config", "state", "logs", "plugins"}

// provisionAgent ensures the vault directory layout exists and records
// a provisioning summary under state/. It requires a ready bundle:
// provisioning against a broken configuration would write the wrong
// layout to the wrong place.
func provisionAgent() Descriptor {
	return Descriptor{
		Name:           "provision.agent",
		Description:    "Creates the vault directory layout and required paths",
		Triggers:       []string{TriggerBootstrap, TriggerManual},
		DefaultEnabled: true,
		RequiresReady:  true,
		Handler:        runProvision,
	}
}

func runProvision(ctx context.Context, bundle *config.Bundle) (config.AgentResult, error) {
	if !bundle.Bool("provision.enabled", true) {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    "disabled by provision.enabled",
			Timestamp: time.Now(),
		}, nil
	}
	if env := bundle.String("provision.skip_env", ""); env != "" && os.Getenv(env) != "" {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    fmt.Sprintf("skipped: %s is set", env),
			Timestamp: time.Now(),
		}, nil
	}

	paths := make([]string, 0, len(vaultLayout))
	for _, p := range vaultLayout {
		paths = append(paths, filepath.Join(bundle.VaultDir, p))
	}
	for _, p := range bundle.StringList("provision.required_paths") {
		if !filepath.IsAbs(p) {
			p = filepath.Join(bundle.VaultDir, p)
		}
		paths = append(paths, p)
	}

	var created, failed []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			continue
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		created = append(created, p)
	}

	status := config.StatusCompleted
	if len(failed) > 0 {
		status = config.StatusPartial
	}
	summary := map[string]any{
		"status":    string(status),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"created":   created,
		"failed":    failed,
		"checked":   len(paths),
	}

	statePath := bundle.String("provision.state_file", "state/provision.json")
	if !filepath.IsAbs(statePath) {
		statePath = filepath.Join(bundle.VaultDir, statePath)
	}
	if err := writeProvisionState(statePath, summary); err != nil {
		failed = append(failed, fmt.Sprintf("state summary: %v", err))
		status = config.StatusPartial
	}

	detail := fmt.Sprintf("%d paths checked, %d created", len(paths), len(created))
	if len(failed) > 0 {
		detail = fmt.Sprintf("%d of %d checks failed", len(failed), len(paths))
	}
	return config.AgentResult{
		Status:    status,
		Detail:    detail,
		Payload:   summary,
		Timestamp: time.Now(),
	}, nil
}

func writeProvisionState(path string, summary map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
