package agents

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cinderd/cinder/internal/config"
)

// toolchainManifest is the shape of the .toolchain.yml file a node
// carries to declare what its workload needs installed.
type toolchainManifest struct {
	Commands []string `yaml:"commands"`
	Files    []string `yaml:"files"`
	Env      []string `yaml:"env"`
}

// toolchainAgent verifies the node against its toolchain manifest:
// required commands resolvable on PATH, required files present, and
// required environment variables set. A missing manifest is a
// completed no-op; nodes without declared toolchains are fine.
func toolchainAgent(repoDir string) Descriptor {
	return Descriptor{
		Name:           "toolchain.agent",
		Description:    "Verifies required commands, files, and environment variables",
		Triggers:       []string{TriggerBootstrap, TriggerManual},
		DefaultEnabled: true,
		RequiresReady:  false,
		Handler: func(ctx context.Context, bundle *config.Bundle) (config.AgentResult, error) {
			return runToolchain(ctx, repoDir, bundle)
		},
	}
}

func runToolchain(ctx context.Context, repoDir string, bundle *config.Bundle) (config.AgentResult, error) {
	if !bundle.Bool("toolchain.enabled", true) {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    "disabled by toolchain.enabled",
			Timestamp: time.Now(),
		}, nil
	}

	manifestPath := bundle.String("toolchain.manifest", ".toolchain.yml")
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(repoDir, manifestPath)
	}

	raw, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return config.AgentResult{
			Status:    config.StatusCompleted,
			Detail:    "no toolchain manifest",
			Timestamp: time.Now(),
		}, nil
	}
	if err != nil {
		return config.AgentResult{}, fmt.Errorf("read manifest: %w", err)
	}

	var manifest toolchainManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return config.AgentResult{}, fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var missing []string
	checked := 0

	for _, cmd := range manifest.Commands {
		checked++
		if _, err := exec.LookPath(cmd); err != nil {
			missing = append(missing, "command:"+cmd)
		}
	}
	for _, file := range manifest.Files {
		checked++
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(repoDir, path)
		}
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, "file:"+file)
		}
	}
	for _, env := range manifest.Env {
		checked++
		if os.Getenv(env) == "" {
			missing = append(missing, "env:"+env)
		}
	}

	payload := map[string]any{
		"manifest": manifestPath,
		"checked":  checked,
		"missing":  missing,
	}
	if len(missing) > 0 {
		return config.AgentResult{
			Status:    config.StatusDegraded,
			Detail:    fmt.Sprintf("%d of %d requirements missing", len(missing), checked),
			Payload:   payload,
			Timestamp: time.Now(),
		}, nil
	}
	return config.AgentResult{
		Status:    config.StatusCompleted,
		Detail:    fmt.Sprintf("%d requirements satisfied", checked),
		Payload:   payload,
		Timestamp: time.Now(),
	}, nil
}
