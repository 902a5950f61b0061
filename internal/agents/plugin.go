package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cinderd/cinder/internal/config"
)

// PluginManifest describes one discovered plugin. Plugins are passive
// inventory at this layer; nothing here executes plugin code.
type PluginManifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	// Dir is where the manifest was found; filled by the scanner.
	Dir string `yaml:"-"`
}

// pluginAgent scans the plugin directories (repo, vault, plus any
// configured extras) for plugin.yml manifests and inventories them.
func pluginAgent(repoDir string) Descriptor {
	return Descriptor{
		Name:           "plugin.agent",
		Description:    "Inventories plugin manifests from the plugin directories",
		Triggers:       []string{TriggerBootstrap, TriggerReload, TriggerManual},
		DefaultEnabled: true,
		RequiresReady:  false,
		Handler: func(ctx context.Context, bundle *config.Bundle) (config.AgentResult, error) {
			return runPlugin(ctx, repoDir, bundle)
		},
	}
}

func runPlugin(ctx context.Context, repoDir string, bundle *config.Bundle) (config.AgentResult, error) {
	if !bundle.Bool("plugin.enabled", true) {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    "disabled by plugin.enabled",
			Timestamp: time.Now(),
		}, nil
	}

	dirs := []string{
		filepath.Join(repoDir, "plugins"),
		filepath.Join(bundle.VaultDir, "plugins"),
	}
	dirs = append(dirs, bundle.StringList("plugin.dirs")...)

	var plugins []PluginManifest
	var malformed []string
	for _, dir := range dirs {
		found, bad := scanPluginDir(dir)
		plugins = append(plugins, found...)
		malformed = append(malformed, bad...)
	}

	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name)
	}
	payload := map[string]any{
		"dirs":      dirs,
		"plugins":   names,
		"malformed": malformed,
	}

	if len(malformed) > 0 {
		return config.AgentResult{
			Status:    config.StatusPartial,
			Detail:    fmt.Sprintf("%d plugins, %d malformed manifests", len(plugins), len(malformed)),
			Payload:   payload,
			Timestamp: time.Now(),
		}, nil
	}
	return config.AgentResult{
		Status:    config.StatusCompleted,
		Detail:    fmt.Sprintf("%d plugins discovered", len(plugins)),
		Payload:   payload,
		Timestamp: time.Now(),
	}, nil
}

// scanPluginDir looks one level deep for <dir>/<plugin>/plugin.yml.
// A missing directory is not an error; most nodes have no plugins.
func scanPluginDir(dir string) (plugins []PluginManifest, malformed []string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "plugin.yml")
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m PluginManifest
		if err := yaml.Unmarshal(raw, &m); err != nil || m.Name == "" {
			malformed = append(malformed, path)
			continue
		}
		m.Dir = filepath.Join(dir, e.Name())
		plugins = append(plugins, m)
	}
	return plugins, malformed
}
