package agents

import (
	"context"
	"time"

	"github.com/cinderd/cinder/internal/config"
)

// coreAgent reports the configuration picture the rest of the run
// operates under: readiness, which documents merged, and whether an
// allow-list or the default policy decides enablement. It never
// requires readiness; its whole point is to be the agent that still
// speaks when the configuration is broken.
func coreAgent() Descriptor {
	return Descriptor{
		Name:           "core.agent",
		Description:    "Summarizes configuration readiness and enablement policy",
		Triggers:       []string{TriggerBootstrap, TriggerReload, TriggerManual},
		DefaultEnabled: true,
		RequiresReady:  false,
		Handler:        runCore,
	}
}

func runCore(ctx context.Context, bundle *config.Bundle) (config.AgentResult, error) {
	policy := "defaults"
	if len(bundle.StringList("agents.enabled")) > 0 {
		policy = "allowlist"
	}

	sources := make([]string, 0, len(bundle.Sources))
	for _, s := range bundle.Sources {
		sources = append(sources, s.Path)
	}

	var warnings, errors int
	for _, d := range bundle.Diagnostics() {
		switch d.Severity {
		case config.SeverityWarning:
			warnings++
		case config.SeverityError:
			errors++
		}
	}

	status := config.StatusCompleted
	detail := "configuration " + string(bundle.Readiness)
	if !bundle.Ready() {
		status = config.StatusDegraded
	}

	return config.AgentResult{
		Status: status,
		Detail: detail,
		Payload: map[string]any{
			"readiness": string(bundle.Readiness),
			"policy":    policy,
			"node":      bundle.String("runtime.name", "cinder-node"),
			"vault":     bundle.VaultDir,
			"sources":   sources,
			"warnings":  warnings,
			"errors":    errors,
		},
		Timestamp: time.Now(),
	}, nil
}
