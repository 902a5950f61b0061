package agents

import "fmt"

// RegisterBuiltins registers the standard agent set in its fixed
// order. Order matters: core summarizes policy before anything else,
// provisioning runs before agents that depend on the vault layout,
// and health reports last so it sees the node after the others acted.
func RegisterBuiltins(r *Registry, repoDir string) error {
	builtins := []Descriptor{
		coreAgent(),
		networkAgent(),
		provisionAgent(),
		toolchainAgent(repoDir),
		testAgent(),
		pluginAgent(repoDir),
		updateAgent(repoDir),
		healthAgent(),
	}
	for _, d := range builtins {
		if err := r.Register(d); err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	return nil
}
