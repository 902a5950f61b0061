// Package commands wires the built-in command set into the router.
// Handlers stay thin: they read the bundle, call their collaborators,
// and hand formatted text back. Gating (planner permission, readiness)
// is declared on the descriptors and enforced by the router.
package commands

import (
	"fmt"

	"github.com/cinderd/cinder/internal/agents"
	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/history"
)

// Deps are the collaborators the built-in commands need. History may
// be nil (no vault); agents must be set.
type Deps struct {
	Agents  *agents.Registry
	History *history.Store
	// RepoDir is the deployment root, used for config reload context
	// in operator-facing output.
	RepoDir string
}

// Register adds every built-in command to the router. Returns the
// first registration error; a duplicate here is a programming error
// the host treats as fatal.
func Register(r *command.Router, deps Deps) error {
	if deps.Agents == nil {
		return fmt.Errorf("commands: agent registry is required")
	}
	all := []command.Descriptor{
		statusCommand(deps),
		agentsCommand(deps),
		configCommand(),
		helpCommand(),
		manCommand(),
		historyCommand(deps),
		exportCommand(),
		apiCommand(),
		versionCommand(),
	}
	for _, d := range all {
		if err := r.Register(d); err != nil {
			return fmt.Errorf("register command: %w", err)
		}
	}
	return nil
}
