package commands

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cinderd/cinder/internal/command"
)

// exportCommand dumps the effective configuration. Read-only, so the
// planner may use it to ground its decisions.
func exportCommand() command.Descriptor {
	return command.Descriptor{
		Name:           "export",
		Description:    "Print the merged configuration as YAML",
		AllowInPlanner: true,
		Handler: func(ctx *command.Context, args []string) (string, error) {
			out, err := yaml.Marshal(ctx.Bundle.Merged)
			if err != nil {
				return "", fmt.Errorf("encode configuration: %w", err)
			}
			return string(out), nil
		},
	}
}
