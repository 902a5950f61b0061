package commands

import (
	"strings"

	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/manpages"
	"github.com/cinderd/cinder/internal/render"
)

func helpCommand() command.Descriptor {
	return command.Descriptor{
		Name:           "help",
		Description:    "List available commands",
		AllowInPlanner: true,
		Handler: func(ctx *command.Context, args []string) (string, error) {
			var rows [][]string
			for _, d := range ctx.Router.Descriptors() {
				usage := d.Name
				if d.Usage != "" {
					usage += " " + d.Usage
				}
				rows = append(rows, []string{"/" + usage, d.Description})
			}
			var out strings.Builder
			out.WriteString(render.Table([]string{"COMMAND", "DESCRIPTION"}, rows))
			out.WriteString(render.Dim("Use /man <command> for details.") + "\n")
			return out.String(), nil
		},
	}
}

func manCommand() command.Descriptor {
	return command.Descriptor{
		Name:           "man",
		Description:    "Show the manual page for a command",
		Usage:          "<command>",
		AllowInPlanner: true,
		Handler: func(ctx *command.Context, args []string) (string, error) {
			if len(args) != 1 {
				return "Available manuals: " + strings.Join(manpages.Names(), ", ") + "\n", nil
			}
			return manpages.Render(args[0])
		},
	}
}
