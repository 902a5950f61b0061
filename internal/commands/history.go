package commands

import (
	"fmt"
	"strconv"

	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/render"
)

func historyCommand(deps Deps) command.Descriptor {
	return command.Descriptor{
		Name:           "history",
		Description:    "Show recent command invocations",
		Usage:          "[count]",
		AllowInPlanner: true,
		Handler: func(ctx *command.Context, args []string) (string, error) {
			limit := 20
			if len(args) > 0 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return "", fmt.Errorf("count must be a positive number, got %q", args[0])
				}
				limit = n
			}

			invs, err := deps.History.Recent(limit)
			if err != nil {
				return "", fmt.Errorf("read history: %w", err)
			}
			if len(invs) == 0 {
				return "No recorded invocations.\n", nil
			}

			rows := make([][]string, 0, len(invs))
			for _, inv := range invs {
				cmd := inv.Command
				if inv.Args != "" {
					cmd += " " + inv.Args
				}
				rows = append(rows, []string{
					inv.Timestamp.Local().Format("Jan 02 15:04:05"),
					inv.Origin,
					cmd,
					inv.Outcome,
				})
			}
			return render.Table([]string{"WHEN", "ORIGIN", "COMMAND", "OUTCOME"}, rows), nil
		},
	}
}
