package commands

import (
	"fmt"
	"strings"

	"github.com/cinderd/cinder/internal/agents"
	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/render"
)

// agentsCommand lists agents and runs them on demand. Operator-only:
// letting the planner re-run agents is a capability nobody asked for.
func agentsCommand(deps Deps) command.Descriptor {
	return command.Descriptor{
		Name:        "agents",
		Description: "List registered agents or run them on demand",
		Usage:       "[run]",
		Handler: func(ctx *command.Context, args []string) (string, error) {
			if len(args) > 0 && args[0] == "run" {
				return runAgentsNow(ctx, deps)
			}
			return listAgents(ctx, deps)
		},
	}
}

func listAgents(ctx *command.Context, deps Deps) (string, error) {
	enabled := deps.Agents.Enabled(ctx.Bundle)
	state := ctx.Bundle.AgentState()

	var rows [][]string
	for _, d := range deps.Agents.Descriptors() {
		mode := "enabled"
		if !enabled[d.Name] {
			mode = "disabled"
		}
		last := render.Dim("never ran")
		if res, ok := state[d.Name]; ok {
			last = render.Status(res.Status)
		}
		flags := ""
		if d.RequiresReady {
			flags = "requires-ready"
		}
		rows = append(rows, []string{
			d.Name, mode, strings.Join(d.Triggers, ","), flags, last,
		})
	}

	var out strings.Builder
	out.WriteString(render.Title("Registered agents") + "\n")
	out.WriteString(render.Table([]string{"AGENT", "ENABLED", "TRIGGERS", "FLAGS", "LAST RUN"}, rows))
	return out.String(), nil
}

func runAgentsNow(ctx *command.Context, deps Deps) (string, error) {
	results := deps.Agents.Run(ctx.Ctx, agents.TriggerManual, ctx.Bundle)
	if len(results) == 0 {
		return "No agents are enabled for the manual trigger.\n", nil
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.Name, render.Status(r.Result.Status), r.Result.Detail})
	}
	var out strings.Builder
	out.WriteString(fmt.Sprintf("Ran %s:\n", render.Count(len(results), "agent")))
	out.WriteString(render.Table([]string{"AGENT", "STATUS", "DETAIL"}, rows))
	return out.String(), nil
}
