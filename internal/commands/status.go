package commands

import (
	"fmt"
	"strings"

	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/config"
	"github.com/cinderd/cinder/internal/render"
)

// statusCommand reports the node at a glance. It is deliberately
// ungated: when the configuration is broken, this is the command that
// has to keep working.
func statusCommand(deps Deps) command.Descriptor {
	return command.Descriptor{
		Name:           "status",
		Description:    "Show configuration readiness, diagnostics, and agent state",
		AllowInPlanner: true,
		Handler: func(ctx *command.Context, args []string) (string, error) {
			return runStatus(ctx, deps)
		},
	}
}

func runStatus(ctx *command.Context, deps Deps) (string, error) {
	b := ctx.Bundle
	var out strings.Builder

	out.WriteString(render.Title("Node status") + "\n\n")
	out.WriteString(render.KeyValues([][2]string{
		{"node", b.String("runtime.name", "cinder-node")},
		{"readiness", render.Readiness(b.Readiness)},
		{"vault", b.VaultDir},
		{"documents", render.Count(len(b.Sources), "source")},
	}))

	if diags := b.Diagnostics(); len(diags) > 0 {
		out.WriteString("\n" + render.Title("Diagnostics") + "\n")
		rows := make([][]string, 0, len(diags))
		for _, d := range diags {
			rows = append(rows, []string{render.Severity(d.Severity), d.Source, d.Message})
		}
		out.WriteString(render.Table([]string{"LEVEL", "SOURCE", "MESSAGE"}, rows))
	}

	state := b.AgentState()
	if len(state) > 0 {
		out.WriteString("\n" + render.Title("Agents") + "\n")
		var rows [][]string
		for _, d := range deps.Agents.Descriptors() {
			res, ok := state[d.Name]
			if !ok {
				continue
			}
			rows = append(rows, []string{
				d.Name,
				render.Status(res.Status),
				res.Detail,
				res.Timestamp.Format("15:04:05"),
			})
		}
		out.WriteString(render.Table([]string{"AGENT", "STATUS", "DETAIL", "AT"}, rows))
	} else {
		out.WriteString("\n" + render.Dim("No agents have run yet.") + "\n")
	}
	return out.String(), nil
}

// diagnosticsSummary condenses diagnostics for one-line surfaces.
func diagnosticsSummary(b *config.Bundle) string {
	var warns, errs int
	for _, d := range b.Diagnostics() {
		if d.Severity == config.SeverityError {
			errs++
		} else {
			warns++
		}
	}
	if warns == 0 && errs == 0 {
		return "no diagnostics"
	}
	return fmt.Sprintf("%d warnings, %d errors", warns, errs)
}
