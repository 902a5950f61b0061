package commands

import (
	"fmt"
	"strings"

	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/config"
	"github.com/cinderd/cinder/internal/render"
)

// configCommand inspects and mutates configuration. Operator-only:
// the planner must not be able to rewrite the node's configuration.
func configCommand() command.Descriptor {
	return command.Descriptor{
		Name:        "config",
		Description: "Inspect the merged configuration, set overrides, revalidate",
		Usage:       "[get <key> | set <key> <value> | validate]",
		Handler:     runConfig,
	}
}

func runConfig(ctx *command.Context, args []string) (string, error) {
	if len(args) == 0 {
		return configOverview(ctx.Bundle), nil
	}
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: config get <key>")
		}
		return configGet(ctx.Bundle, args[1])
	case "set":
		if len(args) < 3 {
			return "", fmt.Errorf("usage: config set <key> <value>")
		}
		return configSet(ctx, args[1], strings.Join(args[2:], " "))
	case "validate":
		return configValidate(ctx)
	default:
		return "", fmt.Errorf("unknown config subcommand %q", args[0])
	}
}

func configOverview(b *config.Bundle) string {
	var out strings.Builder
	out.WriteString(render.Title("Configuration") + "\n\n")
	out.WriteString(render.KeyValues([][2]string{
		{"readiness", render.Readiness(b.Readiness)},
		{"diagnostics", diagnosticsSummary(b)},
	}))
	out.WriteString("\n" + render.Title("Sources") + "\n")
	rows := make([][]string, 0, len(b.Sources))
	for i, s := range b.Sources {
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), string(s.Origin), s.Path})
	}
	out.WriteString(render.Table([]string{"#", "TIER", "DOCUMENT"}, rows))
	return out.String()
}

func configGet(b *config.Bundle, key string) (string, error) {
	v, ok := b.Get(key)
	if !ok {
		return "", fmt.Errorf("key %q is not set", key)
	}
	return fmt.Sprintf("%s = %s\n", key, config.FormatValue(v)), nil
}

func configSet(ctx *command.Context, key, rawValue string) (string, error) {
	if ctx.Reload == nil {
		return "", fmt.Errorf("configuration changes are not available in this session")
	}
	value := config.ParseScalar(rawValue)
	if err := config.WriteOverride(ctx.Bundle.VaultDir, key, value); err != nil {
		return "", fmt.Errorf("write override: %w", err)
	}

	fresh, err := ctx.Reload()
	if err != nil {
		return "", fmt.Errorf("override written but reload failed: %w", err)
	}

	var out strings.Builder
	out.WriteString(fmt.Sprintf("%s = %s\n", key, config.FormatValue(value)))
	if !config.KnownKey(key) {
		out.WriteString(render.Dim("note: key is not in the schema; it will load with a warning") + "\n")
	}
	out.WriteString(fmt.Sprintf("reloaded: readiness %s, %s\n",
		render.Readiness(fresh.Readiness), diagnosticsSummary(fresh)))
	return out.String(), nil
}

func configValidate(ctx *command.Context) (string, error) {
	if ctx.Reload == nil {
		return "", fmt.Errorf("revalidation is not available in this session")
	}
	fresh, err := ctx.Reload()
	if err != nil {
		return "", fmt.Errorf("reload: %w", err)
	}

	var out strings.Builder
	out.WriteString(fmt.Sprintf("readiness: %s\n", render.Readiness(fresh.Readiness)))
	diags := fresh.Diagnostics()
	if len(diags) == 0 {
		out.WriteString("no diagnostics\n")
		return out.String(), nil
	}
	rows := make([][]string, 0, len(diags))
	for _, d := range diags {
		rows = append(rows, []string{render.Severity(d.Severity), d.Source, d.Message})
	}
	out.WriteString(render.Table([]string{"LEVEL", "SOURCE", "MESSAGE"}, rows))
	return out.String(), nil
}
