// Package planner is the boundary between free-text automation and
// the command surface. It renders the prompt describing what a planner
// may do, parses the plan a planner produced, and applies that plan
// through the command router. Nothing here calls a model; the caller
// owns inference. The safety property lives in Apply: parsed commands
// run with the planner origin, so the router's descriptor gate — not
// anything about the text — decides what is permitted.
package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cinderd/cinder/internal/command"
)

// Plan is a parsed planner response: prose for the operator plus the
// commands the planner wants executed.
type Plan struct {
	Response string   `json:"response"`
	Commands []string `json:"commands"`
}

// commandMarker is the fallback syntax for planners that cannot be
// trusted to emit clean JSON: [[COMMAND:status]] anywhere in the text.
var commandMarker = regexp.MustCompile(`\[\[COMMAND:(.*?)\]\]`)

// BuildPrompt renders the planner instructions over exactly the
// commands the router currently allows planners to use. The permitted
// set is recomputed on every call; a stale prompt can at worst cause a
// rejection, never an unauthorized run.
func BuildPrompt(router *command.Router) string {
	var b strings.Builder
	b.WriteString("You operate an edge node through a fixed command set.\n")
	b.WriteString("Respond with JSON: {\"response\": <text for the operator>, ")
	b.WriteString("\"commands\": [<commands to run, in order>]}.\n")
	b.WriteString("Use only the commands listed below. Any other command will be refused.\n\n")
	b.WriteString("Available commands:\n")
	for _, d := range router.PlannerCommands() {
		b.WriteString(fmt.Sprintf("  %s", d.Name))
		if d.Usage != "" {
			b.WriteString(" " + d.Usage)
		}
		b.WriteString(" — " + d.Description + "\n")
	}
	return b.String()
}

// ParsePlan extracts a plan from raw planner output. Strict JSON is
// preferred; when that fails, [[COMMAND:...]] markers are collected
// and the surrounding text becomes the response. Output with neither
// yields a plan with no commands — prose only.
func ParsePlan(raw string) Plan {
	trimmed := strings.TrimSpace(raw)

	// Planners love to wrap JSON in code fences.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(trimmed), &plan); err == nil {
		plan.Commands = cleanCommands(plan.Commands)
		return plan
	}

	matches := commandMarker.FindAllStringSubmatch(raw, -1)
	var commands []string
	for _, m := range matches {
		commands = append(commands, m[1])
	}
	return Plan{
		Response: strings.TrimSpace(commandMarker.ReplaceAllString(raw, "")),
		Commands: cleanCommands(commands),
	}
}

func cleanCommands(cmds []string) []string {
	var out []string
	for _, c := range cmds {
		c = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c), "/"))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// CommandResult is the outcome of one applied plan command.
type CommandResult struct {
	Command string
	Output  string
	Err     error
}

// Apply executes a plan's commands through the router with the
// planner origin, in order. A refused or failed command does not stop
// the rest; each result is reported so the operator sees exactly what
// the planner attempted.
func Apply(ctx *command.Context, router *command.Router, plan Plan) []CommandResult {
	results := make([]CommandResult, 0, len(plan.Commands))
	for _, line := range plan.Commands {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		plannerCtx := *ctx
		plannerCtx.Origin = command.OriginPlanner
		out, err := router.Invoke(&plannerCtx, fields[0], fields[1:])
		results = append(results, CommandResult{Command: line, Output: out, Err: err})
	}
	return results
}
