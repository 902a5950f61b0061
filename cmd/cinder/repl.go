package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cinderd/cinder/internal/planner"
	"github.com/cinderd/cinder/internal/render"
)

// runREPL reads operator input until EOF or an exit directive.
//
// Lines starting with "/" are dispatched through the command router
// with interactive origin. Anything else is planner territory: this
// node performs no inference itself, so free text is only accepted
// when planner.enabled is set, and then it is parsed as planner
// OUTPUT — the operator runs the prompt against their own model and
// pastes the result back. The "prompt" directive prints the prompt to
// feed that model.
func runREPL(ctx context.Context, stdout, stderr io.Writer, stdin io.Reader, n *node) error {
	b := n.Bundle()
	fmt.Fprintln(stdout, render.Title(b.String("runtime.name", "cinder-node")))
	fmt.Fprintln(stdout, render.Dim("Type /help for commands, exit to quit."))
	if b.Bool("ui.verbose", false) {
		for _, src := range b.Sources {
			fmt.Fprintln(stdout, render.Dim(fmt.Sprintf("  %s (%s)", src.Path, src.Origin)))
		}
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(stdout, "cinder> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(stdout)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case line == "prompt":
			fmt.Fprintln(stdout, planner.BuildPrompt(n.router))
		case strings.HasPrefix(line, "/"):
			dispatch(ctx, stdout, stderr, n, line)
		default:
			applyPlannerOutput(ctx, stdout, stderr, n, line)
		}
	}
}

// dispatch runs a single "/command args" line through the router.
func dispatch(ctx context.Context, stdout, stderr io.Writer, n *node, line string) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return
	}
	out, err := n.router.Invoke(n.Context(ctx), fields[0], fields[1:])
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return
	}
	if out != "" {
		fmt.Fprintln(stdout, out)
	}
}

// applyPlannerOutput parses free text as a planner response and
// executes any embedded commands with planner origin, so the router's
// metadata gate decides what actually runs.
func applyPlannerOutput(ctx context.Context, stdout, stderr io.Writer, n *node, line string) {
	if !n.Bundle().Bool("planner.enabled", false) {
		fmt.Fprintln(stdout, render.Dim("Planning is disabled (planner.enabled is false). Use /help for commands."))
		return
	}

	plan := planner.ParsePlan(line)
	if plan.Response != "" {
		fmt.Fprintln(stdout, plan.Response)
	}
	if len(plan.Commands) == 0 {
		return
	}

	cmdCtx := n.Context(ctx)
	for _, res := range planner.Apply(cmdCtx, n.router, plan) {
		if res.Err != nil {
			fmt.Fprintf(stderr, "planner /%s refused: %v\n", res.Command, res.Err)
			continue
		}
		fmt.Fprintf(stdout, "planner /%s:\n%s\n", res.Command, res.Output)
	}
}
