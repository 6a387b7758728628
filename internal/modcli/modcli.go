// Package modcli drives the Moderne mod CLI.
package modcli

import (
	"context"
	"fmt"
	"sort"

	"fixline/internal/command"
)

const DefaultBinary = "mod"

// Client issues mod subcommands through a command.Runner.
type Client struct {
	Runner command.Runner
	Binary string
	// Dir is the working directory for every invocation; empty means the process cwd.
	Dir string
}

func New(r command.Runner, binary string) Client {
	if binary == "" {
		binary = DefaultBinary
	}
	return Client{Runner: r, Binary: binary}
}

func (c Client) run(ctx context.Context, args ...string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	res, err := c.Runner.Run(ctx, c.Dir, bin, args...)
	if err != nil {
		return res.Stdout, err
	}
	return res.Stdout, nil
}

// Sync materialises the repositories listed in the descriptor under workspace.
func (c Client) Sync(ctx context.Context, workspace, descriptorPath string) (string, error) {
	return c.run(ctx, "git", "sync", "csv", "--with-sources", workspace, descriptorPath)
}

// Build produces or refreshes the LSTs for everything under workspace.
func (c Client) Build(ctx context.Context, workspace string) (string, error) {
	return c.run(ctx, "build", workspace)
}

// RunArgs returns the argv (without the binary) for one recipe run. Options are emitted in
// key order.
func RunArgs(workspace, recipeID string, options map[string]string) []string {
	args := []string{"run", workspace, "--recipe", recipeID}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("-P%s=%s", k, options[k]))
	}
	return args
}

// Run executes one recipe against workspace.
func (c Client) Run(ctx context.Context, workspace, recipeID string, options map[string]string) (string, error) {
	return c.run(ctx, RunArgs(workspace, recipeID, options)...)
}

// Apply writes the patch of a recipe run onto the checkout at repoPath.
func (c Client) Apply(ctx context.Context, workspace, runID, repoPath string) (string, error) {
	cl := c
	if cl.Dir == "" {
		cl.Dir = workspace
	}
	return cl.run(ctx, "git", "apply", "--recipe-run", runID, repoPath)
}

// ExportRecipes writes the recipe catalog as JSON to path.
func (c Client) ExportRecipes(ctx context.Context, path string) (string, error) {
	return c.run(ctx, "config", "recipes", "export", "json", path)
}
