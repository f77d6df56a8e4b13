package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/opsgate/pkg/config"
)

// runPoliciesCmd implements `opsgate policies import <path>`. Policies are
// matched by name: existing ones are updated, new ones created.
func runPoliciesCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "import" {
		_, _ = fmt.Fprintln(stderr, "Usage: opsgate policies import [--dry-run] <file.yaml|dir>")
		return 2
	}
	cmd := flag.NewFlagSet("policies import", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dryRun := cmd.Bool("dry-run", false, "Validate the bundle without writing")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one bundle path is required")
		return 2
	}
	path := cmd.Arg(0)

	policies, err := config.LoadPolicies(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *dryRun {
		_, _ = fmt.Fprintf(stdout, "%s: %d policies OK\n", path, len(policies))
		return 0
	}

	cfg, code := loadConfig(stderr)
	if cfg == nil {
		return code
	}
	// The bundle given here is the one to import, not POLICY_FILE.
	cfg.PolicyFile = ""

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(ctx)

	created, updated, err := a.svc.ImportPolicies(ctx, policies)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (created %d, updated %d before failing)\n", err, created, updated)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Imported %s: %d created, %d updated\n", path, created, updated)
	return 0
}
