package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/opsgate/pkg/approval"
	"github.com/Mindburn-Labs/opsgate/pkg/escalation"
)

// runSweepCmd implements `opsgate sweep`: one escalation sweep followed by
// one auto-execute pass, for cron-driven deployments.
//
// Exit codes:
//
//	0 = both passes ran
//	1 = a pass failed
//	2 = usage or config error
func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	skipAuto := cmd.Bool("skip-auto-execute", false, "Only run the escalation sweep")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, code := loadConfig(stderr)
	if cfg == nil {
		return code
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(ctx)

	var out struct {
		Escalation  escalation.Report           `json:"escalation"`
		AutoExecute *approval.AutoExecuteReport `json:"auto_execute,omitempty"`
	}
	if out.Escalation, err = a.svc.RunEscalationSweep(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: escalation sweep: %v\n", err)
		return 1
	}
	if !*skipAuto {
		rep, err := a.svc.RunAutoExecutePass(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: auto-execute pass: %v\n", err)
			return 1
		}
		out.AutoExecute = &rep
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	return 0
}
