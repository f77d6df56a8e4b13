package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/opsgate/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) >= 2 {
		cmd = args[1]
	}
	var rest []string
	if len(args) > 2 {
		rest = args[2:]
	}

	switch cmd {
	case "serve", "server":
		cfg, code := loadConfig(stderr)
		if cfg == nil {
			return code
		}
		return startServer(cfg, stderr)
	case "sweep":
		return runSweepCmd(rest, stdout, stderr)
	case "policies":
		return runPoliciesCmd(rest, stdout, stderr)
	case "audit":
		return runAuditCmd(rest, stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: opsgate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve                          Start the approval API (default)")
	_, _ = fmt.Fprintln(w, "  sweep                          Run one escalation sweep and auto-execute pass")
	_, _ = fmt.Fprintln(w, "  policies import <path>         Create or update policies from a YAML bundle")
	_, _ = fmt.Fprintln(w, "  audit export <action-id>       Archive an action's audit bundle")
	_, _ = fmt.Fprintln(w, "  audit verify <action-id>       Verify an action's audit hash chain")
	_, _ = fmt.Fprintln(w, "  help                           Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from the environment (DATABASE_URL, REDIS_ADDR, ...).")
	_, _ = fmt.Fprintln(w, "Without DATABASE_URL opsgate runs in lite mode on SQLite under DATA_DIR.")
}

// loadConfig loads the environment and installs the default logger. A nil
// config comes with the exit code to return.
func loadConfig(stderr io.Writer) (*config.Config, int) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	setupLogging(cfg, stderr)
	return cfg, 0
}

func setupLogging(cfg *config.Config, w io.Writer) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}
