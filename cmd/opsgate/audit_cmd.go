package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/opsgate/pkg/artifacts"
	"github.com/Mindburn-Labs/opsgate/pkg/audit"
)

// runAuditCmd implements `opsgate audit <export|verify>`.
//
// Exit codes:
//
//	0 = success / chain verified
//	1 = verification failed or runtime error
//	2 = usage error
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: opsgate audit <export|verify> [flags] <action-id>")
		return 2
	}
	switch args[0] {
	case "export":
		return runAuditExport(args[1:], stdout, stderr)
	case "verify":
		return runAuditVerify(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown audit command: %s\n", args[0])
		return 2
	}
}

func runAuditExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	out := cmd.String("out", "", "Also write a zip evidence pack to this path")
	noArchive := cmd.Bool("no-archive", false, "Skip the artifact store")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: opsgate audit export [--out pack.zip] [--no-archive] <action-id>")
		return 2
	}
	if *noArchive && *out == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --no-archive requires --out")
		return 2
	}
	actionID := cmd.Arg(0)

	ctx := context.Background()
	a, code := openForAudit(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.close(ctx)

	events, err := a.svc.GetAuditTrail(ctx, actionID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	bundle, err := audit.ExportBundle(actionID, events)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := audit.VerifyBundle(bundle); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: audit trail of %s does not verify: %v\n", actionID, err)
		return 1
	}

	if !*noArchive {
		archive, err := artifacts.New(ctx, a.cfg.Artifacts)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: artifact store: %v\n", err)
			return 1
		}
		key, err := audit.Archive(ctx, archive, bundle)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Archived %d events of %s as %s\n", bundle.EventCount, actionID, key)
	}

	if *out != "" {
		if err := writePackFile(*out, bundle); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Wrote evidence pack %s\n", *out)
	}
	return 0
}

func writePackFile(path string, b *audit.Bundle) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create pack: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return audit.WritePack(f, b)
}

// runAuditVerify checks a live trail by action id, an archived bundle by
// key, or a zip pack on disk.
func runAuditVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	key := cmd.String("key", "", "Verify the archived bundle with this content hash")
	pack := cmd.String("pack", "", "Verify a zip evidence pack")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	if *pack != "" {
		b, err := readPackFile(*pack)
		if err == nil {
			err = audit.VerifyBundle(b)
		}
		return reportVerify(stdout, stderr, *pack, b, err)
	}

	if *key == "" && cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: opsgate audit verify <action-id> | --key <hash> | --pack <file.zip>")
		return 2
	}

	a, code := openForAudit(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.close(ctx)

	if *key != "" {
		archive, err := artifacts.New(ctx, a.cfg.Artifacts)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: artifact store: %v\n", err)
			return 1
		}
		b, err := audit.LoadBundle(ctx, archive, *key)
		if err == nil {
			err = audit.VerifyBundle(b)
		}
		return reportVerify(stdout, stderr, *key, b, err)
	}

	actionID := cmd.Arg(0)
	events, err := a.svc.GetAuditTrail(ctx, actionID)
	if err == nil && len(events) == 0 {
		err = errors.New("no audit events")
	}
	if err == nil {
		err = audit.VerifyChain(events)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "FAIL %s: %v\n", actionID, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK %s: %d events, head %s\n", actionID, len(events), events[len(events)-1].Hash)
	return 0
}

func reportVerify(stdout, stderr io.Writer, name string, b *audit.Bundle, err error) int {
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "FAIL %s: %v\n", name, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK %s: action %s, %d events, head %s\n", name, b.ActionID, b.EventCount, b.ChainHead)
	return 0
}

func readPackFile(path string) (*audit.Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return audit.ReadPack(f, info.Size())
}

// openForAudit wires the app without webhooks or policy import; audit
// commands only read.
func openForAudit(ctx context.Context, stderr io.Writer) (*app, int) {
	cfg, code := loadConfig(stderr)
	if cfg == nil {
		return nil, code
	}
	cfg.PolicyFile = ""
	cfg.Webhooks = nil
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 1
	}
	return a, 0
}
