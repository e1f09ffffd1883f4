// Command aegis is the operator CLI for the governance core: chain
// verification, replay, stats, audit export and a demo evaluation loop.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aegis-labs/aegis/core/pkg/anomaly"
	"github.com/aegis-labs/aegis/core/pkg/approval"
	"github.com/aegis-labs/aegis/core/pkg/config"
	"github.com/aegis-labs/aegis/core/pkg/contracts"
	"github.com/aegis-labs/aegis/core/pkg/governor"
	"github.com/aegis-labs/aegis/core/pkg/ledger"
	"github.com/aegis-labs/aegis/core/pkg/observability"
	"github.com/aegis-labs/aegis/core/pkg/policy"
	"github.com/aegis-labs/aegis/core/pkg/trust"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "stats":
		return runStats(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "evaluate":
		return runEvaluate(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "aegis: unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: aegis <command> [flags]

Commands:
  verify    walk a chain and report integrity issues
  replay    print a chain's payloads in order
  stats     print a chain's entry count, head and integrity
  export    write a self-verifying audit bundle to a file
  evaluate  run one governance evaluation against the configured rules`)
}

func openLedger(cfgPath string) (*ledger.Ledger, func(), error) {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	cleanup := func() {}
	var store ledger.Store
	switch cfg.Ledger.Backend {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Ledger.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		s, err := ledger.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		store = s
		cleanup = func() { db.Close() }
	case "postgres":
		db, err := sql.Open("postgres", cfg.Ledger.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		s := ledger.NewPostgresStore(db)
		if err := s.Init(context.Background()); err != nil {
			db.Close()
			return nil, nil, err
		}
		store = s
		cleanup = func() { db.Close() }
	default:
		store = ledger.NewMemoryStore()
	}
	return ledger.New(store), cleanup, nil
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to config file")
	chain := fs.String("chain", "global", "chain to verify")
	limit := fs.Int("limit", 0, "verify at most N entries (0 = all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	led, cleanup, err := openLedger(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	defer cleanup()

	valid, issues, err := led.VerifyChain(context.Background(), *chain, *limit)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	if valid {
		fmt.Fprintf(stdout, "chain %s: valid\n", *chain)
		return 0
	}
	fmt.Fprintf(stdout, "chain %s: %d issue(s)\n", *chain, len(issues))
	for _, issue := range issues {
		fmt.Fprintf(stdout, "  seq %d: %s %s\n", issue.Sequence, issue.Kind, issue.Detail)
	}
	return 1
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to config file")
	chain := fs.String("chain", "global", "chain to replay")
	start := fs.Uint64("start", 0, "first sequence")
	end := fs.Uint64("end", 0, "last sequence (0 = head)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	led, cleanup, err := openLedger(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	defer cleanup()

	payloads, err := led.Replay(context.Background(), *chain, *start, *end)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	for _, p := range payloads {
		fmt.Fprintln(stdout, string(p))
	}
	return 0
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to config file")
	chain := fs.String("chain", "global", "chain to summarize")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	led, cleanup, err := openLedger(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	defer cleanup()

	stats, err := led.Stats(context.Background(), *chain)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to config file")
	chain := fs.String("chain", "global", "chain to export")
	start := fs.Uint64("start", 0, "first sequence")
	end := fs.Uint64("end", 0, "last sequence (0 = head)")
	outPath := fs.String("out", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	led, cleanup, err := openLedger(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	defer cleanup()

	bundle, err := led.ExportBundle(context.Background(), *chain, *start, *end)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	if *outPath == "" {
		fmt.Fprintln(stdout, string(raw))
		return 0
	}
	if err := os.WriteFile(*outPath, raw, 0o600); err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote bundle %s (%d entries) to %s\n", bundle.BundleID, bundle.EntryCount, *outPath)
	return 0
}

func runEvaluate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to config file")
	actorID := fs.String("actor", "", "actor id")
	tenantID := fs.String("tenant", "", "tenant id")
	role := fs.String("role", "employee", "actor role")
	capability := fs.String("capability", "", "capability to request")
	payloadJSON := fs.String("payload", "{}", "request payload as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *actorID == "" || *capability == "" {
		fmt.Fprintln(stderr, "aegis: -actor and -capability are required")
		return 2
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
		fmt.Fprintln(stderr, "aegis: bad payload:", err)
		return 2
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(stderr, "aegis:", err)
			return 1
		}
		cfg = loaded
	}

	g, cleanup, err := buildGovernor(cfg, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	defer cleanup()

	actor := contracts.Actor{ID: *actorID, TenantID: *tenantID, Role: *role}
	decision, err := g.Evaluate(context.Background(), actor, *capability, payload)
	if err != nil {
		fmt.Fprintln(stderr, "aegis:", err)
		return 1
	}
	out, _ := json.MarshalIndent(decision, "", "  ")
	fmt.Fprintln(stdout, string(out))
	return 0
}

// buildGovernor wires the full stack from configuration.
func buildGovernor(cfg *config.Config, stderr io.Writer) (*governor.Governor, func(), error) {
	log := slog.New(slog.NewTextHandler(stderr, nil))

	obs, err := observability.New(context.Background(), cfg.Observability)
	if err != nil {
		return nil, nil, err
	}
	cleanups := []func(){func() { _ = obs.Shutdown(context.Background()) }}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var ledStore ledger.Store
	switch cfg.Ledger.Backend {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Ledger.DSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		s, err := ledger.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			cleanup()
			return nil, nil, err
		}
		ledStore = s
		cleanups = append(cleanups, func() { db.Close() })
	case "postgres":
		db, err := sql.Open("postgres", cfg.Ledger.DSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		s := ledger.NewPostgresStore(db)
		if err := s.Init(context.Background()); err != nil {
			db.Close()
			cleanup()
			return nil, nil, err
		}
		ledStore = s
		cleanups = append(cleanups, func() { db.Close() })
	default:
		ledStore = ledger.NewMemoryStore()
	}
	led := ledger.New(ledStore, ledger.WithLogger(log))

	var trustStore trust.Store
	if cfg.TrustStore.Backend == "sqlite" {
		s, err := trust.NewSQLiteStore(cfg.TrustStore.DSN)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		trustStore = s
	} else {
		trustStore = trust.NewMemoryStore()
	}
	trustSvc := trust.NewService(trustStore, cfg.Trust, led, trust.WithLogger(log))

	var approvalStore approval.Store
	if cfg.ApprovalStore.Backend == "sqlite" {
		s, err := approval.NewSQLiteStore(cfg.ApprovalStore.DSN)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		approvalStore = s
	} else {
		approvalStore = approval.NewMemoryStore()
	}
	approvals := approval.NewManager(approvalStore, cfg.Approval, led, approval.WithLogger(log))

	var lockouts anomaly.LockoutStore
	if cfg.Redis.Enabled {
		lockouts = anomaly.NewRedisLockoutStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	} else {
		lockouts = anomaly.NewMemoryLockoutStore()
	}
	var alerter *anomaly.Alerter
	if cfg.Webhook.URL != "" {
		minSev, err := contracts.ParseSeverity(cfg.Webhook.MinSeverity)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		alerter = anomaly.NewAlerter(cfg.Webhook.URL,
			anomaly.WithMinSeverity(minSev),
			anomaly.WithAlertLogger(log))
	}
	detector := anomaly.NewDetector(led, lockouts, trustSvc, alerter, cfg.Anomaly,
		anomaly.WithLogger(log))

	rules, err := loadRules(cfg, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	store, err := policy.NewStore(rules...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	engine := policy.NewEngine(store, log)

	g := governor.New(engine, trustSvc, cfg.Trust, approvals, detector, led, cfg.Governor,
		governor.WithLogger(log),
		governor.WithObservability(obs))
	return g, cleanup, nil
}

// loadRules reads rules from the configured bundle directory and DSL file,
// falling back to the built-in defaults when neither is set.
func loadRules(cfg *config.Config, log *slog.Logger) ([]*policy.Rule, error) {
	var rules []*policy.Rule
	if cfg.Policy.BundleDir != "" {
		loader, err := policy.NewLoader(log)
		if err != nil {
			return nil, err
		}
		loaded, err := loader.LoadDir(cfg.Policy.BundleDir)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
	}
	if cfg.Policy.DSLFile != "" {
		raw, err := os.ReadFile(cfg.Policy.DSLFile)
		if err != nil {
			return nil, fmt.Errorf("read dsl file: %w", err)
		}
		parsed, warnings := policy.ParseDSL(string(raw), log)
		if len(warnings) > 0 {
			log.Warn("dsl file has unparseable lines", "file", cfg.Policy.DSLFile, "skipped", len(warnings))
		}
		rules = append(rules, parsed...)
	}
	if len(rules) == 0 {
		rules = policy.DefaultRules()
	}
	return rules, nil
}
