// Package main is the CLI entry point for ComplyGate — a compliance gate
// that intercepts proposed actions, decides whether they are permitted
// under the active rule set, and seals every decision into a
// hash-chained, signed audit ledger.
//
// Architecture overview:
//
//	caller --> POST /decide --> Context Builder --> Decision Engine
//	                             |                    |-- Geofence Validator
//	                             |                    +-- Constraint Evaluator
//	                             +-- verdict <-- Audit Ledger (hash-chained, signed)
//
// CLI commands (cobra):
//
//	complygate serve            - Run the HTTP gate service
//	complygate decide           - Decide one action and exit (0/2/3/1)
//	complygate rules            - Validate/list/init rule documents
//	complygate ledger           - Verify/export/tail the audit ledger
//	complygate config init      - Write a default config.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/complygate/complygate/internal/config"
	"github.com/complygate/complygate/internal/gate"
	"github.com/complygate/complygate/internal/ledger"
	"github.com/complygate/complygate/internal/proposition"
	"github.com/complygate/complygate/internal/rules"
	"github.com/complygate/complygate/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-20"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes for `complygate decide`.
const (
	exitPermit        = 0
	exitError         = 1
	exitBlock         = 2
	exitIndeterminate = 3
)

// defaultStateDir returns ~/.complygate/, where config.yaml, rules.yaml,
// the signing key, and the ledger/ directory live.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".complygate"
	}
	return filepath.Join(home, ".complygate")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitError)
	}
}

// stateDir is the global flag for the ComplyGate state directory.
var stateDir string

var rootCmd = &cobra.Command{
	Use:   "complygate",
	Short: "ComplyGate — compliance gate with a tamper-evident decision ledger",
	Long: `ComplyGate intercepts proposed actions (data transfers, triage decisions,
model deployments), evaluates them against jurisdiction- and domain-scoped
rules, and seals every PERMIT/BLOCK/INDETERMINATE decision into an
append-only, hash-chained, signed audit ledger.

Run 'complygate serve' to start the HTTP gate, or 'complygate decide' to
evaluate a single action from the command line.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&stateDir,
		"state-dir",
		defaultStateDir(),
		"Path to ComplyGate config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("complygate %s (commit: %s, built: %s)\n", version, commit, buildDate)
	},
}

// loadConfig reads config.yaml from the state directory.
func loadConfig() (*config.Config, error) {
	return config.Load(filepath.Join(stateDir, "config.yaml"), stateDir)
}

// buildStack assembles registry, ledger, and engine from configuration.
// Shared by serve and decide. onRecord, when non-nil, is wired as the
// ledger's append callback.
func buildStack(cfg *config.Config, metrics *gate.Metrics, onRecord func(ledger.Record)) (*rules.Registry, *ledger.Ledger, *gate.Engine, error) {
	registry := rules.NewRegistry()
	if metrics != nil {
		registry.OnPublish(func(rs *rules.RuleSet) {
			metrics.SetRuleSetVersion(rs.Version())
		})
	}
	if _, err := registry.LoadFile(cfg.Rules.Path); err != nil {
		return nil, nil, nil, fmt.Errorf("loading rules: %w", err)
	}

	var signer ledger.Signer
	if cfg.Ledger.Sign {
		s, err := ledger.LoadOrCreateEd25519Signer(cfg.Ledger.KeyFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading signing key: %w", err)
		}
		signer = s
	}

	led, err := ledger.Open(ledger.Options{
		Dir:      cfg.Ledger.Dir,
		Signer:   signer,
		OnAppend: onRecord,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening ledger: %w", err)
	}

	engine := gate.New(gate.Options{
		Registry:       registry,
		Ledger:         led,
		RuleTimeout:    time.Duration(cfg.Evaluation.RuleTimeoutMs) * time.Millisecond,
		EvalTimeout:    time.Duration(cfg.Evaluation.EvalTimeoutMs) * time.Millisecond,
		NoRuleRequired: cfg.Decisions.NoRuleRequired,
		Metrics:        metrics,
	})

	return registry, led, engine, nil
}

// ============================================================================
// complygate serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ComplyGate HTTP service",
	Long: `Run the gate as a long-lived HTTP service. The rule document is
hot-reloaded when it changes on disk; in-flight evaluations keep the
snapshot they started with.

Endpoints: POST /decide, POST /rules, GET /ledger/verify,
GET /ledger/export, GET /ledger/stream, GET /healthz, GET /metrics.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", stateDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var metrics *gate.Metrics
	if cfg.Metrics.Enabled {
		metrics = gate.NewMetrics()
	}

	// The server is created after the ledger, but the ledger needs the
	// broadcast callback at open time; route through an indirection. The
	// callback runs on the ledger writer goroutine.
	var srvPtr atomic.Pointer[server.Server]
	onRecord := func(rec ledger.Record) {
		if s := srvPtr.Load(); s != nil {
			s.Broadcast(rec)
		}
	}

	registry, led, engine, err := buildStack(cfg, metrics, onRecord)
	if err != nil {
		return err
	}
	defer led.Close()

	srv := server.New(server.Options{
		Config:   cfg,
		Registry: registry,
		Engine:   engine,
		Ledger:   led,
		Metrics:  metrics,
	})
	srvPtr.Store(srv)

	watcher, err := config.NewWatcher(cfg.Rules.Path, config.WatchTargets{
		OnRulesChange: func() {
			if _, err := registry.LoadFile(cfg.Rules.Path); err != nil {
				// Keep serving with the last published snapshot.
				fmt.Fprintf(os.Stderr, "rule reload failed: %v\n", err)
			}
		},
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ============================================================================
// complygate decide
// ============================================================================

var decideFile string

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Decide one proposed action and exit",
	Long: `Evaluate a single proposed-action JSON payload against the local state
directory's rules and ledger, print the decision, and exit with:

  0  PERMIT
  2  BLOCK
  3  INDETERMINATE
  1  malformed input or operational error

The payload is read from --file, or stdin when --file is omitted. This
command owns the ledger while it runs; do not point it at a ledger owned
by a running 'complygate serve'.`,
	RunE: runDecide,
}

func init() {
	decideCmd.Flags().StringVarP(&decideFile, "file", "f", "", "Path to the action payload (default: stdin)")
}

func runDecide(cmd *cobra.Command, args []string) error {
	var payload []byte
	var err error
	if decideFile != "" {
		payload, err = os.ReadFile(decideFile)
	} else {
		payload, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading action payload: %w", err)
	}

	var raw proposition.RawAction
	if err := json.Unmarshal(payload, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "malformed action: %v\n", err)
		os.Exit(exitError)
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", stateDir, err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	_, led, engine, err := buildStack(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer led.Close()

	decision, rec, err := engine.Decide(cmd.Context(), raw)
	if err != nil {
		var malformed *proposition.MalformedActionError
		if errors.As(err, &malformed) {
			fmt.Fprintln(os.Stderr, malformed.Error())
			os.Exit(exitError)
		}
		return err
	}

	out := map[string]any{
		"correlation_id":  decision.ID,
		"verdict":         decision.Verdict,
		"matched_rules":   decision.MatchedRuleIDs(),
		"reason":          decision.Reason,
		"ledger_sequence": rec.Seq,
		"ruleset_version": decision.RuleSetVersion,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	switch decision.Verdict {
	case gate.VerdictPermit:
		os.Exit(exitPermit)
	case gate.VerdictBlock:
		os.Exit(exitBlock)
	default:
		os.Exit(exitIndeterminate)
	}
	return nil
}

// ============================================================================
// complygate rules
// ============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage rule documents",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a rule document without publishing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		n, err := rules.ValidateDocument(data)
		if err != nil {
			return err
		}
		fmt.Printf("OK: %d custom rule(s)\n", n)
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the effective rules (builtins + custom)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry := rules.NewRegistry()
		rs, err := registry.LoadFile(cfg.Rules.Path)
		if err != nil {
			return err
		}
		fmt.Printf("rule set version %d (%s), %d rule(s)\n\n", rs.Version(), rs.ContentHash(), rs.Len())
		for _, r := range rs.Rules() {
			kind := "constraint"
			if r.Residency {
				kind = "residency"
			}
			origin := "custom"
			if r.Builtin {
				origin = "builtin"
			}
			fmt.Printf("  %-40s %-10s %-10s %-8s %v\n", r.ID, kind, string(r.Severity), origin, []string(r.Jurisdictions))
		}
		return nil
	},
}

var rulesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented starter rules.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Rules.Path), 0o755); err != nil {
			return err
		}
		if _, err := os.Stat(cfg.Rules.Path); err == nil {
			return fmt.Errorf("%s already exists", cfg.Rules.Path)
		}
		if err := rules.WriteDefaultDocument(cfg.Rules.Path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", cfg.Rules.Path)
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesInitCmd)
}

// ============================================================================
// complygate ledger
// ============================================================================

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the audit ledger",
}

var (
	ledgerFrom   int64
	ledgerTo     int64
	exportFormat string
	tailCount    int
)

// openLedgerReadOnly opens the ledger without the SQLite index so
// inspection never writes alongside a running server.
func openLedgerReadOnly(cfg *config.Config) (*ledger.Ledger, error) {
	var signer ledger.Signer
	if cfg.Ledger.Sign {
		s, err := ledger.LoadOrCreateEd25519Signer(cfg.Ledger.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading signing key: %w", err)
		}
		signer = s
	}
	return ledger.Open(ledger.Options{
		Dir:          cfg.Ledger.Dir,
		Signer:       signer,
		DisableIndex: true,
	})
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the hash chain and report the first discontinuity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		led, err := openLedgerReadOnly(cfg)
		if err != nil {
			return err
		}
		defer led.Close()

		result, err := led.Verify(ledgerFrom, ledgerTo)
		var integrity *ledger.ChainIntegrityError
		if errors.As(err, &integrity) {
			fmt.Printf("BROKEN_AT %d: %s (checked %d record(s))\n", integrity.Seq, integrity.Reason, result.Checked)
			os.Exit(exitError)
		}
		if err != nil {
			return err
		}
		fmt.Printf("INTACT: %d record(s) verified\n", result.Checked)
		return nil
	},
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a ledger segment for external audit tooling",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		led, err := openLedgerReadOnly(cfg)
		if err != nil {
			return err
		}
		defer led.Close()
		return led.Export(os.Stdout, exportFormat, ledgerFrom, ledgerTo)
	},
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent ledger records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		led, err := openLedgerReadOnly(cfg)
		if err != nil {
			return err
		}
		defer led.Close()

		recs, err := led.Tail(tailCount)
		if err != nil {
			return err
		}
		for _, r := range recs {
			fmt.Printf("%6d  %-30s  %-13s  %-20s  %s\n", r.Seq, r.Timestamp, r.Verdict, r.Category, r.CorrelationID)
		}
		return nil
	},
}

func init() {
	ledgerCmd.PersistentFlags().Int64Var(&ledgerFrom, "from", 0, "First sequence number (inclusive)")
	ledgerCmd.PersistentFlags().Int64Var(&ledgerTo, "to", -1, "Last sequence number (inclusive; -1 = end)")
	ledgerExportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, or csv")
	ledgerTailCmd.Flags().IntVarP(&tailCount, "count", "n", 20, "Number of records to show")

	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
}

// ============================================================================
// complygate config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage gate configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(stateDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.WriteDefault(path, stateDir); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
