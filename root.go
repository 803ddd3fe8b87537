package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ahosio/cloudbackup/internal/catalog"
	"github.com/ahosio/cloudbackup/internal/config"
	"github.com/ahosio/cloudbackup/internal/secrets"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in setupRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIContext bundles the resolved config, logger, and opened catalog —
// the dependencies every subcommand needs. Created once in
// PersistentPreRunE and stashed in the command's context so RunE
// handlers never redo config loading or database opening.
type CLIContext struct {
	Cfg     *config.Config
	Logger  *slog.Logger
	Catalog *catalog.Store
	Secrets *secrets.Store
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — PersistentPreRunE must run before RunE")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with
// all subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cloudbackup",
		Short:         "Multi-account cloud-storage backup engine",
		Long:          "A content-addressed backup engine for cloud storage accounts: incremental sync, retention, and garbage collection.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadCLIContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newGCCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadCLIContext resolves configuration, opens the catalog database and
// the secrets store, and stashes the result in the command's context.
func loadCLIContext(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	path := flagConfigPath
	if path == "" {
		path = defaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	finalLogger := buildLogger(cfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := catalog.Open(ctx, cfg.Storage.CatalogPath, finalLogger)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}

	cc := &CLIContext{
		Cfg:     cfg,
		Logger:  finalLogger,
		Catalog: store,
		Secrets: secrets.Open(cfg.Storage.SecretsPath),
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

func defaultConfigPath() string {
	if p := os.Getenv("CLOUDBACKUP_CONFIG"); p != "" {
		return p
	}

	return "/etc/cloudbackup/config.toml"
}

// buildLogger creates an slog.Logger configured by the resolved config
// and CLI flags. Pass nil for pre-config bootstrap. Config-file log
// level provides the baseline; --verbose, --debug, and --quiet override
// it since CLI flags always win (enforced mutually exclusive by Cobra).
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
