package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/warp/rule-history/history"
	"github.com/warp/rule-history/internal/config"
	"github.com/warp/rule-history/store/sqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DBPath    string
	ConfigDir string
	Format    string // "json" | "text"
	Verbose   bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the rulehist CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rulehist",
		Short: "Pricing rule change history",
		Long: `Reconstructs the change history of pricing rules from their version
and field-value rows, and reports the state currently in effect.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceErrors: true, // main prints errors the formatter has not
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", ".", "directory holding config.yaml")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")

	// Add subcommands
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSummaryCommand(opts))
	cmd.AddCommand(NewCurrentCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// session is what every data command needs: settings, an open store and
// an engine reading from it.
type session struct {
	cfg    config.Config
	store  *sqlite.Store
	engine *history.Engine
	logger *slog.Logger
}

func openSession(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(opts.ConfigDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DBPath != "" {
		cfg.Database.Path = opts.DBPath
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create database directory", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	return &session{
		cfg:    cfg,
		store:  store,
		engine: history.NewEngine(store, cfg.Engine, logger),
		logger: logger,
	}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}
