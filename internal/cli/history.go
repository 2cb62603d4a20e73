package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/rule-history/api"
	"github.com/warp/rule-history/export"
	"github.com/warp/rule-history/history"
)

// NewRulesCommand lists every rule in the database.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "rules",
		Short:        "List logical rule names",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(rootOpts, cmd)
			s, err := openSession(rootOpts, cmd)
			if err != nil {
				return out.Error(err)
			}
			defer s.Close()

			names, err := s.store.ListRules(cmd.Context())
			if err != nil {
				return out.Error(WrapExitError(ExitCommandError, "failed to list rules", err))
			}
			rules := make([]string, 0, len(names))
			for _, n := range names {
				rules = append(rules, string(n))
			}
			return out.Success(rules, func(w io.Writer) error {
				for _, r := range rules {
					fmt.Fprintln(w, r)
				}
				return nil
			})
		},
	}
}

// windowOptions are the --from/--to flags shared by history and summary.
type windowOptions struct {
	From string
	To   string
}

func (o *windowOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.From, "from", "", "window start, RFC3339 or YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&o.To, "to", "", "window end, RFC3339 or YYYY-MM-DD (inclusive)")
}

func loadHistory(rootOpts *RootOptions, win windowOptions, cmd *cobra.Command, name string) (*session, *history.History, error) {
	window, err := api.ParseWindow(win.From, win.To)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid window", err)
	}
	s, err := openSession(rootOpts, cmd)
	if err != nil {
		return nil, nil, err
	}
	hist, err := s.engine.History(cmd.Context(), history.LogicalName(name), window)
	if err != nil {
		return s, nil, engineExitError(err)
	}
	return s, hist, nil
}

// NewHistoryCommand prints the merged timeline of one rule.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var win windowOptions

	cmd := &cobra.Command{
		Use:   "history <rule>",
		Short: "Print the change timeline of a rule",
		Long: `Print version forks and in-place field edits of one rule, oldest first,
followed by summary statistics.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, hist, err := loadHistory(rootOpts, win, cmd, args[0])
			if s != nil {
				defer s.Close()
			}
			out := formatterFor(rootOpts, cmd)
			if err != nil {
				return out.Error(err)
			}
			return out.Success(api.ToHistoryResponse(hist), func(w io.Writer) error {
				if err := table(w, export.TimelineHeader, export.TimelineRows(hist)); err != nil {
					return err
				}
				for _, warn := range hist.Warnings {
					fmt.Fprintf(w, "warning: %v\n", warn)
				}
				fmt.Fprintln(w)
				rows := export.SummaryRows(hist.Summary)
				return table(w, rows[0], rows[1:])
			})
		},
	}
	win.register(cmd)
	return cmd
}

// NewSummaryCommand prints only the summary statistics.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	var win windowOptions

	cmd := &cobra.Command{
		Use:          "summary <rule>",
		Short:        "Print change statistics for a rule",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, hist, err := loadHistory(rootOpts, win, cmd, args[0])
			if s != nil {
				defer s.Close()
			}
			out := formatterFor(rootOpts, cmd)
			if err != nil {
				return out.Error(err)
			}
			return out.Success(api.ToSummaryDTO(hist.Summary), func(w io.Writer) error {
				rows := export.SummaryRows(hist.Summary)
				return table(w, rows[0], rows[1:])
			})
		},
	}
	win.register(cmd)
	return cmd
}

// NewCurrentCommand prints the state in effect now or at --as-of.
func NewCurrentCommand(rootOpts *RootOptions) *cobra.Command {
	var asOf string

	cmd := &cobra.Command{
		Use:          "current <rule>",
		Short:        "Print the version and field values currently in effect",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(rootOpts, cmd)

			var at time.Time
			if asOf != "" {
				t, err := api.ParseTime(asOf)
				if err != nil {
					return out.Error(WrapExitError(ExitCommandError, "invalid --as-of", err))
				}
				at = t
			}

			s, err := openSession(rootOpts, cmd)
			if err != nil {
				return out.Error(err)
			}
			defer s.Close()

			name := history.LogicalName(args[0])
			var state *history.CurrentState
			if at.IsZero() {
				state, err = s.engine.Current(cmd.Context(), name)
			} else {
				state, err = s.engine.CurrentAsOf(cmd.Context(), name, at)
			}
			if err != nil {
				return out.Error(engineExitError(err))
			}

			return out.Success(api.ToCurrentStateDTO(state), func(w io.Writer) error {
				v := state.Version
				fmt.Fprintf(w, "%s version %s (%s, %s) as of %s\n",
					state.LogicalName, v.VersionID, state.Status, v.CreationMethod,
					state.AsOf.UTC().Format(time.RFC3339))
				rows := make([][]string, 0, len(state.Fields))
				for _, f := range state.Fields {
					rows = append(rows, []string{
						f.Value.FieldName,
						f.Value.LiteralValue,
						f.Value.UpdatedAt.UTC().Format(time.RFC3339),
						f.Value.UpdatedBy,
						strconv.Itoa(f.DaysSinceLastUpdate),
					})
				}
				return table(w, []string{"field", "value", "updated_at", "updated_by", "days_since_update"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "point in time, RFC3339 or YYYY-MM-DD (default: now)")
	return cmd
}

// NewExportCommand writes the history as CSV or XLSX.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		win      windowOptions
		fileType string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "export <rule>",
		Short: "Export a rule's history as CSV or XLSX",
		Long: `Export the timeline and summary of one rule. Without --output the file
is written to the current directory under its suggested name; "-" writes
to stdout.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(rootOpts, cmd)

			format, err := export.ParseFormat(fileType)
			if err != nil {
				return out.Error(WrapExitError(ExitCommandError, "invalid --type", err))
			}

			s, hist, err := loadHistory(rootOpts, win, cmd, args[0])
			if s != nil {
				defer s.Close()
			}
			if err != nil {
				return out.Error(err)
			}

			if output == "-" {
				return export.Write(cmd.OutOrStdout(), format, hist)
			}
			if output == "" {
				output = format.Filename(hist.LogicalName, hist.GeneratedAt)
			}
			f, err := os.Create(output)
			if err != nil {
				return out.Error(WrapExitError(ExitCommandError, "failed to create output file", err))
			}
			if err := export.Write(f, format, hist); err != nil {
				f.Close()
				return out.Error(WrapExitError(ExitFailure, "failed to write export", err))
			}
			if err := f.Close(); err != nil {
				return out.Error(WrapExitError(ExitFailure, "failed to write export", err))
			}

			s.logger.Debug("export written", "rule", hist.LogicalName, "path", output, "records", len(hist.Timeline))
			return out.Success(map[string]any{"path": output, "records": len(hist.Timeline)}, func(w io.Writer) error {
				fmt.Fprintf(w, "wrote %d records to %s\n", len(hist.Timeline), output)
				return nil
			})
		},
	}
	win.register(cmd)
	cmd.Flags().StringVar(&fileType, "type", "csv", "file type (csv|xlsx)")
	cmd.Flags().StringVarP(&output, "output", "o", "", `output path ("-" for stdout)`)
	return cmd
}

func formatterFor(rootOpts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}
}
