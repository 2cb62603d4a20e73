package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/rule-history/api"
	"github.com/warp/rule-history/history"
)

// ReconcileResult is one row of `rulehist reconcile` output.
type ReconcileResult struct {
	Rule      string `json:"rule"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Records   int    `json:"records"`
	Warnings  int    `json:"warnings"`
	VersionID int64  `json:"version_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewReconcileCommand reconciles rules in parallel and records one run per
// rule, like the server's scheduled sweep.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [rule...]",
		Short: "Reconcile rules and record the runs",
		Long: `Build the history and current state of the named rules (all rules when
none are given) and record each outcome in the run audit. Exits 1 when any
rule failed or had no single active version.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(rootOpts, cmd)
			s, err := openSession(rootOpts, cmd)
			if err != nil {
				return out.Error(err)
			}
			defer s.Close()

			ctx := cmd.Context()
			names := make([]history.LogicalName, 0, len(args))
			for _, a := range args {
				names = append(names, history.LogicalName(a))
			}
			if len(names) == 0 {
				if names, err = s.store.ListRules(ctx); err != nil {
					return out.Error(WrapExitError(ExitCommandError, "failed to list rules", err))
				}
			}

			started := time.Now()
			reports, err := s.engine.ReconcileAll(ctx, names)
			if err != nil {
				return out.Error(WrapExitError(ExitFailure, "reconciliation aborted", err))
			}

			results := make([]ReconcileResult, 0, len(reports))
			failed := 0
			for _, rep := range reports {
				runID, err := api.RecordReport(ctx, s.store, api.TriggerCLI, rep, started)
				if err != nil {
					return out.Error(WrapExitError(ExitCommandError, "failed to record run", err))
				}
				res := toReconcileResult(rep, runID)
				if res.Status != api.RunCompleted {
					failed++
				}
				results = append(results, res)
			}

			if err := out.Success(results, func(w io.Writer) error {
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					version := ""
					if r.VersionID != 0 {
						version = strconv.FormatInt(r.VersionID, 10)
					}
					rows = append(rows, []string{
						r.Rule, r.Status, strconv.Itoa(r.Records), strconv.Itoa(r.Warnings), version, r.Error,
					})
				}
				return table(w, []string{"rule", "status", "records", "warnings", "version", "error"}, rows)
			}); err != nil {
				return err
			}
			if failed > 0 {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d of %d rules not reconciled", failed, len(results))}
			}
			return nil
		},
	}
	return cmd
}

func toReconcileResult(rep history.Report, runID string) ReconcileResult {
	res := ReconcileResult{
		Rule:   string(rep.LogicalName),
		RunID:  runID,
		Status: api.RunStatus(rep),
	}
	switch {
	case rep.Err != nil:
		res.Error = rep.Err.Error()
	case rep.CurrentErr != nil:
		res.Error = rep.CurrentErr.Error()
	}
	if rep.History != nil {
		res.Records = len(rep.History.Timeline)
		res.Warnings = len(rep.History.Warnings)
	}
	if rep.Current != nil {
		res.VersionID = int64(rep.Current.Version.VersionID)
	}
	return res
}
