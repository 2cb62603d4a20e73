package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/warp/rule-history/api"
)

// NewSeedCommand loads one of the embedded demo scenarios.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		reset bool
		list  bool
	)

	cmd := &cobra.Command{
		Use:   "seed [scenario]",
		Short: "Load a demo scenario into the database",
		Long: `Import the versions and field values of an embedded demo scenario.
Use --list to see the available scenarios and --reset to clear the
database first.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatterFor(rootOpts, cmd)

			if list || len(args) == 0 {
				all, err := api.Scenarios()
				if err != nil {
					return out.Error(WrapExitError(ExitCommandError, "failed to read scenarios", err))
				}
				dtos := make([]api.ScenarioDTO, 0, len(all))
				for _, s := range all {
					dtos = append(dtos, api.ToScenarioDTO(s))
				}
				return out.Success(dtos, func(w io.Writer) error {
					rows := make([][]string, 0, len(dtos))
					for _, d := range dtos {
						rows = append(rows, []string{d.ID, d.Description})
					}
					return table(w, []string{"id", "description"}, rows)
				})
			}

			s, err := openSession(rootOpts, cmd)
			if err != nil {
				return out.Error(err)
			}
			defer s.Close()

			ctx := cmd.Context()
			if reset {
				if err := s.store.Reset(ctx); err != nil {
					return out.Error(WrapExitError(ExitCommandError, "failed to reset database", err))
				}
			}
			scenario, err := api.SeedScenario(ctx, s.store, args[0])
			if err != nil {
				return out.Error(WrapExitError(ExitCommandError, "failed to load scenario", err))
			}
			s.logger.Info("scenario loaded", "scenario", scenario.ID, "db", s.cfg.Database.Path)

			dto := api.ToScenarioDTO(scenario)
			return out.Success(dto, func(w io.Writer) error {
				fmt.Fprintf(w, "loaded %s (%d rules)\n", dto.ID, len(dto.Rules))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "clear the database before loading")
	cmd.Flags().BoolVar(&list, "list", false, "list available scenarios")
	return cmd
}
