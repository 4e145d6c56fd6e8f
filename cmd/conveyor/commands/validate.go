package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/conveyor/conveyor/pkg/config"
)

func newValidateConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config <file>",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file without running anything.

This command checks:
  - YAML, JSON or CUE syntax
  - Conformance to the built-in CUE schema
  - Executor, telemetry, store and policy settings`,
		Example: `  conveyor validate-config conveyor.yaml
  conveyor validate-config conveyor.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			log.Debug().Str("path", path).Msg("Validating configuration")

			cfg, err := config.NewLoader().Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, e := range verrs {
						fmt.Fprintln(cmd.ErrOrStderr(), e.Error())
					}
				}
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (mode=%s, shipment size=%d, parallelism=%d)\n",
				path, cfg.Executor.ExecutionMode, cfg.Executor.MaxShipmentSize, cfg.Executor.MaxDegreeOfParallelism)
			return nil
		},
	}

	return cmd
}
