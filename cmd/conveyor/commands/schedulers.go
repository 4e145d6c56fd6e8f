package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyor/conveyor/pkg/engine"
)

func newSchedulersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedulers",
		Short: "List the registered scheduling policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := engine.DefaultRegistry().Names()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), names)
			}
			for _, name := range names {
				marker := " "
				if name == engine.DefaultConfig().ExecutionMode {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
			}
			return nil
		},
	}
}
