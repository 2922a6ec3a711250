package cli

import (
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ruida",
		Short: "ruida talks the Ruida laser-cutter UDP protocol",
		Long: `ruida sends .rd job files to a Ruida laser controller over UDP and can
run a transparent relay between a workstation and the controller board,
capturing each job stream to disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(SendCommand())
	rootCmd.AddCommand(RelayCommand())

	return rootCmd
}
