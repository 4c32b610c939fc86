package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"hypewatch/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	// Needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hypewatch %s\ngo: %s\n", version.String(), runtime.Version())
	},
}
