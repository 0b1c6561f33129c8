package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "0.0.0"

var rootCmd = &cobra.Command{
	Use:   "master-core",
	Short: "Master execution core for a distributed DAG workflow scheduler",
	Long:  "master-core [options] <server|version> [args]",
}

// Execute adds all child commands to the root command and runs it. This
// is called once by main.main.
func Execute() {
	rootCmd.AddCommand(newServerCmd())
	rootCmd.AddCommand(newVersionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
