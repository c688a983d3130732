package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "workflowd",
		Short:         "Municipal approval workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./workflowd.yaml, env AUDITWF_*)")
	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newTemplatesCmd())
	return rootCmd
}
