package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

var rootCmd = &cobra.Command{
	Use:           "evmingest",
	Short:         "Stream EVM blocks into a relational store",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	rootCmd.AddCommand(newRunCmd(), newCheckpointCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
