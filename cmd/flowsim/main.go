package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowsim/flowsim/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowsim",
	Short: "FlowSim process simulation CLI",
	Long:  "FlowSim — a CLI for validating and simulating token-based process definitions.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("flowsim version %s\n", version))

	rootCmd.AddCommand(cli.NewRunCmd())
	rootCmd.AddCommand(cli.NewValidateCmd())
	rootCmd.AddCommand(cli.NewServeCmd())
}
