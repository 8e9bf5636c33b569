package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "peage",
	Short: "Peage — Metered Tool-Call Gateway",
	Long: "Peage fronts an identity-lookup backend with a fixed tool catalog, " +
		"metering every call against per-account credit balances. It serves " +
		"remote agents over stateless HTTP, persistent streams, and a stdio pipe.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/peage.yaml)")
}

func main() {
	// Launched under a pipe with no subcommand: behave as a stdio server so
	// agent hosts can exec the binary directly.
	if len(os.Args) == 1 && !stdinIsTerminal() {
		os.Args = append(os.Args, "stdio")
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
