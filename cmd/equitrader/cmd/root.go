package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "equitrader",
	Short: "An automated equity trading engine with crash-safe order management",
	Long: `Equitrader is an automated equity trading engine written in Go.

It provides:
  - A concurrency bridge over blocking broker REST APIs
  - A crash-safe order lifecycle with startup reconciliation
  - Risk-based position sizing and a daily-loss circuit breaker
  - A strategy routing layer driven by streaming bars
  - A SQLite journal of orders, positions, and risk state

Paper trading is the default; live trading requires an explicit
environment opt-in on top of the configuration file.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
