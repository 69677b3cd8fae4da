package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "litefuse",
	Short: "A PostgREST-style query engine over SQLite",
	Long: `litefuse translates PostgREST-compatible URL queries into
parameterized SQL against a SQLite database, enforcing PostgreSQL-style
row-level security policies along the way.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a litefuse config file (YAML)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(policyCmd)
}
