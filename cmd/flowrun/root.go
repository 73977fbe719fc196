package main

import (
	"github.com/spf13/cobra"
)

var (
	flagJSONLogs bool
	flagQuiet    bool
)

var rootCmd = &cobra.Command{
	Use:   "flowrun",
	Short: "Validate and execute workflow definitions",
	Long: `flowrun executes YAML workflow definitions: it builds the dependency
graph from the references between steps, runs independent steps
concurrently, and guards every outbound call with a circuit breaker,
rate limiter, and timeout.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit events as JSON lines")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress event output")
}
