package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// CLI flags shared by subcommands
	logLevel   string // Log verbosity level
	configPath string // Optional YAML config file

	// Demo traffic shape
	demoRequests    int     // Number of synthetic requests to push
	demoConcurrency int     // Concurrent submitters
	demoTokensMean  int     // Average estimated tokens per request
	demoErrorRate   float64 // Fraction of synthetic requests the stub runtime fails
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "inference-serve",
	Short: "Control plane for batching, routing, scaling, and rolling out model-serving replicas",
}

// setupLogging applies the --log flag before any subcommand runs.
func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML control-plane config")

	demoCmd.Flags().IntVar(&demoRequests, "requests", 200, "Number of synthetic requests")
	demoCmd.Flags().IntVar(&demoConcurrency, "concurrency", 20, "Concurrent submitters")
	demoCmd.Flags().IntVar(&demoTokensMean, "tokens", 128, "Average estimated tokens per request")
	demoCmd.Flags().Float64Var(&demoErrorRate, "error-rate", 0.0, "Fraction of requests the stub runtime fails")

	rootCmd.AddCommand(demoCmd)
}
