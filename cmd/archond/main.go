// Archond is the document investigation daemon.
//
// It ingests evidence trees (archives, PDFs, images, emails, disk
// images) into a searchable catalog and serves hybrid lexical+semantic
// retrieval, RAG chat and a hash-chained audit trail over HTTP.
//
// Usage:
//
//	# Start the HTTP API
//	archond serve --config archon.yaml
//
//	# Start an ingestion worker
//	archond worker --config archon.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "archond",
	Short:   "Document investigation platform daemon",
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("archond\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
