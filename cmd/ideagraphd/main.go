// Ideagraphd is the memory graph daemon for idea development agents.
//
// It exposes the graph over MCP on stdio and, optionally, over HTTP
// JSON. Configuration comes from a YAML file and IDEAGRAPH_-prefixed
// environment variables.
//
// Usage:
//
//	# Serve MCP on stdio with defaults
//	ideagraphd serve
//
//	# Custom config file, HTTP surface enabled
//	ideagraphd serve --config ./ideagraph.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ideagraphd",
	Short: "Memory graph daemon for idea development agents",
	Long: `ideagraphd maintains a persistent graph of knowledge blocks extracted
from ideation conversations: deduplicated claims, decisions, questions, and
the links between them, retrievable within a hard token budget.`,
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
