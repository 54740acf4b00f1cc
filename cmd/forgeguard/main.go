// Package main implements the forgeguard CLI: an interactive console
// runner and an HTTP daemon for the migration pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	repoPath   string
	tasksPath  string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forgeguard",
	Short: "Audited, incremental codebase migration pipeline",
	Long: `forgeguard executes migration task lists against a git repository:
a director plans each task into a scoped directive, a builder turns
directives into per-file changes, every change is audited before it
touches the working tree, and surviving changes are committed and
pushed incrementally.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "path to the repository to migrate")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}
