// Command flexnbd is the CLI surface over the flexnbd server: serve,
// read, write, acl, mirror, status (spec.md §6's "CLI surface (interface
// only)"). Subcommand wiring follows the teacher's cmd/matchlock
// cobra+viper layout: one *cobra.Command per cmd_*.go file, each
// registering itself from init() via rootCmd.AddCommand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flexnbd",
	Short: "A sparse-preserving, mirror-capable NBD server",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
