// Command rdcd runs an rdcsync node and talks to running ones.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "rdcd",
	Short:         "Delta-synchronizing file store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, putCmd, getCmd, syncCmd, pushCmd, statusCmd, resolveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rdcd: %+v\n", err)
		os.Exit(1)
	}
}
