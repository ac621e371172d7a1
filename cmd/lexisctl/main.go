// Command lexisctl is the operator CLI for a lexis cluster: it talks to
// a node's HTTP admin API (cmd/lexis-node/admin.go) to apply schemas,
// manage cluster membership, move shards, and run ad-hoc searches.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "lexisctl",
	Short:   "lexisctl is the operator CLI for a lexis search cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("lexisctl %s (%s)\n", Version, Commit))

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(shardsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(feedbackCmd)
}

const defaultNodeAddr = "127.0.0.1:9090"

func clientFromFlags(cmd *cobra.Command) *client {
	addr, _ := cmd.Flags().GetString("node")
	return newClient(addr)
}
