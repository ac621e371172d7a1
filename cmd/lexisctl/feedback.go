package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// feedbackEnvelope mirrors cmd/lexis-node/handlers.go's feedbackEnvelope.
type feedbackEnvelope struct {
	ShardID    string `json:"shard_id"`
	QueryKey   string `json:"query_key"`
	PrimaryKey string `json:"primary_key"`
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record a relevant result for a query, to boost it in future searches",
	Long: `Submits a (query, record) pair as relevant, per spec.md's
feedback-boost signal: a later search with --feedback-key set to the
same query ranks this record higher, decaying over a 90-day window.

Example:
  lexisctl feedback --shard products --query "wireless headphones" --key sku-1234`,
	RunE: runFeedback,
}

func init() {
	feedbackCmd.Flags().String("node", defaultNodeAddr, "lexis-node admin address")
	feedbackCmd.Flags().String("shard", "", "Shard id (required)")
	feedbackCmd.Flags().String("query", "", "Exact query string the record was surfaced under (required)")
	feedbackCmd.Flags().String("key", "", "Primary key of the relevant record (required)")
	_ = feedbackCmd.MarkFlagRequired("shard")
	_ = feedbackCmd.MarkFlagRequired("query")
	_ = feedbackCmd.MarkFlagRequired("key")
}

func runFeedback(cmd *cobra.Command, args []string) error {
	nodeAddr, _ := cmd.Flags().GetString("node")
	shardID, _ := cmd.Flags().GetString("shard")
	queryStr, _ := cmd.Flags().GetString("query")
	key, _ := cmd.Flags().GetString("key")

	c := newClient(nodeAddr)
	env := feedbackEnvelope{ShardID: shardID, QueryKey: queryStr, PrimaryKey: key}
	if err := c.post("/v1/feedback", env, nil); err != nil {
		return err
	}
	fmt.Printf("recorded feedback for %s under query %q on shard %s\n", key, queryStr, shardID)
	return nil
}
