package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var shardsCmd = &cobra.Command{
	Use:   "shards",
	Short: "List or move shards",
}

func init() {
	shardsCmd.AddCommand(shardsListCmd)
	shardsCmd.AddCommand(shardsMoveCmd)

	shardsListCmd.Flags().String("node", defaultNodeAddr, "lexis-node admin address")
	shardsMoveCmd.Flags().String("node", defaultNodeAddr, "lexis-node admin address")
	shardsMoveCmd.Flags().String("shard", "", "Shard id to move (required)")
	shardsMoveCmd.Flags().String("from", "", "Current owning node id (required)")
	shardsMoveCmd.Flags().String("to", "", "Target node id (required)")
	_ = shardsMoveCmd.MarkFlagRequired("shard")
	_ = shardsMoveCmd.MarkFlagRequired("from")
	_ = shardsMoveCmd.MarkFlagRequired("to")
}

var shardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shards locally owned by a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromFlags(cmd)
		var resp struct {
			LocalShards []string `json:"local_shards"`
		}
		if err := c.get("/v1/shards", &resp); err != nil {
			return err
		}
		if len(resp.LocalShards) == 0 {
			fmt.Println("(no shards on this node)")
			return nil
		}
		for _, id := range resp.LocalShards {
			fmt.Println(id)
		}
		return nil
	},
}

type moveShardRequest struct {
	ShardID    string `json:"shard_id"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
}

// shardsMoveCmd runs a ShardMoveOp (spec.md §4.7's rebalancing path):
// it locks the shard, streams it to the target over pkg/migration,
// then commits the new assignment. The node that receives the request
// runs the move itself and streams its own local copy of the shard, so
// the request goes to the node that currently holds the shard.
var shardsMoveCmd = &cobra.Command{
	Use:   "move",
	Short: "Move a shard from one node to another",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromFlags(cmd)
		shardID, _ := cmd.Flags().GetString("shard")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		if err := c.post("/v1/shards/move", moveShardRequest{ShardID: shardID, SourceNode: from, TargetNode: to}, nil); err != nil {
			return err
		}
		fmt.Printf("✓ shard %s moved: %s -> %s\n", shardID, from, to)
		return nil
	},
}
