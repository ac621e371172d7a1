package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage lexis cluster membership",
}

func init() {
	clusterCmd.AddCommand(clusterInfoCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
	clusterCmd.AddCommand(clusterLeaveCmd)

	clusterInfoCmd.Flags().String("node", defaultNodeAddr, "lexis-node admin address")
	clusterJoinCmd.Flags().String("node", defaultNodeAddr, "Admin address of the current leader")
	clusterJoinCmd.Flags().String("id", "", "Node id to add as a raft voter (required)")
	clusterJoinCmd.Flags().String("addr", "", "Transport address of the joining node (required)")
	_ = clusterJoinCmd.MarkFlagRequired("id")
	_ = clusterJoinCmd.MarkFlagRequired("addr")
	clusterLeaveCmd.Flags().String("node", defaultNodeAddr, "lexis-node admin address")
	clusterLeaveCmd.Flags().String("id", "", "Node id to remove (required)")
	_ = clusterLeaveCmd.MarkFlagRequired("id")
}

type clusterInfoResponse struct {
	NodeID   string `json:"node_id"`
	IsLeader bool   `json:"is_leader"`
	Leader   string `json:"leader"`
	Nodes    []any  `json:"nodes"`
	Shards   []any  `json:"shards"`
}

var clusterInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display cluster membership and shard assignment",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromFlags(cmd)
		var info clusterInfoResponse
		if err := c.get("/v1/cluster/info", &info); err != nil {
			return err
		}
		fmt.Println("Cluster Information:")
		fmt.Printf("  Queried node:  %s\n", info.NodeID)
		fmt.Printf("  Is leader:     %t\n", info.IsLeader)
		fmt.Printf("  Leader:        %s\n", info.Leader)
		fmt.Printf("  Nodes:         %d\n", len(info.Nodes))
		fmt.Printf("  Shards:        %d\n", len(info.Shards))
		return nil
	},
}

type joinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// clusterJoinCmd must be run against the current leader's admin API:
// only the leader's raft instance can add a voter
// (pkg/cluster.Manager.Join). A joining lexis-node should already have
// started its own voter-less raft instance (serve --join) before this
// call grants it a seat.
var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Add a node as a raft voter (run against the leader)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromFlags(cmd)
		id, _ := cmd.Flags().GetString("id")
		addr, _ := cmd.Flags().GetString("addr")
		if err := c.post("/v1/cluster/join", joinRequest{NodeID: id, Addr: addr}, nil); err != nil {
			return err
		}
		fmt.Printf("✓ %s (%s) joined the cluster\n", id, addr)
		return nil
	},
}

var clusterLeaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Remove a node from the raft configuration (run against the leader)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromFlags(cmd)
		id, _ := cmd.Flags().GetString("id")
		if err := c.post("/v1/cluster/leave", joinRequest{NodeID: id}, nil); err != nil {
			return err
		}
		fmt.Printf("✓ %s left the cluster\n", id)
		return nil
	},
}
