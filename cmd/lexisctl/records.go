package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/lexis/pkg/types"
	"github.com/spf13/cobra"
)

// recordEnvelope mirrors cmd/lexis-node/handlers.go's recordEnvelope;
// kept as its own copy since lexisctl and lexis-node don't share an
// internal package.
type recordEnvelope struct {
	ShardID string        `json:"shard_id"`
	Record  *types.Record `json:"record,omitempty"`
	Key     string        `json:"primary_key,omitempty"`
}

var putCmd = &cobra.Command{
	Use:   "put",
	Short: "Insert or update a record from a JSON file",
	Long: `Reads a JSON-encoded types.Record and sends it to the shard's
owning node for insert-or-update.

Example:
  lexisctl put --shard products -f record.json`,
	RunE: runPut,
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a record by primary key",
	RunE:  runDelete,
}

func init() {
	putCmd.Flags().String("node", defaultNodeAddr, "lexis-node admin address")
	putCmd.Flags().String("shard", "", "Shard id (required)")
	putCmd.Flags().StringP("file", "f", "", "JSON file holding a types.Record (required)")
	_ = putCmd.MarkFlagRequired("shard")
	_ = putCmd.MarkFlagRequired("file")

	deleteCmd.Flags().String("node", defaultNodeAddr, "lexis-node admin address")
	deleteCmd.Flags().String("shard", "", "Shard id (required)")
	deleteCmd.Flags().String("key", "", "Primary key to delete (required)")
	_ = deleteCmd.MarkFlagRequired("shard")
	_ = deleteCmd.MarkFlagRequired("key")
}

func runPut(cmd *cobra.Command, args []string) error {
	nodeAddr, _ := cmd.Flags().GetString("node")
	shardID, _ := cmd.Flags().GetString("shard")
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("lexisctl: failed to read file: %w", err)
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("lexisctl: failed to parse record: %w", err)
	}

	c := newClient(nodeAddr)
	if err := c.post("/v1/records", recordEnvelope{ShardID: shardID, Record: &rec}, nil); err != nil {
		return err
	}
	fmt.Printf("✓ record %s written to shard %s\n", rec.PrimaryKey, shardID)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	nodeAddr, _ := cmd.Flags().GetString("node")
	shardID, _ := cmd.Flags().GetString("shard")
	key, _ := cmd.Flags().GetString("key")

	c := newClient(nodeAddr)
	if err := c.delete("/v1/records", recordEnvelope{ShardID: shardID, Key: key}, nil); err != nil {
		return err
	}
	fmt.Printf("✓ record %s deleted from shard %s\n", key, shardID)
	return nil
}
