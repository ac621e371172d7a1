package main

import (
	"fmt"
	"strings"

	"github.com/cuemby/lexis/pkg/plan"
	"github.com/cuemby/lexis/pkg/query"
	"github.com/cuemby/lexis/pkg/types"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a fuzzy/prefix search against a shard",
	Long: `Builds an OR of the given terms, each eligible for the given
edit distance, and runs it against the shard's owning node.

Example:
  lexisctl search --shard products --query "wireles headphone" --edits 2 --k 10`,
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().String("node", defaultNodeAddr, "lexis-node admin address")
	searchCmd.Flags().String("shard", "", "Shard id to search (required)")
	searchCmd.Flags().String("query", "", "Whitespace-separated query terms (required)")
	searchCmd.Flags().Int("edits", 1, "Maximum edit distance per term")
	searchCmd.Flags().Int("k", 10, "Maximum number of hits to return")
	searchCmd.Flags().Bool("prefix", false, "Treat the last term as a prefix/autocomplete match")
	searchCmd.Flags().Bool("fuzzy", true, "Allow fuzzy (edit-distance) matching")
	searchCmd.Flags().Uint32("role", 0, "Requesting role id, for attribute/record ACL filtering")
	searchCmd.Flags().Bool("phrase", false, "Require the query terms to match as an ordered phrase")
	searchCmd.Flags().Int("slop", 0, "Maximum phrase slop tolerance (only with --phrase)")
	searchCmd.Flags().String("feedback-key", "", "Apply feedback boost for this exact query key (usually the query string itself)")
	_ = searchCmd.MarkFlagRequired("shard")
	_ = searchCmd.MarkFlagRequired("query")
}

func buildQuery(queryStr string, edits int, usePrefix bool) *plan.LogicalNode {
	return buildQueryWithPhrase(queryStr, edits, usePrefix, false, 0)
}

func buildQueryWithPhrase(queryStr string, edits int, usePrefix, phrase bool, slop int) *plan.LogicalNode {
	terms := strings.Fields(queryStr)
	leaves := make([]*plan.LogicalNode, 0, len(terms))
	for i, t := range terms {
		if usePrefix && i == len(terms)-1 {
			leaves = append(leaves, plan.Prefix(t))
			continue
		}
		leaves = append(leaves, plan.Term(t, edits))
	}
	if phrase && len(leaves) > 1 {
		return plan.PhraseOf(slop, leaves...)
	}
	if len(leaves) == 1 {
		return leaves[0]
	}
	return plan.Or(leaves...)
}

func runSearch(cmd *cobra.Command, args []string) error {
	nodeAddr, _ := cmd.Flags().GetString("node")
	shardID, _ := cmd.Flags().GetString("shard")
	queryStr, _ := cmd.Flags().GetString("query")
	edits, _ := cmd.Flags().GetInt("edits")
	k, _ := cmd.Flags().GetInt("k")
	prefix, _ := cmd.Flags().GetBool("prefix")
	fuzzy, _ := cmd.Flags().GetBool("fuzzy")
	role, _ := cmd.Flags().GetUint32("role")
	phrase, _ := cmd.Flags().GetBool("phrase")
	slop, _ := cmd.Flags().GetInt("slop")
	feedbackKey, _ := cmd.Flags().GetString("feedback-key")

	logical := buildQueryWithPhrase(queryStr, edits, prefix, phrase, slop)
	dto, err := query.ToDTO(logical)
	if err != nil {
		return fmt.Errorf("lexisctl: failed to encode query: %w", err)
	}

	c := newClient(nodeAddr)
	var resp query.Response
	env := searchEnvelope{
		ShardID: shardID,
		Request: query.Request{
			Query:            dto,
			K:                k,
			Role:             types.RoleID(role),
			AllowFuzzy:       fuzzy,
			FeedbackEligible: feedbackKey != "",
			QueryKey:         feedbackKey,
		},
	}
	if err := c.post("/v1/search", env, &resp); err != nil {
		return err
	}
	if len(resp.Hits) == 0 {
		fmt.Println("(no hits)")
		return nil
	}
	for _, h := range resp.Hits {
		fuzzyTag := ""
		if h.Fuzzy {
			fuzzyTag = " [fuzzy]"
		}
		fmt.Printf("%-24s score=%.4f%s\n", h.PrimaryKey, h.Score, fuzzyTag)
	}
	return nil
}

type searchEnvelope struct {
	ShardID string        `json:"shard_id"`
	Request query.Request `json:"request"`
}
