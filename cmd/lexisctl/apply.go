package main

import (
	"fmt"
	"os"

	"github.com/cuemby/lexis/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a shard schema from a YAML file",
	Long: `Apply a lexis shard definition from a YAML file.

Example:
  lexisctl apply -f products.yaml --node 127.0.0.1:9090`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("node", defaultNodeAddr, "lexis-node admin address")
	_ = applyCmd.MarkFlagRequired("file")
}

// shardResource mirrors the teacher's WarrenResource envelope
// (apiVersion/kind/metadata/spec), specialised to the one kind lexisctl
// currently applies: a shard's schema. Unlike WarrenResource's flat
// map[string]interface{} spec (read through getString/getInt), Spec
// here decodes straight into types.Schema's shape, since a schema's
// attribute lists aren't representable as scalar key/value pairs.
type shardResource struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   resourceMeta   `yaml:"metadata"`
	Spec       schemaSpec     `yaml:"spec"`
}

type resourceMeta struct {
	Name string `yaml:"name"`
}

type schemaSpec struct {
	PrimaryKeyAttribute string                `yaml:"primaryKeyAttribute"`
	Searchable          []searchableAttrSpec  `yaml:"searchable"`
	Refining            []refiningAttrSpec    `yaml:"refining"`
	LatitudeAttribute   string                `yaml:"latitudeAttribute,omitempty"`
	LongitudeAttribute  string                `yaml:"longitudeAttribute,omitempty"`
	Geo                 bool                  `yaml:"geo,omitempty"`
	Positions           bool                  `yaml:"positions,omitempty"`
}

type searchableAttrSpec struct {
	Name        string `yaml:"name"`
	Boost       int    `yaml:"boost"`
	MultiValued bool   `yaml:"multiValued,omitempty"`
	Highlight   bool   `yaml:"highlight,omitempty"`
	ACL         bool   `yaml:"acl,omitempty"`
}

type refiningAttrSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	MultiValued bool   `yaml:"multiValued,omitempty"`
	ACL         bool   `yaml:"acl,omitempty"`
}

func refiningTypeOf(s string) (types.RefiningValueType, error) {
	switch s {
	case "text":
		return types.RefiningText, nil
	case "int":
		return types.RefiningInt, nil
	case "long":
		return types.RefiningLong, nil
	case "float":
		return types.RefiningFloat, nil
	case "double":
		return types.RefiningDouble, nil
	case "time":
		return types.RefiningTime, nil
	default:
		return 0, fmt.Errorf("lexisctl: unknown refining type %q", s)
	}
}

func (s schemaSpec) toSchema() (*types.Schema, error) {
	schema := &types.Schema{
		PrimaryKeyAttribute: s.PrimaryKeyAttribute,
		LatitudeAttribute:   s.LatitudeAttribute,
		LongitudeAttribute:  s.LongitudeAttribute,
	}
	if s.Geo {
		schema.IndexType = types.IndexKeywordGeo
	}
	if s.Positions {
		schema.PositionIndexMode = types.PositionIndexEnabled
	}
	for _, a := range s.Searchable {
		schema.Searchable = append(schema.Searchable, types.SearchableAttribute{
			Name: a.Name, Boost: a.Boost, MultiValued: a.MultiValued, Highlight: a.Highlight, ACL: a.ACL,
		})
	}
	for _, a := range s.Refining {
		t, err := refiningTypeOf(a.Type)
		if err != nil {
			return nil, err
		}
		schema.Refining = append(schema.Refining, types.RefiningAttribute{
			Name: a.Name, Type: t, MultiValued: a.MultiValued, ACL: a.ACL,
		})
	}
	return schema, nil
}

type createShardRequest struct {
	ShardID string        `json:"shard_id"`
	Schema  *types.Schema `json:"schema"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	nodeAddr, _ := cmd.Flags().GetString("node")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("lexisctl: failed to read file: %w", err)
	}

	var resource shardResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("lexisctl: failed to parse YAML: %w", err)
	}
	if resource.Kind != "Schema" {
		return fmt.Errorf("lexisctl: unsupported resource kind %q", resource.Kind)
	}
	if resource.Metadata.Name == "" {
		return fmt.Errorf("lexisctl: metadata.name is required")
	}

	schema, err := resource.Spec.toSchema()
	if err != nil {
		return err
	}

	c := newClient(nodeAddr)
	fmt.Printf("Creating shard: %s\n", resource.Metadata.Name)
	var resp map[string]string
	if err := c.post("/v1/shards", createShardRequest{ShardID: resource.Metadata.Name, Schema: schema}, &resp); err != nil {
		return err
	}
	fmt.Printf("✓ Shard created: %s (node %s)\n", resource.Metadata.Name, resp["node"])
	return nil
}
