// Package query is the wire encoding for a search request: LogicalNode
// and geo.Shape are plain Go trees of concrete types and interfaces,
// not something encoding/json can round-trip on its own, so this
// package gives them a tagged-variant DTO the way pkg/migration's
// Payload gives shard archive state one.
package query

import (
	"fmt"

	"github.com/cuemby/lexis/pkg/geo"
	"github.com/cuemby/lexis/pkg/plan"
	"github.com/cuemby/lexis/pkg/shard"
	"github.com/cuemby/lexis/pkg/types"
)

// ShapeDTO tags which of geo.Rectangle/geo.Circle a wire message
// carries; only the fields matching Type are meaningful.
type ShapeDTO struct {
	Type string `json:"type"` // "rectangle" or "circle"

	MinX float64 `json:"min_x,omitempty"`
	MinY float64 `json:"min_y,omitempty"`
	MaxX float64 `json:"max_x,omitempty"`
	MaxY float64 `json:"max_y,omitempty"`

	CenterX float64 `json:"center_x,omitempty"`
	CenterY float64 `json:"center_y,omitempty"`
	Radius  float64 `json:"radius,omitempty"`
}

// ShapeToDTO converts a concrete geo.Shape to its wire form.
func ShapeToDTO(s geo.Shape) (ShapeDTO, error) {
	switch v := s.(type) {
	case geo.Rectangle:
		return ShapeDTO{Type: "rectangle", MinX: v.MinX, MinY: v.MinY, MaxX: v.MaxX, MaxY: v.MaxY}, nil
	case geo.Circle:
		return ShapeDTO{Type: "circle", CenterX: v.Center.X, CenterY: v.Center.Y, Radius: v.Radius}, nil
	default:
		return ShapeDTO{}, fmt.Errorf("query: unsupported shape type %T", s)
	}
}

// ToShape reconstructs the concrete geo.Shape the DTO describes.
func (d ShapeDTO) ToShape() (geo.Shape, error) {
	switch d.Type {
	case "rectangle":
		return geo.Rectangle{MinX: d.MinX, MinY: d.MinY, MaxX: d.MaxX, MaxY: d.MaxY}, nil
	case "circle":
		return geo.Circle{Center: types.GeoPoint{X: d.CenterX, Y: d.CenterY}, Radius: d.Radius}, nil
	default:
		return nil, fmt.Errorf("query: unknown shape type %q", d.Type)
	}
}

// NodeDTO mirrors plan.LogicalNode field-for-field, with Shape
// flattened to ShapeDTO so the whole tree is plain JSON.
type NodeDTO struct {
	Kind plan.LogicalKind `json:"kind"`

	Term          string `json:"term,omitempty"`
	EditThreshold int    `json:"edit_threshold,omitempty"`
	IsPrefix      bool   `json:"is_prefix,omitempty"`

	SlopTolerance int `json:"slop_tolerance,omitempty"`

	Aggregate plan.Aggregate `json:"aggregate,omitempty"`

	Shape *ShapeDTO `json:"shape,omitempty"`

	Children []*NodeDTO `json:"children,omitempty"`
}

// ToDTO converts a logical plan tree to its wire form.
func ToDTO(n *plan.LogicalNode) (*NodeDTO, error) {
	if n == nil {
		return nil, nil
	}
	d := &NodeDTO{
		Kind:          n.Kind,
		Term:          n.Term,
		EditThreshold: n.EditThreshold,
		IsPrefix:      n.IsPrefix,
		SlopTolerance: n.SlopTolerance,
		Aggregate:     n.Aggregate,
	}
	if n.Shape != nil {
		shapeDTO, err := ShapeToDTO(n.Shape)
		if err != nil {
			return nil, err
		}
		d.Shape = &shapeDTO
	}
	for _, c := range n.Children {
		childDTO, err := ToDTO(c)
		if err != nil {
			return nil, err
		}
		d.Children = append(d.Children, childDTO)
	}
	return d, nil
}

// ToLogical reconstructs the logical plan tree the DTO describes.
func (d *NodeDTO) ToLogical() (*plan.LogicalNode, error) {
	if d == nil {
		return nil, nil
	}
	n := &plan.LogicalNode{
		Kind:          d.Kind,
		Term:          d.Term,
		EditThreshold: d.EditThreshold,
		IsPrefix:      d.IsPrefix,
		SlopTolerance: d.SlopTolerance,
		Aggregate:     d.Aggregate,
	}
	if d.Shape != nil {
		shape, err := d.Shape.ToShape()
		if err != nil {
			return nil, err
		}
		n.Shape = shape
	}
	for _, c := range d.Children {
		child, err := c.ToLogical()
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

// Request is a shard.Request in wire form, sent from the node that
// parsed a caller's query string to the shard owning the data.
type Request struct {
	Query            *NodeDTO      `json:"query"`
	K                int           `json:"k"`
	Role             types.RoleID  `json:"role"`
	AllowFuzzy       bool          `json:"allow_fuzzy,omitempty"`
	GetAllResults    bool          `json:"get_all_results,omitempty"`
	FeedbackEligible bool          `json:"feedback_eligible,omitempty"`
	QueryKey         string        `json:"query_key,omitempty"`
}

// ToShardRequest decodes r into the shard.Request Shard.Search expects.
func (r Request) ToShardRequest() (shard.Request, error) {
	logical, err := r.Query.ToLogical()
	if err != nil {
		return shard.Request{}, err
	}
	return shard.Request{
		Query:            logical,
		K:                r.K,
		Role:             r.Role,
		AllowFuzzy:       r.AllowFuzzy,
		GetAllResults:    r.GetAllResults,
		FeedbackEligible: r.FeedbackEligible,
		QueryKey:         r.QueryKey,
	}, nil
}

// FromShardRequest encodes a shard.Request for the wire.
func FromShardRequest(req shard.Request) (Request, error) {
	dto, err := ToDTO(req.Query)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Query:            dto,
		K:                req.K,
		Role:             req.Role,
		AllowFuzzy:       req.AllowFuzzy,
		GetAllResults:    req.GetAllResults,
		FeedbackEligible: req.FeedbackEligible,
		QueryKey:         req.QueryKey,
	}, nil
}

// Hit is a shard.Hit in wire form.
type Hit struct {
	PrimaryKey string        `json:"primary_key"`
	Score      float64       `json:"score"`
	Record     *types.Record `json:"record,omitempty"`
	Fuzzy      bool          `json:"fuzzy,omitempty"`
}

// Response carries either a shard's search results or an error message,
// the framed reply to a Request.
type Response struct {
	Hits  []Hit  `json:"hits,omitempty"`
	Error string `json:"error,omitempty"`
}

// FromShardHits converts shard.Search's return value to wire Hits.
func FromShardHits(hits []shard.Hit) []Hit {
	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = Hit{PrimaryKey: h.PrimaryKey, Score: h.Score, Record: h.Record, Fuzzy: h.Fuzzy}
	}
	return out
}
