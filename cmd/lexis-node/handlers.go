package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/lexis/pkg/log"
	"github.com/cuemby/lexis/pkg/query"
	"github.com/cuemby/lexis/pkg/shard"
	"github.com/cuemby/lexis/pkg/transport"
	"github.com/cuemby/lexis/pkg/types"
)

// nodeServer bundles the process-wide state handlers.go's transport
// callbacks close over: the local shard table.
type nodeServer struct {
	shards *shardTable
}

// recordEnvelope is the wire shape for insert/update/delete: every one
// of these operations needs a shard id alongside its payload, unlike
// Search/GetInfo/Status's request bodies, which query.Request and the
// empty-body Kinds don't.
type recordEnvelope struct {
	ShardID string        `json:"shard_id"`
	Record  *types.Record `json:"record,omitempty"`
	Key     string        `json:"primary_key,omitempty"`
}

// feedbackEnvelope is the wire shape for a feedback submission: the
// caller names the shard, the exact query string the record was
// surfaced under, and the record's primary key.
type feedbackEnvelope struct {
	ShardID    string `json:"shard_id"`
	QueryKey   string `json:"query_key"`
	PrimaryKey string `json:"primary_key"`
}

type infoResponse struct {
	ShardID string        `json:"shard_id"`
	State   shard.State   `json:"state"`
	Stats   shard.Snapshot `json:"stats"`
}

type statusResponse struct {
	NodeID   string   `json:"node_id"`
	IsLeader bool     `json:"is_leader"`
	Leader   string   `json:"leader"`
	ShardIDs []string `json:"shard_ids"`
}

func writeErr(reply func(transport.Kind, []byte) error, kind transport.Kind, err error) {
	body, _ := json.Marshal(query.Response{Error: err.Error()})
	_ = reply(kind, body)
}

// registerDataPlaneHandlers installs the request/reply handlers every
// lexis-node answers regardless of cluster role: search, mutation,
// and introspection against its own locally-owned shards.
func registerDataPlaneHandlers(tr *transport.Transport, ns *nodeServer, cl clusterInfo) {
	tr.RegisterHandler(transport.KindSearch, func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		var envelope struct {
			ShardID string       `json:"shard_id"`
			Request query.Request `json:"request"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			writeErr(reply, transport.KindSearchReply, fmt.Errorf("lexis-node: malformed search request: %w", err))
			return
		}
		s, ok := ns.shards.Shard(envelope.ShardID)
		if !ok {
			writeErr(reply, transport.KindSearchReply, fmt.Errorf("lexis-node: no shard %s on this node", envelope.ShardID))
			return
		}
		req, err := envelope.Request.ToShardRequest()
		if err != nil {
			writeErr(reply, transport.KindSearchReply, err)
			return
		}
		hits, err := s.Search(req)
		if err != nil {
			writeErr(reply, transport.KindSearchReply, err)
			return
		}
		respBody, _ := json.Marshal(query.Response{Hits: query.FromShardHits(hits)})
		_ = reply(transport.KindSearchReply, respBody)
	})

	tr.RegisterHandler(transport.KindInsertUpdate, func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		var env recordEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.Record == nil {
			writeErr(reply, transport.KindSearchReply, fmt.Errorf("lexis-node: malformed insert/update request"))
			return
		}
		s, ok := ns.shards.Shard(env.ShardID)
		if !ok {
			writeErr(reply, transport.KindSearchReply, fmt.Errorf("lexis-node: no shard %s on this node", env.ShardID))
			return
		}
		if err := s.Insert(env.Record); err != nil {
			if err := s.Update(env.Record); err != nil {
				writeErr(reply, transport.KindSearchReply, err)
				return
			}
		}
		_ = reply(transport.KindSearchReply, nil)
	})

	tr.RegisterHandler(transport.KindDelete, func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		var env recordEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			writeErr(reply, transport.KindSearchReply, fmt.Errorf("lexis-node: malformed delete request"))
			return
		}
		s, ok := ns.shards.Shard(env.ShardID)
		if !ok {
			writeErr(reply, transport.KindSearchReply, fmt.Errorf("lexis-node: no shard %s on this node", env.ShardID))
			return
		}
		if err := s.Delete(env.Key); err != nil {
			writeErr(reply, transport.KindSearchReply, err)
			return
		}
		_ = reply(transport.KindSearchReply, nil)
	})

	tr.RegisterHandler(transport.KindFeedback, func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		var env feedbackEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			writeErr(reply, transport.KindFeedbackReply, fmt.Errorf("lexis-node: malformed feedback request: %w", err))
			return
		}
		s, ok := ns.shards.Shard(env.ShardID)
		if !ok {
			writeErr(reply, transport.KindFeedbackReply, fmt.Errorf("lexis-node: no shard %s on this node", env.ShardID))
			return
		}
		if err := s.SubmitFeedback(env.QueryKey, env.PrimaryKey, time.Now()); err != nil {
			writeErr(reply, transport.KindFeedbackReply, err)
			return
		}
		_ = reply(transport.KindFeedbackReply, nil)
	})

	tr.RegisterHandler(transport.KindCommit, func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		shardID := string(body)
		s, ok := ns.shards.Shard(shardID)
		if !ok {
			writeErr(reply, transport.KindSearchReply, fmt.Errorf("lexis-node: no shard %s on this node", shardID))
			return
		}
		s.Merge()
		if err := s.Save(); err != nil {
			writeErr(reply, transport.KindSearchReply, err)
			return
		}
		_ = reply(transport.KindSearchReply, nil)
	})

	tr.RegisterHandler(transport.KindGetInfo, func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		shardID := string(body)
		s, ok := ns.shards.Shard(shardID)
		if !ok {
			writeErr(reply, transport.KindGetInfoReply, fmt.Errorf("lexis-node: no shard %s on this node", shardID))
			return
		}
		respBody, _ := json.Marshal(infoResponse{ShardID: shardID, State: s.State(), Stats: s.Stats()})
		_ = reply(transport.KindGetInfoReply, respBody)
	})

	tr.RegisterHandler(transport.KindStatus, func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		respBody, _ := json.Marshal(statusResponse{
			NodeID:   cl.NodeID(),
			IsLeader: cl.IsLeader(),
			Leader:   cl.Leader(),
			ShardIDs: ns.shards.IDs(),
		})
		_ = reply(transport.KindStatus, respBody)
	})
}

// clusterInfo is the slice of *cluster.Manager the data-plane status
// handler needs, kept as an interface rather than the concrete
// *cluster.Manager.
type clusterInfo interface {
	NodeID() string
	IsLeader() bool
	Leader() string
}

func logShardCloseErr(shardID string, err error) {
	log.WithComponent("lexis-node").Warn().Err(err).Str("shard_id", shardID).Msg("failed to close shard archive handle during shutdown")
}
