package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cuemby/lexis/pkg/analyzer"
	"github.com/cuemby/lexis/pkg/cluster"
	"github.com/cuemby/lexis/pkg/index"
	"github.com/cuemby/lexis/pkg/lock"
	"github.com/cuemby/lexis/pkg/migration"
	"github.com/cuemby/lexis/pkg/query"
	"github.com/cuemby/lexis/pkg/shard"
	"github.com/cuemby/lexis/pkg/statemachine"
	"github.com/cuemby/lexis/pkg/transport"
	"github.com/cuemby/lexis/pkg/types"
)

// adminServer is lexis-node's operator-facing HTTP surface: schema
// apply, cluster membership, and a search/mutate proxy, served
// alongside the metrics/health mux cmd/warren/main.go runs the same
// way. Internally every node-to-node exchange still goes over
// pkg/transport's framed protocol (spec.md §4.8's actual wire format);
// this is a thin JSON front door for lexisctl, not a second transport.
type adminServer struct {
	nodeAddr string
	dataDir  string
	cl       *cluster.Manager
	tr       *transport.Transport
	shards   *shardTable
	locks    *lock.Manager
	migrator *migration.Manager
	sm       *statemachine.StateMachine
}

func (a *adminServer) shardDataDir(shardID string) string {
	return filepath.Join(a.dataDir, "shards", shardID)
}

const adminRequestTimeout = 10 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *adminServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/cluster/info", a.handleClusterInfo)
	mux.HandleFunc("/v1/cluster/join", a.handleClusterJoin)
	mux.HandleFunc("/v1/cluster/leave", a.handleClusterLeave)
	mux.HandleFunc("/v1/shards", a.handleShards)
	mux.HandleFunc("/v1/shards/move", a.handleShardMove)
	mux.HandleFunc("/v1/records", a.handleRecords)
	mux.HandleFunc("/v1/search", a.handleSearch)
	mux.HandleFunc("/v1/feedback", a.handleFeedback)
}

func (a *adminServer) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	rv := a.cl.Readview()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":   a.cl.NodeID(),
		"is_leader": a.cl.IsLeader(),
		"leader":    a.cl.Leader(),
		"nodes":     rv.Nodes(),
		"shards":    rv.Shards(),
	})
}

type joinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// handleClusterJoin adds a new raft voter to this cluster. It must be
// called against the current leader: a joining lexis-node first starts
// its own voter-less raft instance (StartVoter), then an operator (or
// the joining node itself) calls this on the leader before the
// joining node runs its NewNodeJoinOp to pull the writeview snapshot.
func (a *adminServer) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAdminErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminErr(w, http.StatusBadRequest, err)
		return
	}
	if err := a.cl.Join(req.NodeID, req.Addr); err != nil {
		writeAdminErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (a *adminServer) handleClusterLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAdminErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminErr(w, http.StatusBadRequest, err)
		return
	}
	if err := a.cl.Leave(req.NodeID); err != nil {
		writeAdminErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

type createShardRequest struct {
	ShardID string       `json:"shard_id"`
	Schema  *types.Schema `json:"schema"`
}

// handleShards creates a new shard on this node and records its
// assignment cluster-wide. There is no dedicated "create shard"
// cluster change kind (spec.md §4.2 routes shard placement entirely
// through ChangeAssignShard); the local shard.New call and the
// metadata commit both happen here, in that order, so a shard that
// fails to open locally never gets announced to the rest of the
// cluster.
func (a *adminServer) handleShards(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createShardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAdminErr(w, http.StatusBadRequest, err)
			return
		}
		cfg := shard.Config{
			DataDir:      a.shardDataDir(req.ShardID),
			Analyzer:     analyzer.Whitespace{},
			AnalyzerKind: "whitespace",
			MergeConfig:  index.DefaultMergeConfig(),
		}
		if _, err := a.shards.Create(req.ShardID, req.Schema, cfg); err != nil {
			writeAdminErr(w, http.StatusConflict, err)
			return
		}
		if err := a.cl.CommitMetadataChange(cluster.MetadataChange{
			Kind:        cluster.ChangeAssignShard,
			ShardID:     req.ShardID,
			TargetNode:  a.cl.NodeID(),
		}); err != nil {
			writeAdminErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"shard_id": req.ShardID, "node": a.cl.NodeID()})
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"local_shards": a.shards.IDs()})
	default:
		writeAdminErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

type moveShardRequest struct {
	ShardID    string `json:"shard_id"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
}

// handleShardMove runs a ShardMoveOp: acquire the shard's exclusive
// lock, stream it to the target node over pkg/migration, then commit
// the new assignment (spec.md §4.7's rebalancing path).
func (a *adminServer) handleShardMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAdminErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req moveShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminErr(w, http.StatusBadRequest, err)
		return
	}
	op := statemachine.NewShardMoveOp(a.sm.NextOperationID(), req.ShardID, req.SourceNode, req.TargetNode, a.locks, a.cl, a.migrator)
	a.sm.Register(op)
	if err := op.Run(); err != nil {
		writeAdminErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved", "shard_id": req.ShardID, "target_node": req.TargetNode})
}

// shardOwnerAddr returns the transport address of the node currently
// assigned shardID, per the cluster writeview.
func (a *adminServer) shardOwnerAddr(shardID string) (string, bool) {
	assignment, ok := a.cl.Readview().Shard(shardID)
	if !ok {
		return "", false
	}
	node, ok := a.cl.Readview().Node(assignment.AssignedNode)
	if !ok {
		return "", false
	}
	return node.Addr, true
}

func (a *adminServer) handleRecords(w http.ResponseWriter, r *http.Request) {
	var env recordEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeAdminErr(w, http.StatusBadRequest, err)
		return
	}
	addr, ok := a.shardOwnerAddr(env.ShardID)
	if !ok {
		writeAdminErr(w, http.StatusNotFound, errUnknownShard)
		return
	}
	body, _ := json.Marshal(env)

	var kind transport.Kind
	switch r.Method {
	case http.MethodPost:
		kind = transport.KindInsertUpdate
	case http.MethodDelete:
		kind = transport.KindDelete
	default:
		writeAdminErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}

	_, respBody, err := a.tr.Request(addr, kind, transport.MaskDPRequest, body, adminRequestTimeout, nil)
	if err != nil {
		writeAdminErr(w, http.StatusBadGateway, err)
		return
	}
	var resp query.Response
	_ = json.Unmarshal(respBody, &resp)
	if resp.Error != "" {
		writeAdminErr(w, http.StatusUnprocessableEntity, errFromString(resp.Error))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleFeedback proxies a click/relevance submission to the shard's
// owning node, making spec.md §4.4's feedback-boost signal reachable
// from outside the cluster (the companion path to --prefix for
// SuggestionList and --phrase for PhraseSearch).
func (a *adminServer) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAdminErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var env feedbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeAdminErr(w, http.StatusBadRequest, err)
		return
	}
	addr, ok := a.shardOwnerAddr(env.ShardID)
	if !ok {
		writeAdminErr(w, http.StatusNotFound, errUnknownShard)
		return
	}
	body, _ := json.Marshal(env)

	_, respBody, err := a.tr.Request(addr, transport.KindFeedback, transport.MaskDPRequest, body, adminRequestTimeout, nil)
	if err != nil {
		writeAdminErr(w, http.StatusBadGateway, err)
		return
	}
	var resp query.Response
	_ = json.Unmarshal(respBody, &resp)
	if resp.Error != "" {
		writeAdminErr(w, http.StatusUnprocessableEntity, errFromString(resp.Error))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type searchEnvelope struct {
	ShardID string        `json:"shard_id"`
	Request query.Request `json:"request"`
}

func (a *adminServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	var env searchEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeAdminErr(w, http.StatusBadRequest, err)
		return
	}
	addr, ok := a.shardOwnerAddr(env.ShardID)
	if !ok {
		writeAdminErr(w, http.StatusNotFound, errUnknownShard)
		return
	}
	body, _ := json.Marshal(env)

	h, respBody, err := a.tr.Request(addr, transport.KindSearch, transport.MaskDPRequest, body, adminRequestTimeout, nil)
	if err != nil {
		writeAdminErr(w, http.StatusBadGateway, err)
		return
	}
	if h.Kind != transport.KindSearchReply {
		writeAdminErr(w, http.StatusBadGateway, errUnexpectedReply)
		return
	}
	var resp query.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		writeAdminErr(w, http.StatusBadGateway, err)
		return
	}
	if resp.Error != "" {
		writeAdminErr(w, http.StatusUnprocessableEntity, errFromString(resp.Error))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

var (
	errMethodNotAllowed = errors.New("method not allowed")
	errUnknownShard      = errors.New("lexis-node: shard has no recorded assignment in the cluster writeview")
	errUnexpectedReply   = errors.New("lexis-node: unexpected reply kind from shard owner")
)

func errFromString(s string) error { return errors.New(s) }
