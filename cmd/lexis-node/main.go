// Command lexis-node runs one node of a lexis cluster: it owns a set
// of data shards, participates in the raft-backed cluster metadata
// group, and answers search/mutation requests over pkg/transport's
// framed wire protocol.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/lexis/pkg/cluster"
	"github.com/cuemby/lexis/pkg/index"
	"github.com/cuemby/lexis/pkg/lock"
	"github.com/cuemby/lexis/pkg/log"
	"github.com/cuemby/lexis/pkg/metrics"
	"github.com/cuemby/lexis/pkg/migration"
	"github.com/cuemby/lexis/pkg/shard"
	"github.com/cuemby/lexis/pkg/statemachine"
	"github.com/cuemby/lexis/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	// Set via -ldflags at build time.
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
	Use:     "lexis-node",
	Short:   "lexis-node runs a single search-cluster node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("lexis-node %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("data-dir", "./data", "Directory for this node's persistent state")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7100", "Transport/raft bind address")
	serveCmd.Flags().String("admin-addr", "127.0.0.1:9090", "HTTP admin/metrics/health bind address")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a brand-new single-node cluster")
	serveCmd.Flags().String("join", "", "Transport address of an existing cluster member to join through")

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node, joining or bootstrapping the cluster as directed",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	joinPeer, _ := cmd.Flags().GetString("join")

	nodeID, err := loadOrCreateNodeID(dataDir)
	if err != nil {
		return err
	}
	nlog := log.WithNode(nodeID)
	nlog.Info().Str("bind_addr", bindAddr).Msg("starting lexis-node")

	metrics.SetVersion(Version)
	metrics.RegisterComponent("cluster", false, "initializing")
	metrics.RegisterComponent("transport", false, "initializing")
	metrics.RegisterComponent("statemachine", false, "initializing")

	cl, err := cluster.NewManager(cluster.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  filepath.Join(dataDir, "cluster"),
	})
	if err != nil {
		return fmt.Errorf("lexis-node: failed to create cluster manager: %w", err)
	}

	tr := transport.New(bindAddr)
	if err := tr.Listen(bindAddr); err != nil {
		return fmt.Errorf("lexis-node: failed to listen on %s: %w", bindAddr, err)
	}
	metrics.RegisterComponent("transport", true, "listening")

	shards := newShardTable()
	migrator := migration.New(bindAddr, dataDir, tr, shards, baseShardConfig())
	migration.RegisterMetadataServer(tr, cl)

	locks := lock.New()
	sm := statemachine.New(nodeID, transport.NewNotificationSender(tr, notificationAddr(cl)))
	transport.RegisterNotificationRouter(tr, sm)

	registerDataPlaneHandlers(tr, &nodeServer{shards: shards}, cl)

	if bootstrap {
		if err := cl.Bootstrap(); err != nil {
			return fmt.Errorf("lexis-node: failed to bootstrap cluster: %w", err)
		}
		nlog.Info().Msg("bootstrapped new single-node cluster")
	} else if joinPeer != "" {
		if err := cl.StartVoter(); err != nil {
			return fmt.Errorf("lexis-node: failed to start raft voter: %w", err)
		}
		if err := joinExistingCluster(cl, tr, sm, nodeID, bindAddr, joinPeer); err != nil {
			return fmt.Errorf("lexis-node: failed to join cluster through %s: %w", joinPeer, err)
		}
		nlog.Info().Str("peer", joinPeer).Msg("joined existing cluster")
	} else {
		return fmt.Errorf("lexis-node: must pass either --bootstrap or --join")
	}
	metrics.RegisterComponent("cluster", true, "joined")
	metrics.RegisterComponent("statemachine", true, "running")

	sm.Start()
	defer sm.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	admin := &adminServer{nodeAddr: bindAddr, dataDir: dataDir, cl: cl, tr: tr, shards: shards, locks: locks, migrator: migrator, sm: sm}
	admin.registerRoutes(mux)

	errCh := make(chan error, 1)
	go func() {
		if err := http.ListenAndServe(adminAddr, mux); err != nil {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()
	nlog.Info().Str("admin_addr", adminAddr).Msg("admin/metrics/health endpoints ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		nlog.Info().Msg("shutting down")
	case err := <-errCh:
		nlog.Error().Err(err).Msg("shutting down after server error")
	}

	saveOp := statemachine.NewClusterSaveOp(sm.NextOperationID(), cl, transport.NewNotificationSender(tr, notificationAddr(cl)), 10*time.Second)
	sm.Register(saveOp)
	if err := saveOp.Run(); err != nil {
		nlog.Warn().Err(err).Msg("cluster-wide save did not complete cleanly")
	}
	shards.CloseAll()
	if err := tr.Close(); err != nil {
		nlog.Warn().Err(err).Msg("failed to close transport cleanly")
	}
	if err := cl.Shutdown(); err != nil {
		return fmt.Errorf("lexis-node: failed to shut down cluster manager: %w", err)
	}
	nlog.Info().Msg("shutdown complete")
	return nil
}

// baseShardConfig is the template pkg/migration fills DataDir/Analyzer/
// AnalyzerKind into for every shard streamed onto this node; its
// MergeConfig applies uniformly regardless of which shard or schema is
// being adopted.
func baseShardConfig() shard.Config {
	return shard.Config{
		AnalyzerKind:     "whitespace",
		MergeConfig:      index.DefaultMergeConfig(),
		CacheBudgetBytes: 1 << 20,
	}
}

// joinExistingCluster pulls the current writeview from joinPeer via
// NewNodeJoinOp (spec.md §4.7). The raft voter seat itself must already
// have been granted by the leader (lexisctl cluster join, issued
// against the leader's admin API) before this call, since only the
// leader's raft instance can add a voter.
func joinExistingCluster(cl *cluster.Manager, tr *transport.Transport, sm *statemachine.StateMachine, nodeID, bindAddr, peer string) error {
	fetcher := migration.NewPeerFetcher(tr)
	op := statemachine.NewNewNodeJoinOp(sm.NextOperationID(), peer, cl, fetcher, sm)
	sm.Register(op)
	return op.Run()
}
