package migration

import (
	"testing"
	"time"

	"github.com/cuemby/lexis/pkg/cluster"
	"github.com/cuemby/lexis/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bootstrappedCluster(t *testing.T) *cluster.Manager {
	t.Helper()
	m, err := cluster.NewManager(cluster.Config{NodeID: "node-1", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, m.Bootstrap())
	t.Cleanup(func() { m.Shutdown() })
	require.Eventually(t, m.IsLeader, time.Second, 5*time.Millisecond, "single-node cluster never became leader")
	return m
}

func TestPeerFetcher_FetchMetadataReturnsPeerSnapshot(t *testing.T) {
	cl := bootstrappedCluster(t)

	addr := freeAddr(t)
	tr := transport.New(addr)
	require.NoError(t, tr.Listen(addr))
	t.Cleanup(func() { tr.Close() })
	RegisterMetadataServer(tr, cl)

	client := transport.New("client")
	t.Cleanup(func() { client.Close() })
	fetcher := NewPeerFetcher(client)

	data, err := fetcher.FetchMetadata(addr)
	require.NoError(t, err)

	want, err := cl.SnapshotBytes()
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestPeerFetcher_UnreachablePeerReturnsError(t *testing.T) {
	client := transport.New("client")
	t.Cleanup(func() { client.Close() })
	fetcher := NewPeerFetcher(client)
	fetcher.timeout = 20 * time.Millisecond

	_, err := fetcher.FetchMetadata("127.0.0.1:1")
	require.Error(t, err)
}
