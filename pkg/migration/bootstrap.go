package migration

import (
	"fmt"
	"time"

	"github.com/cuemby/lexis/pkg/cluster"
	"github.com/cuemby/lexis/pkg/transport"
)

// DefaultFetchTimeout bounds how long PeerFetcher waits for a peer's
// metadata snapshot reply before giving up.
const DefaultFetchTimeout = 10 * time.Second

// PeerFetcher implements statemachine.PeerMetadataFetcher over the
// transport: NewNodeJoinOp calls FetchMetadata to pull a running
// peer's cluster writeview before this node becomes a raft voter
// (spec.md §4.7).
type PeerFetcher struct {
	tr      *transport.Transport
	timeout time.Duration
}

// NewPeerFetcher returns a PeerFetcher issuing requests over tr.
// RegisterMetadataServer must be called on every node expected to
// answer these requests, including this one.
func NewPeerFetcher(tr *transport.Transport) *PeerFetcher {
	return &PeerFetcher{tr: tr, timeout: DefaultFetchTimeout}
}

// FetchMetadata requests peerNode's current cluster metadata snapshot.
func (f *PeerFetcher) FetchMetadata(peerNode string) ([]byte, error) {
	h, body, err := f.tr.Request(peerNode, transport.KindNewNodeReadMetadata, transport.MaskDiscovery, nil, f.timeout, nil)
	if err != nil {
		return nil, fmt.Errorf("migration: failed to fetch metadata from %s: %w", peerNode, err)
	}
	if h.Kind != transport.KindNewNodeReadMetadataReply {
		return nil, fmt.Errorf("migration: unexpected reply kind %d fetching metadata from %s", h.Kind, peerNode)
	}
	return body, nil
}

// RegisterMetadataServer installs the handler that answers
// KindNewNodeReadMetadata requests with cl's current snapshot, so a
// joining peer's PeerFetcher can bootstrap from this node.
func RegisterMetadataServer(tr *transport.Transport, cl *cluster.Manager) {
	tr.RegisterHandler(transport.KindNewNodeReadMetadata, func(h transport.Header, body []byte, reply func(transport.Kind, []byte) error) {
		data, err := cl.SnapshotBytes()
		if err != nil {
			_ = reply(transport.KindNewNodeReadMetadataReply, nil)
			return
		}
		_ = reply(transport.KindNewNodeReadMetadataReply, data)
	})
}
