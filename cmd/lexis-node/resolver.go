package main

import (
	"strings"

	"github.com/cuemby/lexis/pkg/cluster"
	"github.com/cuemby/lexis/pkg/statemachine"
)

// notificationAddr resolves a Notification.To into the transport
// address of the node that should receive it. To is overloaded: most
// operations (ShardMoveOp's lock traffic, NewNodeJoinOp) address a
// "nodeID#counter" OperationID, while ClusterSaveOp/ClusterShutdownOp
// broadcast with the bare node id as To (they're addressing a node,
// not an operation on it). Both shapes resolve to the same node id by
// dropping everything from the first '#' on.
func notificationAddr(cl *cluster.Manager) func(to statemachine.OperationID) (string, bool) {
	return func(to statemachine.OperationID) (string, bool) {
		nodeID := string(to)
		if i := strings.IndexByte(nodeID, '#'); i >= 0 {
			nodeID = nodeID[:i]
		}
		desc, ok := cl.Readview().Node(nodeID)
		if !ok {
			return "", false
		}
		return desc.Addr, true
	}
}
