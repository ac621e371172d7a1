package statemachine

// NotificationKind tags the payload carried by a Notification. This is
// the superset spec.md §4.8 lists for the transport layer; only the
// subset the operations in this package actually exchange is used
// here, the rest exists so pkg/transport has a name for every message
// kind it needs to frame.
type NotificationKind string

const (
	KindSearch               NotificationKind = "search"
	KindSearchReply          NotificationKind = "search_reply"
	KindInsertUpdate         NotificationKind = "insert_update"
	KindDelete               NotificationKind = "delete"
	KindSerialize            NotificationKind = "serialize"
	KindGetInfo              NotificationKind = "get_info"
	KindGetInfoReply         NotificationKind = "get_info_reply"
	KindCommit               NotificationKind = "commit"
	KindResetLog             NotificationKind = "reset_log"
	KindStatus               NotificationKind = "status"
	KindLock                 NotificationKind = "lock"
	KindLockAck              NotificationKind = "lock_ack"
	KindLockReleased         NotificationKind = "lock_released"
	KindMoveToMe             NotificationKind = "move_to_me"
	KindMoveAck              NotificationKind = "move_ack"
	KindMoveAbort            NotificationKind = "move_abort"
	KindMoveFinish           NotificationKind = "move_finish"
	KindMoveCleanup          NotificationKind = "move_cleanup"
	KindCopyToMe             NotificationKind = "copy_to_me"
	KindReadMetadata         NotificationKind = "read_metadata"
	KindReadMetadataReply    NotificationKind = "read_metadata_reply"
	KindLoadBalancingReport  NotificationKind = "load_balancing_report"
	KindLoadBalancingReply   NotificationKind = "load_balancing_reply"
	KindMergeNotification    NotificationKind = "merge_notification"
	KindMergeAck             NotificationKind = "merge_ack"
	KindSaveData             NotificationKind = "save_data"
	KindSaveDataAck          NotificationKind = "save_data_ack"
	KindSaveMetadata         NotificationKind = "save_metadata"
	KindSaveMetadataAck      NotificationKind = "save_metadata_ack"
	KindShutdown             NotificationKind = "shutdown"
	KindNewNodeReadMetadata  NotificationKind = "new_node_read_metadata"
	KindNewNodeReadMetaReply NotificationKind = "new_node_read_metadata_reply"
	KindMMNotification       NotificationKind = "mm_notification"
	KindNodeFailure          NotificationKind = "node_failure"
)

// Notification is the unit the state machine dispatches: every
// notification targets exactly one operation (identified by To), and
// most carry a reply-to correlation back to the operation that sent
// them (spec.md §4.7/§4.8).
type Notification struct {
	Kind NotificationKind
	From OperationID
	To   OperationID

	// Bounced marks a notification that could not be delivered because
	// its destination node has not joined yet; it has been swapped
	// src/dest and sent back to the original sender (spec.md §4.7).
	Bounced bool

	Payload any
}

// Sender delivers a notification to whatever remote or local node
// hosts its destination operation. pkg/transport implements this once
// wired to a live connection; tests use an in-memory stub.
type Sender interface {
	Send(n Notification) error
}
