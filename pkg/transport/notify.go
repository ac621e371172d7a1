package transport

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/lexis/pkg/statemachine"
)

// notificationKinds pairs each statemachine.NotificationKind routed to
// the state machine with the wire Kind spec.md §4.8 assigns it.
// MoveToMe/MoveAck/MoveAbort/MoveFinish/MoveCleanup/CopyToMe and
// NewNodeReadMetadata/Reply are deliberately absent: pkg/migration owns
// those kinds' handlers directly (it moves shard archives, not
// Notification envelopes), so RegisterNotificationRouter must not
// re-register them. ReadMetadata/ReadMetadataReply have no entry either.
var notificationKinds = map[statemachine.NotificationKind]Kind{
	statemachine.KindSearch:              KindSearch,
	statemachine.KindSearchReply:         KindSearchReply,
	statemachine.KindInsertUpdate:        KindInsertUpdate,
	statemachine.KindDelete:              KindDelete,
	statemachine.KindSerialize:           KindSerialize,
	statemachine.KindGetInfo:             KindGetInfo,
	statemachine.KindGetInfoReply:        KindGetInfoReply,
	statemachine.KindCommit:              KindCommit,
	statemachine.KindResetLog:            KindResetLog,
	statemachine.KindStatus:              KindStatus,
	statemachine.KindLock:                KindLock,
	statemachine.KindLockAck:             KindLockAck,
	statemachine.KindLockReleased:        KindLockReleased,
	statemachine.KindLoadBalancingReport: KindLoadBalancingReport,
	statemachine.KindLoadBalancingReply:  KindLoadBalancingReply,
	statemachine.KindMergeNotification:   KindMergeNotification,
	statemachine.KindMergeAck:            KindMergeAck,
	statemachine.KindSaveData:            KindSaveData,
	statemachine.KindSaveDataAck:         KindSaveDataAck,
	statemachine.KindSaveMetadata:        KindSaveMetadata,
	statemachine.KindSaveMetadataAck:     KindSaveMetadataAck,
	statemachine.KindShutdown:            KindShutdown,
	statemachine.KindMMNotification:      KindMMNotification,
	statemachine.KindNodeFailure:         KindNodeFailureNotification,
}

// wireEnvelope is Notification's JSON wire shape. Payload travels as
// raw JSON rather than any; operations that need it back in typed form
// decode it themselves from Notification.Payload once NotificationSender's
// counterpart below has round-tripped it through json.RawMessage.
type wireEnvelope struct {
	Kind    statemachine.NotificationKind `json:"kind"`
	From    statemachine.OperationID     `json:"from"`
	To      statemachine.OperationID     `json:"to"`
	Bounced bool                          `json:"bounced"`
	Payload json.RawMessage              `json:"payload,omitempty"`
}

// NotificationSender implements statemachine.Sender over a Transport:
// Notification.To's owning node is resolved by the caller (the
// operation already knows which node it's addressing; spec.md §4.7
// tracks this alongside the operation's own state) and passed as addr.
type NotificationSender struct {
	tr   *Transport
	addr func(to statemachine.OperationID) (string, bool)
}

// NewNotificationSender returns a Sender that resolves each
// Notification's destination node through addrOf before framing and
// sending it over tr.
func NewNotificationSender(tr *Transport, addrOf func(to statemachine.OperationID) (string, bool)) *NotificationSender {
	return &NotificationSender{tr: tr, addr: addrOf}
}

func (s *NotificationSender) Send(n statemachine.Notification) error {
	kind, ok := notificationKinds[n.Kind]
	if !ok {
		return fmt.Errorf("transport: no wire kind registered for notification kind %q", n.Kind)
	}
	target, ok := s.addr(n.To)
	if !ok {
		return fmt.Errorf("transport: no known address for operation %q", n.To)
	}

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("transport: failed to encode notification payload: %w", err)
	}
	body, err := json.Marshal(wireEnvelope{Kind: n.Kind, From: n.From, To: n.To, Bounced: n.Bounced, Payload: payload})
	if err != nil {
		return fmt.Errorf("transport: failed to encode notification: %w", err)
	}
	return s.tr.Send(target, kind, MaskRemote, body)
}

// RegisterNotificationRouter installs a handler for every notification
// kind transport owns (i.e. every entry in notificationKinds) that
// decodes the inbound frame and hands it to sm.Dispatch. It never
// replies — Notification delivery is fire-and-forget; operations that
// need an answer send their own reply Notification back through Sender.
func RegisterNotificationRouter(tr *Transport, sm *statemachine.StateMachine) {
	for _, kind := range notificationKinds {
		kind := kind
		tr.RegisterHandler(kind, func(h Header, body []byte, reply func(Kind, []byte) error) {
			var env wireEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				return
			}
			var payload any
			if len(env.Payload) > 0 {
				_ = json.Unmarshal(env.Payload, &payload)
			}
			sm.Dispatch(statemachine.Notification{
				Kind:    env.Kind,
				From:    env.From,
				To:      env.To,
				Bounced: env.Bounced,
				Payload: payload,
			})
		})
	}
}
