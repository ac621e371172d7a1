package statemachine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu  sync.Mutex
	out []Notification
}

func (s *recordingSender) Send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, n)
	return nil
}

func (s *recordingSender) sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.out))
	copy(out, s.out)
	return out
}

type fakeOp struct {
	id          OperationID
	kind        string
	waitingNode string

	mu       sync.Mutex
	received []Notification
	aborted  bool
	abortMsg string
}

func (f *fakeOp) ID() OperationID { return f.id }
func (f *fakeOp) Kind() string    { return f.kind }

func (f *fakeOp) HandleNotification(n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, n)
	return nil
}

func (f *fakeOp) Abort(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	f.abortMsg = code
	return nil
}

func (f *fakeOp) Done() bool { return false }

func (f *fakeOp) WaitingOnNode(nodeID string) bool { return f.waitingNode == nodeID }

func (f *fakeOp) wasAborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

func TestDispatch_BouncesWhenNodeNotJoined(t *testing.T) {
	sender := &recordingSender{}
	sm := New("node-a", sender)

	sm.Dispatch(Notification{Kind: KindSearch, From: "op-b", To: "op-a"})

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Bounced)
	assert.Equal(t, OperationID("op-a"), sent[0].From)
	assert.Equal(t, OperationID("op-b"), sent[0].To)
}

func TestDispatch_BouncesWhenOperationNotRegistered(t *testing.T) {
	sender := &recordingSender{}
	sm := New("node-a", sender)
	sm.SetJoined(true)

	sm.Dispatch(Notification{Kind: KindSearch, From: "op-b", To: "op-a"})

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Bounced)
}

func TestDispatch_RoutesToRegisteredOperation(t *testing.T) {
	sender := &recordingSender{}
	sm := New("node-a", sender)
	sm.SetJoined(true)

	op := &fakeOp{id: "op-a", kind: "fake"}
	sm.Register(op)

	sm.Dispatch(Notification{Kind: KindSearch, From: "op-b", To: "op-a"})

	op.mu.Lock()
	defer op.mu.Unlock()
	require.Len(t, op.received, 1)
	assert.Equal(t, KindSearch, op.received[0].Kind)
	assert.Empty(t, sender.sent())
}

func TestDispatch_QueuesBouncedNotificationForLaterRetry(t *testing.T) {
	sender := &recordingSender{}
	sm := New("node-a", sender)
	sm.SetJoined(true)

	// Simulate node-a's earlier send to node-b having bounced back.
	sm.Dispatch(Notification{Kind: KindSearch, From: "op-a", To: "op-b", Bounced: true})
	assert.Empty(t, sender.sent(), "a bounced notification should be queued, not re-dispatched immediately")

	sm.retryRound()
	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].Bounced)
	assert.Equal(t, OperationID("op-a"), sent[0].From)
	assert.Equal(t, OperationID("op-b"), sent[0].To)
}

func TestRetryRound_DoesNothingUntilJoined(t *testing.T) {
	sender := &recordingSender{}
	sm := New("node-a", sender)

	sm.Dispatch(Notification{Kind: KindSearch, From: "op-a", To: "op-b", Bounced: true})
	sm.retryRound()
	assert.Empty(t, sender.sent(), "retries must not fire before this node itself has joined")

	sm.SetJoined(true)
	sm.retryRound()
	assert.Len(t, sender.sent(), 1)
}

func TestStart_PeriodicWorkerRetriesBouncedNotifications(t *testing.T) {
	sender := &recordingSender{}
	sm := New("node-a", sender)
	sm.SetJoined(true)
	sm.Dispatch(Notification{Kind: KindSearch, From: "op-a", To: "op-b", Bounced: true})

	sm.Start()
	defer sm.Stop()

	require.Eventually(t, func() bool {
		return len(sender.sent()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNotifyNodeFailure_AbortsOnlyOperationsWaitingOnThatNode(t *testing.T) {
	sender := &recordingSender{}
	sm := New("node-a", sender)

	waiting := &fakeOp{id: "op-1", kind: "fake", waitingNode: "node-x"}
	unrelated := &fakeOp{id: "op-2", kind: "fake", waitingNode: "node-y"}
	sm.Register(waiting)
	sm.Register(unrelated)

	sm.NotifyNodeFailure("node-x")

	assert.True(t, waiting.wasAborted())
	assert.False(t, unrelated.wasAborted())

	sm.mu.Lock()
	_, stillRegistered := sm.ops["op-1"]
	sm.mu.Unlock()
	assert.False(t, stillRegistered, "an aborted operation must be deregistered")
}

func TestNextOperationID_IsMonotonicPerNode(t *testing.T) {
	sm := New("node-a", &recordingSender{})
	first := sm.NextOperationID()
	second := sm.NextOperationID()
	assert.NotEqual(t, first, second)
	assert.Equal(t, OperationID("node-a#1"), first)
	assert.Equal(t, OperationID("node-a#2"), second)
}
