package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func listening(t *testing.T) (*Transport, string) {
	t.Helper()
	addr := freeAddr(t)
	tr := New(addr)
	require.NoError(t, tr.Listen(addr))
	t.Cleanup(func() { tr.Close() })
	return tr, addr
}

func TestSend_DeliversOneWayMessageToHandler(t *testing.T) {
	server, addr := listening(t)
	client := New("client")
	t.Cleanup(func() { client.Close() })

	received := make(chan []byte, 1)
	server.RegisterHandler(KindDelete, func(h Header, body []byte, reply func(Kind, []byte) error) {
		received <- body
	})

	require.NoError(t, client.Send(addr, KindDelete, MaskSharding, []byte("pk-123")))

	select {
	case body := <-received:
		assert.Equal(t, "pk-123", string(body))
	case <-time.After(time.Second):
		t.Fatal("handler never received the message")
	}
}

func TestRequest_CorrelatesReplyByReplyToField(t *testing.T) {
	server, addr := listening(t)
	client := New("client")
	t.Cleanup(func() { client.Close() })

	server.RegisterHandler(KindSearch, func(h Header, body []byte, reply func(Kind, []byte) error) {
		require.NoError(t, reply(KindSearchReply, []byte("results-for:"+string(body))))
	})

	h, body, err := client.Request(addr, KindSearch, MaskDPRequest, []byte("lexis"), time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, KindSearchReply, h.Kind)
	assert.Equal(t, "results-for:lexis", string(body))
}

func TestRequest_TimesOutAndInvokesCallbackWhenNoReplyArrives(t *testing.T) {
	server, addr := listening(t)
	client := New("client")
	t.Cleanup(func() { client.Close() })

	// Registered but never replies.
	server.RegisterHandler(KindSearch, func(Header, []byte, func(Kind, []byte) error) {})

	callbackErr := make(chan error, 1)
	_, _, err := client.Request(addr, KindSearch, MaskDPRequest, nil, 20*time.Millisecond, func(e error) {
		callbackErr <- e
	})
	require.Error(t, err)

	select {
	case e := <-callbackErr:
		assert.Error(t, e)
	case <-time.After(time.Second):
		t.Fatal("timeout callback was never invoked")
	}
}

func TestRequest_LateReplyAfterTimeoutIsDroppedNotDelivered(t *testing.T) {
	server, addr := listening(t)
	client := New("client")
	t.Cleanup(func() { client.Close() })

	release := make(chan struct{})
	server.RegisterHandler(KindSearch, func(h Header, body []byte, reply func(Kind, []byte) error) {
		<-release
		_ = reply(KindSearchReply, []byte("too-late"))
	})

	_, _, err := client.Request(addr, KindSearch, MaskDPRequest, nil, 20*time.Millisecond, nil)
	require.Error(t, err)
	close(release)

	// Give the late reply a moment to arrive and be silently dropped;
	// the client must not panic or misfile it against a new request.
	time.Sleep(50 * time.Millisecond)
}

func TestSendLocal_BypassesWireAndCallsHandlerDirectly(t *testing.T) {
	tr := New("node-1")
	t.Cleanup(func() { tr.Close() })

	received := make(chan Mask, 1)
	tr.RegisterHandler(KindCommit, func(h Header, body []byte, reply func(Kind, []byte) error) {
		received <- h.Mask
	})

	tr.SendLocal(KindCommit, []byte("local-body"))

	select {
	case mask := <-received:
		assert.Equal(t, MaskLocal, mask)
	case <-time.After(time.Second):
		t.Fatal("local handler was never invoked")
	}
}

func TestConnTo_ReusesThePersistentConnectionForTheSameDestination(t *testing.T) {
	_, addr := listening(t)
	client := New("client")
	t.Cleanup(func() { client.Close() })

	c1, err := client.connTo(addr)
	require.NoError(t, err)
	c2, err := client.connTo(addr)
	require.NoError(t, err)
	assert.Same(t, c1, c2, "a second send to the same destination must reuse the one persistent stream")
}
