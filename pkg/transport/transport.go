package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/lexis/pkg/log"
	"github.com/rs/zerolog"
)

// Handler processes one incoming frame not claimed by request/reply
// correlation. reply sends a correlated response back on the same
// connection the frame arrived on (spec.md §4.8's "dispatches to the
// registered handler — sharding callback or internal-broker
// callback").
type Handler func(h Header, body []byte, reply func(kind Kind, body []byte) error)

type response struct {
	header Header
	body   []byte
}

type pendingRequest struct {
	respCh chan response
	timer  *time.Timer
}

// Transport is one node's wire endpoint: a listener accepting inbound
// streams, a pool of outbound persistent streams keyed by destination
// address, and the request/reply correlation table spec.md §4.8
// describes. One dedicated goroutine runs the listener's accept loop;
// one more runs per connected socket's event loop.
type Transport struct {
	nodeAddr string
	log      zerolog.Logger

	mu       sync.Mutex
	conns    map[string]*conn
	handlers map[Kind]Handler
	pending  map[uint32]*pendingRequest
	nextID   uint32

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New returns a Transport identified by nodeAddr. The address is
// stored only; routing and SendLocal do not consult it.
func New(nodeAddr string) *Transport {
	return &Transport{
		nodeAddr: nodeAddr,
		log:      log.WithComponent("transport"),
		conns:    make(map[string]*conn),
		handlers: make(map[Kind]Handler),
		pending:  make(map[uint32]*pendingRequest),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler installs the handler invoked for every inbound frame
// of kind that isn't claimed by Request's reply correlation.
func (t *Transport) RegisterHandler(kind Kind, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[kind] = h
}

func (t *Transport) nextMessageID() uint32 {
	return atomic.AddUint32(&t.nextID, 1)
}

// Listen starts the dedicated listening thread spec.md §4.8 describes,
// accepting inbound connections and starting one event-loop goroutine
// per accepted socket.
func (t *Transport) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", addr, err)
	}
	t.listener = lis
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Warn().Err(err).Msg("transport accept failed")
				return
			}
		}
		c := &conn{addr: nc.RemoteAddr().String(), nc: nc}
		t.mu.Lock()
		t.conns[c.addr] = c
		t.mu.Unlock()
		t.wg.Add(1)
		go t.readLoop(c)
	}
}

// connTo returns the persistent connection to addr, dialing and
// caching one if none exists yet.
func (t *Transport) connTo(addr string) (*conn, error) {
	t.mu.Lock()
	c, ok := t.conns[addr]
	t.mu.Unlock()
	if ok {
		return c, nil
	}

	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to dial %s: %w", addr, err)
	}
	c = &conn{addr: addr, nc: nc}
	t.mu.Lock()
	t.conns[addr] = c
	t.mu.Unlock()
	t.wg.Add(1)
	go t.readLoop(c)
	return c, nil
}

// readLoop is the per-connection event loop: its callback frames one
// message at a time and dispatches it, per spec.md §4.8.
func (t *Transport) readLoop(c *conn) {
	defer t.wg.Done()
	for {
		h, body, err := ReadFrame(c.nc)
		if err != nil {
			t.dropConn(c)
			return
		}
		t.dispatch(c, h, body)
	}
}

func (t *Transport) dropConn(c *conn) {
	t.mu.Lock()
	if cur, ok := t.conns[c.addr]; ok && cur == c {
		delete(t.conns, c.addr)
	}
	t.mu.Unlock()
	_ = c.close()
}

func (t *Transport) dispatch(c *conn, h Header, body []byte) {
	if h.ReplyTo != 0 {
		t.mu.Lock()
		pr, ok := t.pending[h.ReplyTo]
		if ok {
			delete(t.pending, h.ReplyTo)
		}
		t.mu.Unlock()
		if ok {
			pr.timer.Stop()
			pr.respCh <- response{header: h, body: body}
			return
		}
	}

	t.mu.Lock()
	handler, ok := t.handlers[h.Kind]
	t.mu.Unlock()
	if !ok {
		t.log.Warn().Uint32("kind", uint32(h.Kind)).Msg("transport: no handler registered for message kind")
		return
	}

	reply := func(kind Kind, replyBody []byte) error {
		return c.send(Header{Kind: kind, Mask: h.Mask, ID: t.nextMessageID(), ReplyTo: h.ID}, replyBody, 0)
	}
	handler(h, body, reply)
}

// Send delivers a one-way frame to addr; the caller supplies the
// routing mask (spec.md §4.8: local/remote, discovery, DP-request/
// reply, sharding, migration).
func (t *Transport) Send(addr string, kind Kind, mask Mask, body []byte) error {
	c, err := t.connTo(addr)
	if err != nil {
		return err
	}
	return c.send(Header{Kind: kind, Mask: mask, ID: t.nextMessageID()}, body, 0)
}

// Request sends kind/body to addr and blocks until a correlated reply
// arrives or timeout elapses. If timeout elapses first, onTimeout (if
// non-nil) is invoked with an error describing the timeout — spec.md
// §4.8's "on timeout the corresponding pending entry invokes a
// caller-supplied error callback" — and Request itself also returns
// that error.
func (t *Transport) Request(addr string, kind Kind, mask Mask, body []byte, timeout time.Duration, onTimeout func(error)) (Header, []byte, error) {
	c, err := t.connTo(addr)
	if err != nil {
		return Header{}, nil, err
	}

	id := t.nextMessageID()
	respCh := make(chan response, 1)
	pr := &pendingRequest{respCh: respCh}

	timedOut := make(chan struct{})
	pr.timer = time.AfterFunc(timeout, func() {
		t.mu.Lock()
		_, stillPending := t.pending[id]
		delete(t.pending, id)
		t.mu.Unlock()
		if stillPending {
			close(timedOut)
		}
	})

	t.mu.Lock()
	t.pending[id] = pr
	t.mu.Unlock()

	if err := c.send(Header{Kind: kind, Mask: mask, ID: id}, body, 0); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		pr.timer.Stop()
		return Header{}, nil, err
	}

	select {
	case resp := <-respCh:
		return resp.header, resp.body, nil
	case <-timedOut:
		err := fmt.Errorf("transport: request %d to %s timed out after %s", id, addr, timeout)
		if onTimeout != nil {
			onTimeout(err)
		}
		return Header{}, nil, err
	}
}

// SendLocal delivers body straight to kind's registered handler
// without touching the wire — the copy-free, in-process path spec.md
// §4.8 describes for locally-masked messages ("body pointer is the
// in-process object").
func (t *Transport) SendLocal(kind Kind, body []byte) {
	t.mu.Lock()
	handler, ok := t.handlers[kind]
	t.mu.Unlock()
	if !ok {
		return
	}
	handler(Header{Kind: kind, Mask: MaskLocal, ID: t.nextMessageID()}, body, func(Kind, []byte) error { return nil })
}

// Close stops the listener and every open connection, then waits for
// all event-loop goroutines to exit.
func (t *Transport) Close() error {
	close(t.stopCh)
	if t.listener != nil {
		_ = t.listener.Close()
	}

	t.mu.Lock()
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*conn)
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.close()
	}
	t.wg.Wait()
	return nil
}
