package transport

import (
	"net"
	"sync"
	"time"
)

// conn is one persistent, per-destination TCP stream (spec.md §4.8:
// "per destination node the transport keeps one persistent TCP
// stream"). writeMu serialises frames onto the wire so two concurrent
// senders never interleave a header with another message's body.
type conn struct {
	addr string
	nc   net.Conn

	writeMu sync.Mutex
}

// send frames h/body onto the connection. A positive timeout bounds
// how long the write may block on socket writability, per spec.md
// §5's "transport send suspends on socket writability, configurable
// timeout."
func (c *conn) send(h Header, body []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	return WriteFrame(c.nc, h, body)
}

func (c *conn) close() error {
	return c.nc.Close()
}
