package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// outboundQueueSize bounds the per-connection send queue. A consumer
	// that falls this far behind is dropped rather than allowed to stall
	// broadcasts to the rest of the room.
	outboundQueueSize = 32

	writeTimeout = 10 * time.Second
)

// ErrSlowConsumer indicates the connection's outbound queue overflowed.
var ErrSlowConsumer = errors.New("outbound queue full")

// wsConn wraps a websocket connection with a bounded outbound queue and a
// single write pump goroutine. gorilla/websocket allows at most one
// concurrent writer, and broadcasts come from many goroutines; every write
// goes through the queue so handlers and broadcasters never block on a slow
// peer.
type wsConn struct {
	ws        *websocket.Conn
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:       ws,
		outbound: make(chan []byte, outboundQueueSize),
		closed:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

// writePump drains the outbound queue onto the wire. The pump owns the
// socket close: on the close signal it first flushes frames queued before
// the signal (a kick notice must reach the peer ahead of the close), and a
// write error closes the socket directly, which unblocks the owning read
// loop.
func (c *wsConn) writePump() {
	for {
		select {
		case data := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				c.ws.Close()
				return
			}
		case <-c.closed:
			c.flushAndClose()
			return
		}
	}
}

// flushAndClose delivers already-queued frames, then closes the socket. One
// short shared deadline bounds the whole flush so a dead peer cannot hold
// teardown open.
func (c *wsConn) flushAndClose() {
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	for {
		select {
		case data := <-c.outbound:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.ws.Close()
				return
			}
		default:
			c.ws.Close()
			return
		}
	}
}

// Send enqueues a frame for delivery. It never blocks: if the queue is full
// the connection is closed and ErrSlowConsumer returned, so one slow consumer
// cannot stall a broadcast to the rest of the room.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.outbound <- data:
		return nil
	default:
		c.Close()
		return ErrSlowConsumer
	}
}

// ReadFrame blocks until the next inbound frame or connection close.
func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close signals teardown. Safe to call from any goroutine, any number of
// times. The write pump reacts by flushing queued frames and closing the
// socket, which unblocks any pending read.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}
