package server

import (
	"encoding/json"
	"errors"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"sync"
	"time"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	readTimeout = 60 * time.Second
	readLimit   = 64 << 10
)

var errConnClosed = errors.New("connection closed")

// conn serializes writes to a websocket through a buffered queue drained by one goroutine
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan outbound
	once sync.Once
	done chan struct{}
}

// outbound is a queued frame, or a close request when payload is nil
type outbound struct {
	payload []byte
	code    int
	reason  string
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		id:   xid.New().String(),
		ws:   ws,
		send: make(chan outbound, 64),
		done: make(chan struct{}),
	}

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go c.writeLoop()
	return c
}

// sendFrame enqueues v as JSON. A client too slow to drain its queue is disconnected.
func (c *conn) sendFrame(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case <-c.done:
		return errConnClosed
	case c.send <- outbound{payload: payload}:
		return nil
	default:
		c.close(websocket.ClosePolicyViolation, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// read returns the next text frame
func (c *conn) read() ([]byte, error) {
	for {
		typ, payload, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return payload, nil
		}
	}
}

// closeAfterFlush closes the connection once frames queued before it are written
func (c *conn) closeAfterFlush(code int, reason string) {
	select {
	case <-c.done:
	case c.send <- outbound{code: code, reason: reason}:
	default:
		c.close(code, reason)
	}
}

// close terminates the connection. It is safe to call more than once.
func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if msg.payload == nil {
				c.close(msg.code, msg.reason)
				return
			}
			if err := c.write(websocket.TextMessage, msg.payload); err != nil {
				c.close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *conn) write(typ int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(typ, payload)
}
