// Package wsserver exposes the event bus over WebSocket connections: each
// browser connection subscribes to a set of topics at connect time (via
// query string) and becomes one eventbus.Topic per subscribed name, the
// same send/send_nowait shape the Bus already dispatches to.
package wsserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/relaycore/workhost/internal/eventbus"
	"github.com/relaycore/workhost/internal/log"
)

// sendBufferCapacity bounds how many envelopes a slow browser connection
// may have queued before SendNowait starts reporting drops.
const sendBufferCapacity = 256

const writeWait = 10 * time.Second

// wireEnvelope is the JSON shape an envelope takes on the wire.
type wireEnvelope struct {
	Topic string   `json:"topic"`
	Op    string   `json:"op"`
	Key   []string `json:"key,omitempty"`
	Value any      `json:"value,omitempty"`
}

// conn wraps one upgraded WebSocket connection. It implements
// eventbus.Topic once per subscribed topic name (see topicHandle), but owns
// a single underlying socket and a single write pump serializing all of
// them -- gorilla/websocket forbids concurrent writers on one *Conn.
type conn struct {
	id     string
	socket *websocket.Conn

	outbox chan wireEnvelope
	closed chan struct{}
	once   sync.Once
}

func newConn(socket *websocket.Conn) *conn {
	return &conn{
		id:     uuid.NewString(),
		socket: socket,
		outbox: make(chan wireEnvelope, sendBufferCapacity),
		closed: make(chan struct{}),
	}
}

// writePump is the connection's single writer goroutine; every topicHandle
// for this connection funnels through c.outbox instead of writing directly.
func (c *conn) writePump() {
	defer c.socket.Close()
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.outbox:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(env); err != nil {
				log.Debug(log.CatWS, "write failed, closing connection", "conn", c.id, "err", err.Error())
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.closed) })
}

// readPump blocks reading (and discarding) messages until the client
// disconnects or the socket errors, then runs onClose to unsubscribe from
// every topic this connection held and stops the write pump. workhost's
// wire protocol is output-only from the browser's perspective; readPump
// exists to detect disconnects and to drain gorilla/websocket's required
// control-frame handling (ping/pong, close).
func (c *conn) readPump(onClose func()) {
	defer func() {
		c.close()
		onClose()
	}()
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

// enqueue blocks until env is accepted or the connection closes.
func (c *conn) enqueue(env wireEnvelope) {
	select {
	case c.outbox <- env:
	case <-c.closed:
	}
}

// enqueueNowait reports false if the outbox was full or the connection is
// already closed -- the bus's "slow consumers must not stall the
// dispatcher" contract.
func (c *conn) enqueueNowait(env wireEnvelope) bool {
	select {
	case c.outbox <- env:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

// topicHandle is the eventbus.Topic a single subscribed topic name gets;
// several may share one conn.
type topicHandle struct {
	name string
	c    *conn
}

func (h *topicHandle) TopicName() string { return h.name }

func (h *topicHandle) Send(env eventbus.Envelope) {
	h.c.enqueue(toWire(h.name, env))
}

func (h *topicHandle) SendNowait(env eventbus.Envelope) bool {
	return h.c.enqueueNowait(toWire(h.name, env))
}

func toWire(name string, env eventbus.Envelope) wireEnvelope {
	return wireEnvelope{Topic: name, Op: env.Op, Key: env.Key, Value: env.Value}
}
