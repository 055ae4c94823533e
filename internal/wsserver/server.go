package wsserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/relaycore/workhost/internal/eventbus"
	"github.com/relaycore/workhost/internal/log"
)

// upgrader accepts connections from any origin: workhost's WebSocket
// listener binds to loopback by default (config.WebSocketConfig.ListenAddr)
// and isn't meant to sit behind a browser's same-origin boundary.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades HTTP connections to WebSocket and wires each one into the
// event bus according to its requested topics.
type Server struct {
	bus *eventbus.Bus
}

// New returns a Server dispatching through bus.
func New(bus *eventbus.Bus) *Server {
	return &Server{bus: bus}
}

// ServeHTTP implements http.Handler. A connection subscribes by query
// string: `?worker=1` for the global Worker topic, and `?config=<name>&log=1`
// and/or `?config=<name>&topic=<name>` for config-scoped subscriptions.
// Any combination may be requested on one connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatWS, "upgrade failed", "err", err.Error())
		return
	}

	c := newConn(socket)
	subs := s.subscribe(c, r)
	go c.writePump()
	c.readPump(func() { s.unsubscribe(subs) })
}

type subscription struct {
	unsubscribe func()
}

func (s *Server) subscribe(c *conn, r *http.Request) []subscription {
	q := r.URL.Query()
	config := strings.TrimSpace(q.Get("config"))

	var subs []subscription

	if q.Has("worker") {
		topic := &topicHandle{name: eventbus.TopicWorker, c: c}
		s.bus.SubscribeGlobal(eventbus.TopicWorker, topic)
		subs = append(subs, subscription{unsubscribe: func() {
			s.bus.UnsubscribeGlobal(eventbus.TopicWorker, topic)
		}})
	}

	if config != "" && q.Has("log") {
		topic := &topicHandle{name: eventbus.TopicLog, c: c}
		s.bus.SubscribeLog(config, topic)
		subs = append(subs, subscription{unsubscribe: func() {
			s.bus.UnsubscribeLog(config, topic)
		}})
	}

	if config != "" {
		for _, name := range q["topic"] {
			name := name
			topic := &topicHandle{name: name, c: c}
			s.bus.SubscribeConfig(config, name, topic)
			subs = append(subs, subscription{unsubscribe: func() {
				s.bus.UnsubscribeConfig(config, name, topic)
			}})
		}
	}

	return subs
}

func (s *Server) unsubscribe(subs []subscription) {
	for _, sub := range subs {
		sub.unsubscribe()
	}
}
