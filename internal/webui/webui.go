// Package webui is the optional live status dashboard: a websocket
// broadcast of the counter snapshot and firewall log lines, adapted from
// the teacher's web.go broadcast-hub shape but instance-based instead of
// package-global so more than one Server can exist (tests in particular).
package webui

import (
	"encoding/json"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neolnax/uaforge/internal/counters"
	"github.com/neolnax/uaforge/internal/logging"
)

// Payload is the shape of every message pushed to connected clients.
type Payload struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

// Server hosts the dashboard page, the websocket endpoint, and the
// broadcast loop that feeds both counter snapshots and firewall events to
// every connected client.
type Server struct {
	ctrs     *counters.Counters
	interval time.Duration

	upgrader  websocket.Upgrader
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan Payload
}

// New builds a dashboard server. A zero interval defaults to 2s.
func New(ctrs *counters.Counters, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Server{
		ctrs:      ctrs,
		interval:  interval,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Payload, 64),
	}
}

// PublishFirewallEvent lets the firewall engine push a human-readable
// log line to any connected dashboard, independent of the periodic
// counter snapshot.
func (s *Server) PublishFirewallEvent(line string) {
	select {
	case s.broadcast <- Payload{Kind: "firewall", Body: line}:
	default:
		logging.Debugf("webui: dropping firewall event, broadcast buffer full")
	}
}

// Handler returns an http.Handler serving the index page and the
// websocket endpoint; cmd/uaforge uses it as the dashboard server's
// handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveIndex)
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// Run drives the snapshot ticker and the broadcast fan-out until done is
// closed.
func (s *Server) Run(done <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.broadcastPayload(Payload{Kind: "stats", Body: s.ctrs.Snapshot()})
		case p := <-s.broadcast:
			s.broadcastPayload(p)
		}
	}
}

func (s *Server) broadcastPayload(p Payload) {
	msg, err := json.Marshal(p)
	if err != nil {
		logging.Warnf("webui: marshal payload: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.Close()
			delete(s.clients, c)
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debugf("webui: upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>uaforge</title></head>
<body>
<h1>uaforge</h1>
<pre id="out"></pre>
<script>
  var ws = new WebSocket("{{.}}");
  var out = document.getElementById("out");
  ws.onmessage = function(ev) { out.textContent = ev.data + "\n" + out.textContent; };
</script>
</body>
</html>
`))

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	wsURL := "ws://" + r.Host + "/ws"
	if err := indexTemplate.Execute(w, wsURL); err != nil {
		logging.Warnf("webui: render index: %v", err)
	}
}
