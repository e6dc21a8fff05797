// Package monitor serves an operator HTTP surface for a running peer:
// Prometheus metrics, the peer list as JSON, and a WebSocket feed that
// pushes the peer list on every membership change.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/1ureka/coopsync/internal/peer"
	"github.com/1ureka/coopsync/internal/util"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const writeTimeout = time.Second

// Snapshot is the JSON document served on /peers and pushed on /ws.
type Snapshot struct {
	Session string      `json:"session"`
	Peers   []peer.Info `json:"peers"`
}

// Server holds the latest peer list and the connected feed clients.
type Server struct {
	sessionID string
	gatherer  prometheus.Gatherer
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	peers   []peer.Info
	clients map[*websocket.Conn]struct{}
}

// New creates a monitor. gatherer may be nil to use the default registry.
func New(sessionID string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		sessionID: sessionID,
		gatherer:  gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:   []peer.Info{},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/peers", s.handlePeers)
	r.Get("/ws", s.handleWS)
	return r
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	util.LogInfo("monitor listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// PeersChanged stores the list and pushes it to every feed client. Its
// signature matches session.PeersChangedHandler.
func (s *Server) PeersChanged(peers []peer.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers = append([]peer.Info(nil), peers...)
	data, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		util.LogError("encode peer snapshot: %v", err)
		return
	}
	for conn := range s.clients {
		if err := s.writeLocked(conn, data); err != nil {
			util.LogDebug("dropping monitor client %s: %v", conn.RemoteAddr(), err)
			delete(s.clients, conn)
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected feed clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) snapshotLocked() Snapshot {
	return Snapshot{Session: s.sessionID, Peers: s.peers}
}

func (s *Server) writeLocked(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		util.LogDebug("write /peers: %v", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	data, err := json.Marshal(s.snapshotLocked())
	if err == nil {
		err = s.writeLocked(conn, data)
	}
	if err != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}
