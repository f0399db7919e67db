// Package gateway is the client-facing transport: a websocket endpoint that
// feeds client frames to the router, plus the admin, health and metrics routes.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nmxmxh/chatrelay/internal/cluster"
	"github.com/nmxmxh/chatrelay/internal/router"
	"github.com/nmxmxh/chatrelay/pkg/auth"
	"github.com/nmxmxh/chatrelay/pkg/errors"
	"github.com/nmxmxh/chatrelay/pkg/health"
	"github.com/nmxmxh/chatrelay/pkg/json"
	"github.com/nmxmxh/chatrelay/pkg/logger"
	"github.com/nmxmxh/chatrelay/pkg/metrics"
)

// Lifecycle is the subset of the lifecycle manager the gateway drives.
type Lifecycle interface {
	Connect(ctx context.Context, member cluster.Member, sink cluster.Sink) error
	Disconnect(ctx context.Context, connID string) error
	AddUsersToRoom(ctx context.Context, users []string, target string) error
}

// Dispatcher receives client frames and admin notifications.
type Dispatcher interface {
	HandleClient(ctx context.Context, origin *router.Origin, name string, data json.RawMessage) error
	NotifyAdded(ctx context.Context, users []string, roomID, roomName string) error
}

// Config tunes the gateway.
type Config struct {
	// AllowedOrigins lists accepted Origin headers; empty or "*" accepts all.
	AllowedOrigins []string
	// InternalToken guards the admin route when set.
	InternalToken string
	SendBuffer    int
	ReadLimit     int64
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
}

func (c *Config) defaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 3 / 4
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Frame is the wire shape of client frames in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Server serves websocket clients.
type Server struct {
	lifecycle Lifecycle
	router    Dispatcher
	health    *health.HealthChecker
	cfg       Config
	upgrader  websocket.Upgrader
	log       *zap.Logger

	totals counters

	mu      sync.Mutex
	clients map[string]*client
}

// Stats is a snapshot of the gateway's connection and frame counts.
type Stats struct {
	Connections int
	// Queued and Dropped count frames since start across all connections.
	Queued  int64
	Dropped int64
}

// New returns a Server. health may be nil.
func New(lc Lifecycle, d Dispatcher, hc *health.HealthChecker, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.defaults()
	s := &Server{
		lifecycle: lc,
		router:    d,
		health:    hc,
		cfg:       cfg,
		log:       log.With(zap.String("module", "gateway")),
		clients:   make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/internal/add-users-to-room", s.addUsersToRoom)
	mux.Handle("/metrics", metrics.Handler())
	if s.health != nil {
		mux.Handle("/healthz", s.health.Handler())
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.log.Warn("Rejected websocket origin", zap.String("origin", origin))
	return false
}

// identity returns the caller's user id, or "" for anonymous connections.
func identity(r *http.Request) string {
	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("userId")); id != "" {
		return id
	}
	if token := q.Get("token"); token != "" {
		return auth.IdentityFromToken(token)
	}
	return auth.IdentityFromToken(r.Header.Get("Authorization"))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("WebSocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	log := s.log.With(zap.String("conn_id", id), zap.String("user_id", userID))
	c := newClient(id, userID, conn, s.cfg.SendBuffer, &s.totals, log)
	ctx := logger.WithConnID(r.Context(), id)

	member := cluster.Member{ConnID: id, UserID: userID}
	if err := s.lifecycle.Connect(ctx, member, c); err != nil {
		_ = errors.LogWithError(ctx, s.log, "Connect failed", err, zap.String("user_id", userID))
		conn.Close()
		return
	}
	s.track(c)
	metrics.ActiveConnections.Inc()
	log.Info("Client connected", zap.String("remote", r.RemoteAddr))

	go c.writePump(s.cfg.PingInterval, s.cfg.WriteWait)
	s.readPump(ctx, c)

	s.untrack(c)
	metrics.ActiveConnections.Dec()
	c.close()
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.lifecycle.Disconnect(dctx, id); err != nil {
		log.Warn("Disconnect cleanup failed", zap.Error(err))
	}
	log.Info("Client disconnected", zap.Int64("dropped_frames", c.dropped.Load()))
}

// readPump handles frames in arrival order until the connection fails.
func (s *Server) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("Error reading from client", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			c.log.Info("Dropped malformed client frame", zap.Int("bytes", len(raw)))
			continue
		}
		if err := s.router.HandleClient(ctx, c.origin, f.Event, f.Data); err != nil {
			c.log.Info("Client event dropped", zap.String("event", f.Event), zap.Error(err))
		}
	}
}

func (s *Server) track(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
}

// Stats returns the current counts.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.Len(),
		Queued:      s.totals.queued.Load(),
		Dropped:     s.totals.dropped.Load(),
	}
}

// Len returns the number of open websocket connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CloseAll closes every open connection. http.Server.Shutdown does not touch
// hijacked connections, so shutdown calls this after the listener stops.
func (s *Server) CloseAll() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
