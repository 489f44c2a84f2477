package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/comms/pkg/database"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the realtime messaging broker: it accepts websocket connections,
// binds each to a verified identity and a room, dispatches inbound actions,
// and fans accepted messages out to the room.
type Server struct {
	store    database.Store
	config   ServerConfig
	registry *RoomRegistry
	sessions *SessionManager
	gate     *AuthorizationGate
	engine   *BroadcastEngine
	resolver IdentityResolver
	metrics  *Metrics
	upgrader websocket.Upgrader

	listener        net.Listener
	metricsListener net.Listener
	httpServer      *http.Server
	metricsServer   *http.Server

	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a broker over the given store and identity resolver.
func NewServer(store database.Store, config ServerConfig, resolver IdentityResolver) *Server {
	metrics := NewMetrics()
	registry := NewRoomRegistry()

	s := &Server{
		store:     store,
		config:    config,
		registry:  registry,
		sessions:  NewSessionManager(),
		gate:      NewAuthorizationGate(store),
		resolver:  resolver,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks belong to the fronting proxy; the broker
			// trusts the signed identity token instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.engine = NewBroadcastEngine(registry, metrics, s.teardownSession)
	return s
}

// EnableDebugLogging turns on per-frame debug logging to stdout.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stdout, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start begins listening on the configured public and metrics ports.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on :%d: %w", s.config.HTTPPort, err)
	}
	s.listener = listener

	publicMux := http.NewServeMux()
	publicMux.HandleFunc("/ws", s.HandleWebSocket)
	s.httpServer = &http.Server{Handler: publicMux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("Public HTTP server listening on %s (/ws)", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Public HTTP server error: %v", err)
		}
	}()

	// Metrics server is internal only - never expose publicly.
	if s.config.MetricsPort > 0 {
		metricsListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.MetricsPort))
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on :%d: %w", s.config.MetricsPort, err)
		}
		s.metricsListener = metricsListener

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{Handler: metricsMux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsListener.Addr())
			if err := s.metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// Addr returns the public listener address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server: no new connections, all sessions torn
// down, background goroutines drained.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}

	log.Println("Closing all client sessions...")
	for _, sess := range s.sessions.All() {
		s.teardownSession(sess)
	}

	s.wg.Wait()
	log.Println("Graceful shutdown complete")
	return nil
}

// HealthHandler reports liveness and basic counts.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"connections":%d,"rooms":%d}`,
		int64(time.Since(s.startTime).Seconds()), s.sessions.Count(), s.registry.ActiveRooms())
}

// HandleWebSocket performs the handshake: identity resolution, upgrade,
// session registration, and the read loop. A request without a verifiable
// (identity, room) pair is refused with 401 before any session exists.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.resolver.Resolve(r)
	if err != nil {
		s.metrics.RecordRejected()
		debugLog.Printf("Handshake refused from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	conn := newWSConn(ws)
	sess := s.sessions.CreateSession(identity.UserID, identity.Username, identity.RoomCode, conn)

	s.connectionsSinceReport.Add(1)
	s.metrics.RecordConnection()
	s.updateGauges()
	debugLog.Printf("Session %s: connected from %s (user %d, room %q)",
		sess.ID, r.RemoteAddr, identity.UserID, identity.RoomCode)

	go s.readLoop(sess)
}

// readLoop processes one connection's inbound frames in receipt order.
// Transport close is the sole cancellation signal: it unblocks the pending
// read and the deferred teardown runs exactly once.
func (s *Server) readLoop(sess *Session) {
	defer s.teardownSession(sess)

	for {
		data, err := sess.conn.ReadFrame()
		if err != nil {
			debugLog.Printf("Session %s: read loop ended: %v", sess.ID, err)
			return
		}
		s.handleFrame(sess, data)
	}
}

// teardownSession releases everything a connection holds: registry entry,
// session record, transport. Idempotent under concurrent close/error
// signals; the registry removal is synchronous with the close.
func (s *Server) teardownSession(sess *Session) {
	sess.teardownOnce.Do(func() {
		if roomID := sess.RoomID(); roomID != 0 {
			s.registry.Leave(roomID, sess)
		}
		s.sessions.RemoveSession(sess.ID)
		sess.conn.Close()

		s.disconnectionsSinceReport.Add(1)
		s.updateGauges()
		debugLog.Printf("Session %s: torn down", sess.ID)
	})
}

func (s *Server) updateGauges() {
	s.metrics.RecordGauges(s.sessions.Count(), s.registry.ActiveRooms())
}

// metricsLoggingLoop periodically logs key counts.
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Active sessions: %d, rooms: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.sessions.Count(), s.registry.ActiveRooms(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}
