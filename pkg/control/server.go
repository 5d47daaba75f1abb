package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/autolab/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// Controller is the process the server exposes.
type Controller interface {
	// Status returns a JSON-encodable status value.
	Status() interface{}
	// RequestStop asks the process to stop after the current cycle.
	RequestStop()
}

// Config holds server configuration
type Config struct {
	Addr         string
	SharedSecret string
	Controller   Controller
	Logger       zerolog.Logger
}

// Server serves the control endpoints.
type Server struct {
	addr        string
	secret      string
	controller  Controller
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	mu             sync.Mutex
	server         *http.Server
	listener       net.Listener
	isShuttingDown bool
	clientWG       sync.WaitGroup
}

// NewServer creates a control server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("controller is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("listen address is required")
	}

	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "control").Logger()
	clients := NewClientRegistry()

	return &Server{
		addr:        cfg.Addr,
		secret:      cfg.SharedSecret,
		controller:  cfg.Controller,
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, logger),
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Broadcaster returns the sink that streams events to /events clients.
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Handler returns the HTTP handler for all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting control server")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Control server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes subscribers and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.isShuttingDown = true
	srv := s.server
	s.mu.Unlock()

	s.broadcaster.Broadcast(EventMessage{Event: "server_shutdown"})

	for _, client := range s.clients.GetAll() {
		client.Close()
	}
	s.clientWG.Wait()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown control server: %w", err)
	}
	s.logger.Info().Msg("Control server stopped")
	return nil
}

// GetConnectedClients returns information about all event subscribers.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Stop requested")
	s.controller.RequestStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	shuttingDown := s.isShuttingDown
	if !shuttingDown {
		s.clientWG.Add(1)
	}
	s.mu.Unlock()
	if shuttingDown {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.clientWG.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := newClient(clientID, conn, r.RemoteAddr, clientBuffer)
	s.clients.Add(client)

	// Stop may have snapshotted the registry before this client was added.
	s.mu.Lock()
	if s.isShuttingDown {
		client.Close()
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Event subscriber connected")

	go s.readLoop(client)
	s.writeLoop(client)

	s.clients.Remove(client.ID)
	s.logger.Info().Str("client_id", client.ID).Msg("Event subscriber disconnected")
}

// readLoop discards client messages and closes the client when the peer
// goes away.
func (s *Server) readLoop(client *Client) {
	defer client.Close()
	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (s *Server) writeLoop(client *Client) {
	defer client.Close()
	for {
		select {
		case <-client.done:
			return
		case data := <-client.send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Failed to write event")
				return
			}
		}
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true
	}
	got := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
