package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/kalifun/groundlink/pkg/codec"
	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/sirupsen/logrus"
)

const DefaultAddress = ":8090"

// DecoderResolver returns the decoder for a packet id and the name of the
// field table behind it. An empty packet id asks for a catch-all decoder.
type DecoderResolver func(packetID string) (codec.TelemetryDecoder, string, error)

// NoTableResolver decodes nothing; frames carry only topic and sequence.
func NoTableResolver(packetID string) (codec.TelemetryDecoder, string, error) {
	return codec.NewTableDecoder(types.FieldTable{}, types.LittleEndian, packetID), "", nil
}

type Config struct {
	Address string `yaml:"address" json:"address"`
}

var upgrader = gws.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server streams decoded telemetry and discovery events to display clients
// over WebSocket.
type Server struct {
	id       string
	cfg      Config
	bus      core.EventBus
	registry *core.DiscoveryRegistry
	sessions core.SessionStore
	resolve  DecoderResolver
	root     string
	mux      *http.ServeMux
	logger   *logrus.Entry

	mu         sync.Mutex
	clients    map[string]*Client
	httpServer *http.Server
	listener   net.Listener
	watch      <-chan types.SourceIdentity
	wg         sync.WaitGroup
}

type ServerOption func(*Server)

// WithRoot sets the topic root client subscriptions are made under.
func WithRoot(root string) ServerOption {
	return func(s *Server) {
		if root != "" {
			s.root = root
		}
	}
}

func NewServer(cfg Config, bus core.EventBus, registry *core.DiscoveryRegistry, sessions core.SessionStore, resolve DecoderResolver, opts ...ServerOption) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if resolve == nil {
		resolve = NoTableResolver
	}
	id := fmt.Sprintf("display-%s", uuid.New().String())
	s := &Server{
		id:       id,
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		sessions: sessions,
		resolve:  resolve,
		root:     types.TopicRoot,
		mux:      http.NewServeMux(),
		clients:  make(map[string]*Client),
		logger:   logrus.WithField("component", id),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sources", s.handleSources)
	return s
}

func (s *Server) ID() string {
	return s.id
}

// Handle mounts an extra handler, such as metrics, on the server's mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler exposes the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("display server %s: %w", s.id, core.ErrAlreadyRunning)
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("display server failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.watch = s.registry.Watch()
	s.wg.Add(2)
	go s.broadcastDiscoveries(s.watch)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Display server stopped unexpectedly")
		}
	}()

	s.logger.WithField("address", ln.Addr().String()).Info("Display server started")
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	watch := s.watch
	s.httpServer = nil
	s.listener = nil
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if srv == nil {
		return fmt.Errorf("display server %s: %w", s.id, core.ErrNotRunning)
	}

	err := srv.Shutdown(ctx)
	// hijacked websocket connections are not closed by Shutdown
	for _, c := range clients {
		_ = c.conn.Close()
	}
	s.registry.Unwatch(watch)
	s.wg.Wait()

	s.logger.Info("Display server stopped")
	if err != nil {
		return fmt.Errorf("display server shutdown: %w", err)
	}
	return nil
}

func (s *Server) broadcastDiscoveries(watch <-chan types.SourceIdentity) {
	defer s.wg.Done()

	for id := range watch {
		msg, err := encode(TypeSource, sourcePayload(id))
		if err != nil {
			continue
		}
		s.mu.Lock()
		for _, c := range s.clients {
			c.Send(msg)
		}
		s.mu.Unlock()
	}
}

func sourcePayload(id types.SourceIdentity) SourcePayload {
	return SourcePayload{Name: id.Name, Address: id.Address, Ordinal: id.Ordinal, FirstSeen: id.FirstSeen}
}

func (s *Server) sourceList() []SourcePayload {
	sources := s.registry.Sources()
	out := make([]SourcePayload, 0, len(sources))
	for _, id := range sources {
		out = append(out, sourcePayload(id))
	}
	return out
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	ctx := r.Context()
	sessionID := uuid.New().String()
	now := time.Now()
	if err := s.sessions.SaveSession(ctx, sessionID, core.SessionMeta{
		ID:         sessionID,
		RemoteAddr: r.RemoteAddr,
		CreatedAt:  now,
		LastSeen:   now,
	}); err != nil {
		s.logger.WithError(err).Warn("Failed to save session")
	}

	client := newClient(sessionID, conn, s)
	s.mu.Lock()
	s.clients[sessionID] = client
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"session": sessionID, "remote": r.RemoteAddr}).Info("Display client connected")
	client.sendJSON(TypeSources, s.sourceList())
	client.readLoop(ctx)
}

func (s *Server) touch(ctx context.Context, sessionID string) {
	_ = s.sessions.Touch(ctx, sessionID, time.Now())
}

func (s *Server) unregister(ctx context.Context, c *Client) {
	s.mu.Lock()
	delete(s.clients, c.sessionID)
	s.mu.Unlock()

	if err := s.sessions.DeleteSession(context.WithoutCancel(ctx), c.sessionID); err != nil {
		s.logger.WithError(err).Debug("Failed to delete session")
	}
	s.logger.WithField("session", c.sessionID).Info("Display client disconnected")
}

type sessionView struct {
	core.SessionMeta
	Subscriptions []core.SubscriptionMeta `json:"subscriptions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, meta := range sessions {
		subs, err := s.sessions.ListSubscriptions(r.Context(), meta.ID)
		if err != nil {
			subs = nil
		}
		views = append(views, sessionView{SessionMeta: meta, Subscriptions: subs})
	}
	writeJSON(w, views)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.sourceList())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}
