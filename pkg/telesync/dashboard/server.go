// Package dashboard is a small local surface over a Session: JSON state
// endpoints, a websocket feed of changes and the Prometheus endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync"
	"github.com/chosenoffset/telesync/pkg/telesync/incident"
	"github.com/chosenoffset/telesync/pkg/telesync/metrics"
	"github.com/chosenoffset/telesync/pkg/telesync/series"
	"github.com/chosenoffset/telesync/pkg/telesync/threshold"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	maxClients   = 100
	updateBuffer = 256
)

// Session is the part of telesync.Session the dashboard reads and
// drives.
type Session interface {
	View() telesync.State
	Series(tag string) []series.Sample
	Incidents() []incident.Incident
	Thresholds() []threshold.Threshold
	Select(tags []string) error
	Catalog(ctx context.Context) ([]string, error)
	RefreshThresholds(ctx context.Context) error
}

// Update is one message on the websocket feed.
type Update struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type changeData struct {
	Kind  telesync.ChangeKind `json:"kind"`
	Tag   string              `json:"tag,omitempty"`
	State string              `json:"state,omitempty"`
	Error string              `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Server serves the dashboard.
type Server struct {
	session  Session
	metrics  *metrics.Collectors
	logger   *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	serverMu sync.Mutex
	server   *http.Server

	clients      map[*client]bool
	clientsMutex sync.RWMutex
	updates      chan Update
	stop         chan struct{}
	stopOnce     sync.Once
	startOnce    sync.Once
}

// NewServer creates a dashboard for session. collectors may be nil,
// in which case /metrics is not served.
func NewServer(session Session, collectors *metrics.Collectors, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		session: session,
		metrics: collectors,
		logger:  logger.With("component", "dashboard"),
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     sameOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]bool),
		updates: make(chan Update, updateBuffer),
		stop:    make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.handle("/api/state", "state", s.handleState, http.MethodGet)
	s.handle("/api/series/{tag}", "series", s.handleSeries, http.MethodGet)
	s.handle("/api/incidents", "incidents", s.handleIncidents, http.MethodGet)
	s.handle("/api/thresholds", "thresholds", s.handleThresholds, http.MethodGet)
	s.handle("/api/thresholds/refresh", "thresholds_refresh", s.handleRefreshThresholds, http.MethodPost)
	s.handle("/api/catalog", "catalog", s.handleCatalog, http.MethodGet)
	s.handle("/api/selection", "selection", s.handleSelection, http.MethodPut, http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWebSocket)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

func (s *Server) handle(path, name string, fn http.HandlerFunc, methods ...string) {
	var h http.Handler = fn
	if s.metrics != nil {
		h = s.metrics.Middleware(name, h)
	}
	s.router.Handle(path, h).Methods(methods...)
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the broadcast loop. It is called by ListenAndServe and only
// needs calling directly when the Handler is served elsewhere.
func (s *Server) Start() {
	s.startOnce.Do(func() { go s.broadcast() })
}

// ListenAndServe serves the dashboard on addr until Stop.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves the dashboard on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.Start()
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	s.serverMu.Lock()
	s.server = srv
	s.serverMu.Unlock()

	s.logger.Info("dashboard listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every websocket and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.serverMu.Lock()
	srv := s.server
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// SendChange queues a session change for the websocket feed. Incidents
// arrive through SendIncident instead, from the action registry.
func (s *Server) SendChange(c telesync.Change) {
	if c.Kind == telesync.ChangeIncident {
		return
	}
	data := changeData{Kind: c.Kind, Tag: c.Tag}
	if c.Kind == telesync.ChangeConnection {
		data.State = c.State.String()
	}
	if c.Err != nil {
		data.Error = c.Err.Error()
	}
	s.enqueue(Update{Type: "change", Timestamp: time.Now(), Data: data})
}

// SendIncident queues an incident for the websocket feed.
func (s *Server) SendIncident(inc incident.Incident) {
	s.enqueue(Update{Type: "incident", Timestamp: time.Now(), Data: inc})
}

func (s *Server) enqueue(u Update) {
	select {
	case s.updates <- u:
	default:
		// Drop if channel is full
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.session.View())
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	writeOK(w, map[string]any{
		"tag":     tag,
		"samples": s.session.Series(tag),
	})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.session.Incidents())
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.session.Thresholds())
}

func (s *Server) handleRefreshThresholds(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RefreshThresholds(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, s.session.Thresholds())
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	tags, err := s.session.Catalog(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, tags)
}

type selectionRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, telerr.Wrap(err, telerr.ErrConfig, "invalid selection body"))
		return
	}
	if err := s.session.Select(req.Tags); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, s.session.View().Selection)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.clientsMutex.RLock()
	clientCount := len(s.clients)
	s.clientsMutex.RUnlock()

	if clientCount >= maxClients {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	initial, err := json.Marshal(Update{Type: "state", Timestamp: time.Now(), Data: s.session.View()})
	if err == nil {
		err = c.write(websocket.TextMessage, initial)
	}
	if err != nil {
		return
	}

	s.clientsMutex.Lock()
	s.clients[c] = true
	s.clientsMutex.Unlock()

	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, c)
		s.clientsMutex.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// The read loop only detects disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.stop:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) broadcast() {
	for {
		select {
		case u := <-s.updates:
			s.broadcastMessage(u)
		case <-s.stop:
			return
		}
	}
}

func (s *Server) broadcastMessage(message any) {
	s.clientsMutex.RLock()
	if len(s.clients) == 0 {
		s.clientsMutex.RUnlock()
		return
	}
	clientsCopy := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clientsCopy = append(clientsCopy, c)
	}
	s.clientsMutex.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("marshal update", "error", err)
		return
	}

	var failed []*client
	for _, c := range clientsCopy {
		if err := c.write(websocket.TextMessage, data); err != nil {
			c.conn.Close()
			failed = append(failed, c)
		}
	}

	if len(failed) > 0 {
		s.clientsMutex.Lock()
		for _, c := range failed {
			delete(s.clients, c)
		}
		s.clientsMutex.Unlock()
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// sameOrigin accepts requests without an Origin header and browser
// requests from the dashboard's own host or from localhost.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

type envelope struct {
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: "ok", Data: data})
}

// writeError maps CONFIG errors to 422 and FETCH errors to 502.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	env := envelope{Status: "error", Error: err.Error()}
	var e *telerr.Error
	if errors.As(err, &e) {
		env.Code = e.Code
		env.Suggestion = e.Suggestion
		switch e.Code {
		case telerr.ErrConfig:
			status = http.StatusUnprocessableEntity
		case telerr.ErrFetch:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
