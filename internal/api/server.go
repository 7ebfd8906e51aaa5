package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/cors"

	"communityhub/pkg/auth"
	"communityhub/pkg/interfaces"
	"communityhub/pkg/types"
)

// Presence is the read side of the room registry.
type Presence interface {
	Snapshot(room string) []types.Member
	OnlineCount(room string) int
	Rooms() map[string]int
	GetStats() map[string]int
}

// Groups is the read side of the transport groups.
type Groups interface {
	Count(room string) int
	GetStats() map[string]int
}

// Sessions reports connection lifecycle counters.
type Sessions interface {
	Stats() map[string]int
}

// Config holds HTTP API settings.
type Config struct {
	AllowedOrigins      []string
	DefaultHistoryLimit int
	MaxHistoryLimit     int
	HealthTimeout       time.Duration
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:      []string{"http://localhost:5173"},
		DefaultHistoryLimit: 50,
		MaxHistoryLimit:     200,
		HealthTimeout:       5 * time.Second,
	}
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// No business logic, only HTTP handling and JSON serialization
type Server struct {
	store    interfaces.MessageStore
	presence Presence
	groups   Groups
	sessions Sessions
	verifier *auth.JWT
	config   Config
	logger   *slog.Logger
	started  time.Time
	router   *http.ServeMux
	handler  http.Handler
}

// NewServer wires the routes. A nil verifier leaves message history
// unauthenticated.
func NewServer(store interfaces.MessageStore, presence Presence, groups Groups, sessions Sessions, verifier *auth.JWT, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		presence: presence,
		groups:   groups,
		sessions: sessions,
		verifier: verifier,
		config:   config,
		logger:   logger,
		started:  time.Now(),
		router:   http.NewServeMux(),
	}

	s.setupRoutes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           86400,
	}).Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	var history http.Handler = http.HandlerFunc(s.listMessages)
	if s.verifier != nil {
		history = s.verifier.Middleware(s.unauthorized, history)
	}

	s.router.Handle("GET /api/communities/{slug}/messages", s.jsonMiddleware(history))
	s.router.Handle("GET /api/communities/{slug}/online", s.jsonMiddleware(http.HandlerFunc(s.onlineUsers)))
	s.router.Handle("GET /api/communities/{slug}/stats", s.jsonMiddleware(http.HandlerFunc(s.roomStats)))
	s.router.Handle("GET /api/communities/online", s.jsonMiddleware(http.HandlerFunc(s.onlineRooms)))
	s.router.Handle("GET /health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck)))
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type MessagesResponse struct {
	Messages []*types.Message `json:"messages"`
}

type OnlineUsersResponse struct {
	Users []types.Member `json:"users"`
}

type RoomStatsResponse struct {
	Slug          string `json:"slug"`
	TotalMessages int    `json:"totalMessages"`
	OnlineUsers   int    `json:"onlineUsers"`
	Connections   int    `json:"connections"`
}

type OnlineRoomsResponse struct {
	Rooms map[string]int `json:"rooms"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Presence    map[string]int         `json:"presence"`
	Connections map[string]int         `json:"connections"`
	Sessions    map[string]int         `json:"sessions"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// slug reads and validates the {slug} path value.
func (s *Server) slug(w http.ResponseWriter, r *http.Request) (string, bool) {
	slug := r.PathValue("slug")
	if !types.IsValidRoom(slug) {
		s.sendError(w, "Invalid community slug", http.StatusBadRequest)
		return "", false
	}
	return slug, true
}

// FUNCTIONAL DISCOVERY: GET /api/communities/{slug}/messages - most recent
// messages in chronological order, bounded by ?limit
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	slug, ok := s.slug(w, r)
	if !ok {
		return
	}

	limit := s.config.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if s.config.MaxHistoryLimit > 0 && limit > s.config.MaxHistoryLimit {
		limit = s.config.MaxHistoryLimit
	}

	messages, err := s.store.ListRecent(r.Context(), slug, limit)
	if err != nil {
		s.logger.Error("api.history_failed", "room", slug, "error", err)
		s.sendError(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, MessagesResponse{Messages: messages})
}

// FUNCTIONAL DISCOVERY: GET /api/communities/{slug}/online - presence snapshot
func (s *Server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	slug, ok := s.slug(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, OnlineUsersResponse{Users: s.presence.Snapshot(slug)})
}

// FUNCTIONAL DISCOVERY: GET /api/communities/{slug}/stats - message total and
// live counts for one community
func (s *Server) roomStats(w http.ResponseWriter, r *http.Request) {
	slug, ok := s.slug(w, r)
	if !ok {
		return
	}

	total, err := s.store.CountByRoom(r.Context(), slug)
	if err != nil {
		s.logger.Error("api.count_failed", "room", slug, "error", err)
		s.sendError(w, "Failed to count messages", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, RoomStatsResponse{
		Slug:          slug,
		TotalMessages: total,
		OnlineUsers:   s.presence.OnlineCount(slug),
		Connections:   s.groups.Count(slug),
	})
}

// FUNCTIONAL DISCOVERY: GET /api/communities/online - online member count per
// active community
func (s *Server) onlineRooms(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, OnlineRoomsResponse{Rooms: s.presence.Rooms()})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthTimeout)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Presence:    s.presence.GetStats(),
		Connections: s.groups.GetStats(),
		Sessions:    s.sessions.Stats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) unauthorized(w http.ResponseWriter, err error) {
	message := "Invalid token"
	if errors.Is(err, auth.ErrMissingToken) {
		message = "Authentication required"
	}
	s.sendError(w, message, http.StatusUnauthorized)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("api.encode_failed", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
