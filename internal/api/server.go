package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"schoolchat/internal/auth"
	"schoolchat/internal/messages"
	"schoolchat/internal/rooms"
	"schoolchat/pkg/chaterrors"
	"schoolchat/pkg/types"
)

// HealthChecker reports backing-store health for the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionCounter reports live websocket connections for the health
// endpoint. Implemented by the transport registry.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Server exposes the REST surface: message history and search for clients
// that need to render a room before (or without) opening a websocket.
type Server struct {
	resolver    *auth.Resolver
	directory   *rooms.Directory
	messages    *messages.Service
	health      HealthChecker
	connections ConnectionCounter
	wsHandler   http.Handler

	httpServer      *http.Server
	historyPageSize int
}

// Config carries the HTTP listener settings.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	HistoryPageSize int
}

func NewServer(cfg Config, resolver *auth.Resolver, directory *rooms.Directory, msgService *messages.Service, health HealthChecker, connections ConnectionCounter, wsHandler http.Handler) *Server {
	s := &Server{
		resolver:        resolver,
		directory:       directory,
		messages:        msgService,
		health:          health,
		connections:     connections,
		wsHandler:       wsHandler,
		historyPageSize: cfg.HistoryPageSize,
	}
	if s.historyPageSize <= 0 {
		s.historyPageSize = 50
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/api/rooms/", s.handleRooms)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the routed handler, CORS included, for embedding in test
// servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.health.HealthCheck(ctx); err != nil {
		log.Warn().Err(err).Msg("health check failed")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":      status,
		"connections": s.connections.ConnectionCount(),
	})
}

// handleRooms serves GET /api/rooms/{roomId}/messages with optional
// limit, before, search, from and to query parameters.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, chaterrors.New(chaterrors.CodeValidation, "method not allowed"))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "messages" {
		http.NotFound(w, r)
		return
	}
	roomID := parts[0]

	identity, err := s.resolver.Resolve(r.Context(), bearerFrom(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, chaterrors.Convert(err))
		return
	}

	if _, err := s.directory.ValidateAccess(r.Context(), roomID, identity.ID); err != nil {
		chatErr := chaterrors.Convert(err)
		status := http.StatusForbidden
		if chatErr.Code == chaterrors.CodeRoom && errors.Is(err, chaterrors.ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, chatErr)
		return
	}

	query := r.URL.Query()

	if search := query.Get("search"); search != "" {
		from, to, err := parseDateRange(query.Get("from"), query.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, chaterrors.Convert(err))
			return
		}
		msgs, err := s.messages.Search(r.Context(), roomID, search, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, chaterrors.Convert(err))
			return
		}
		writeJSON(w, http.StatusOK, messagesResponse(roomID, msgs))
		return
	}

	limit := s.historyPageSize
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			writeError(w, http.StatusBadRequest, chaterrors.New(chaterrors.CodeValidation, "limit must be between 1 and 200"))
			return
		}
		limit = parsed
	}

	var before *time.Time
	if raw := query.Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, chaterrors.New(chaterrors.CodeValidation, "before must be RFC 3339"))
			return
		}
		before = &parsed
	}

	msgs, err := s.messages.ListByRoom(r.Context(), roomID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, chaterrors.Convert(err))
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse(roomID, msgs))
}

func messagesResponse(roomID string, msgs []*types.Message) map[string]interface{} {
	formatted := make([]*types.FormattedMessage, 0, len(msgs))
	for _, msg := range msgs {
		formatted = append(formatted, messages.Format(msg))
	}
	return map[string]interface{}{
		"roomId":   roomID,
		"messages": formatted,
	}
}

func parseDateRange(fromRaw, toRaw string) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if fromRaw != "" {
		parsed, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return nil, nil, chaterrors.New(chaterrors.CodeValidation, "from must be RFC 3339")
		}
		from = &parsed
	}
	if toRaw != "" {
		parsed, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return nil, nil, chaterrors.New(chaterrors.CodeValidation, "to must be RFC 3339")
		}
		to = &parsed
	}
	return from, to, nil
}

func bearerFrom(r *http.Request) string {
	return r.Header.Get("Authorization")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, chatErr *chaterrors.ChatError) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(chatErr.Code),
			"message": chatErr.Message,
		},
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
