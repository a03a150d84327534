package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avoran/chathub/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultRecentCallsLimit = 50
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// History is the read-back side of the durable store.
	History interface {
		QueryMessages(ctx context.Context, user1, user2 int64) ([]model.Message, error)
		QueryRecentCalls(ctx context.Context, limit int) ([]model.CallRecord, error)
	}

	// Presence exposes the live counters for the status endpoints.
	Presence interface {
		OnlineUsers() []int64
		Count() int
	}

	Calls interface {
		Count() int
	}

	Config struct {
		Logger     *zerolog.Logger
		History    History
		Presence   Presence
		Calls      Calls
		ListenAddr string
	}

	Server struct {
		logger   zerolog.Logger
		history  History
		presence Presence
		calls    Calls
		*http.Server
	}
)

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "api-server").Logger(),
		history:  cfg.History,
		presence: cfg.Presence,
		calls:    cfg.Calls,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /", srv.status)
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("GET /messages/{user1}/{user2}", srv.messageHistory)
	r.HandleFunc("GET /calls", srv.recentCalls)
	r.HandleFunc("GET /users/online", srv.onlineUsers)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) status(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "endpoint not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "Chat server is running",
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"connected_users": srv.presence.Count(),
		"active_calls":    srv.calls.Count(),
	})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (srv *Server) messageHistory(w http.ResponseWriter, r *http.Request) {
	user1, err1 := strconv.ParseInt(r.PathValue("user1"), 10, 64)
	user2, err2 := strconv.ParseInt(r.PathValue("user2"), 10, 64)
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "invalid user id"})
		return
	}

	messages, err := srv.history.QueryMessages(r.Context(), user1, user2)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to fetch message history")
		writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "failed to fetch messages"})
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (srv *Server) recentCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := srv.history.QueryRecentCalls(r.Context(), defaultRecentCallsLimit)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to fetch calls")
		writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "failed to fetch calls"})
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (srv *Server) onlineUsers(w http.ResponseWriter, _ *http.Request) {
	users := srv.presence.OnlineUsers()
	writeJSON(w, http.StatusOK, map[string]any{
		"online_users": users,
		"count":        len(users),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
