// Package web is the local HTTP control plane: a JSON REST API over the
// command facade plus SSE and WebSocket event streams for browsers.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/afk/internal/bus"
	"github.com/nextlevelbuilder/afk/internal/command"
	"github.com/nextlevelbuilder/afk/pkg/protocol"
)

// Options configures the web server.
type Options struct {
	Port int
	Bus  *bus.Bus
	Cmds *command.Commands

	// LogPath is the supervisor log file served by /api/logs.
	LogPath string
}

// Server serves the REST API and event streams on localhost.
type Server struct {
	opts       Options
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServer(opts Options) *Server {
	s := &Server{opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Local-only control plane; the listener binds loopback.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

func (s *Server) Name() string { return "web" }

// routes builds the API mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{cid}/status", s.handleStatus)
	mux.HandleFunc("GET /api/sessions/{cid}/messages", s.handleMessages)
	mux.HandleFunc("POST /api/sessions/{cid}/message", s.handleSendMessage)
	mux.HandleFunc("POST /api/sessions/{cid}/stop", s.handleStop)
	mux.HandleFunc("POST /api/sessions/{cid}/complete", s.handleComplete)
	mux.HandleFunc("POST /api/sessions/{cid}/permission", s.handlePermission)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleAddProject)
	mux.HandleFunc("DELETE /api/projects/{name}", s.handleRemoveProject)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start begins serving on localhost. It returns once the listener is
// running; request handling continues until Stop.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.opts.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.routes()}

	slog.Info("web control plane starting", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("web server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, draining in-flight requests briefly.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.opts.Cmds.ListSessions()})
}

// newWebChannelID mints a channel id for sessions opened from this
// surface. Web sessions have no chat topic; events reach them over the
// SSE and WebSocket streams.
func newWebChannelID() string {
	return "web:" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project  string `json:"project"`
		Verbose  bool   `json:"verbose"`
		Agent    string `json:"agent"`
		Template string `json:"template"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Project == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project is required"})
		return
	}

	rec, err := s.opts.Cmds.NewSession(r.Context(), command.NewSessionParams{
		Project:   req.Project,
		Verbose:   req.Verbose,
		Agent:     req.Agent,
		Template:  req.Template,
		ChannelID: newWebChannelID(),
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.opts.Cmds.GetStatus(r.PathValue("cid"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such session"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.Atoi(r.URL.Query().Get("after"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs := s.opts.Cmds.Messages().Recent(r.PathValue("cid"), after, limit)
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	if err := s.opts.Cmds.SendMessage(r.PathValue("cid"), req.Text); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Cmds.StopSession(r.Context(), r.PathValue("cid")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	merged, detail := s.opts.Cmds.CompleteSession(r.Context(), r.PathValue("cid"))
	writeJSON(w, http.StatusOK, map[string]any{"merged": merged, "detail": detail})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		Allowed   bool   `json:"allowed"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || req.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request_id is required"})
		return
	}
	if err := s.opts.Cmds.PermissionResponse(r.PathValue("cid"), req.RequestID, req.Allowed); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.opts.Cmds.ListProjects()})
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || req.Name == "" || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and path are required"})
		return
	}
	ok, detail := s.opts.Cmds.AddProject(req.Name, req.Path)
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": detail})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": detail})
}

func (s *Server) handleRemoveProject(w http.ResponseWriter, r *http.Request) {
	ok, detail := s.opts.Cmds.RemoveProject(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": detail})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": detail})
}

// handleLogs serves the tail of the supervisor log.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.LogPath == "" {
		writeJSON(w, http.StatusOK, map[string]any{"lines": []string{}})
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	if n <= 0 {
		n = 100
	}
	if n > 1000 {
		n = 1000
	}

	data, err := os.ReadFile(s.opts.LogPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}
