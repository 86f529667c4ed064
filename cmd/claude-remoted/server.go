package main

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cmericli/claude-remote/internal/config"
	"github.com/cmericli/claude-remote/internal/eventbus"
	"github.com/cmericli/claude-remote/internal/idle"
	"github.com/cmericli/claude-remote/internal/mux"
	"github.com/cmericli/claude-remote/internal/query"
	"github.com/cmericli/claude-remote/internal/store"
	"github.com/gorilla/websocket"
)

// sseHeartbeat matches the bus's documented keepalive contract
// (spec.md §4.4: "emit a keepalive every 30s on an otherwise-idle
// stream" is the transport's job, not the Event Bus's).
const sseHeartbeat = 30 * time.Second

// server is the thin HTTP/WS transport shim over the Query Facade and
// Mux Controller. Grounded on the teacher's ws.Server route table and
// authorize()/checkOrigin() pattern (internal/ws/server.go), trimmed
// to the read-only + mux-control surface this core exposes.
type server struct {
	cfg            *config.Config
	facade         *query.Facade
	mux            *mux.Controller
	bus            *eventbus.Bus
	allowedOrigins map[string]bool
}

func newServer(cfg *config.Config, facade *query.Facade, muxController *mux.Controller, bus *eventbus.Bus) *server {
	s := &server{cfg: cfg, facade: facade, mux: muxController, bus: bus, allowedOrigins: make(map[string]bool)}
	for _, origin := range cfg.Server.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			s.allowedOrigins[trimmed] = true
		}
	}
	return s
}

func (s *server) routes() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/api/dashboard", s.wrap(s.handleDashboard))
	m.HandleFunc("/api/sessions", s.wrap(s.handleSessions))
	m.HandleFunc("/api/sessions/", s.wrap(s.handleSessionRoutes))
	m.HandleFunc("/api/search", s.wrap(s.handleSearch))
	m.HandleFunc("/api/analytics/tokens", s.wrap(s.handleTokenAnalytics))
	m.HandleFunc("/api/analytics/tools", s.wrap(s.handleToolAnalytics))
	m.HandleFunc("/api/events", s.wrap(s.handleEvents))
	m.HandleFunc("/api/mux/", s.wrap(s.handleMuxRoutes))
	m.HandleFunc("/mux/attach", s.wrap(s.handleMuxAttach))
	return m
}

func (s *server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *server) authorize(r *http.Request) bool {
	token := s.cfg.Server.AuthToken
	if token == "" {
		return true
	}
	if r.URL.Query().Get("token") == token {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}
	return false
}

func (s *server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins[origin]
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	return strings.HasPrefix(parsed.Host, "localhost:") || parsed.Host == "localhost" ||
		strings.HasPrefix(parsed.Host, "127.0.0.1:") || parsed.Host == "127.0.0.1"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

func (s *server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.facade.Dashboard(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, dash)
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		ProjectDir: r.URL.Query().Get("project_dir"),
		Status:     r.URL.Query().Get("status"),
	}
	page := store.Page{
		Limit:  atoiOr(r.URL.Query().Get("limit"), 0),
		Offset: atoiOr(r.URL.Query().Get("offset"), 0),
	}
	views, err := s.facade.Sessions(r.Context(), filter, page)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, views)
}

// handleSessionRoutes dispatches /api/sessions/{id}, /api/sessions/{id}/conversation,
// and /api/sessions/{id}/join. join is session-keyed (spec.md §4.7:
// "join(session_id)"); the mux name it returns is what subsequent
// inject/terminate/attach calls address, under /api/mux/.
func (s *server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		s.handleSessionDetail(w, r, id)
		return
	}
	switch parts[1] {
	case "conversation":
		s.handleConversation(w, r, id)
	case "join":
		s.handleJoin(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleMuxRoutes dispatches /api/mux/{name}/inject and
// /api/mux/{name}/terminate, both keyed by the mux name a prior join
// returned (spec.md §4.7: "inject(mux_name, text)", "terminate(mux_name)").
func (s *server) handleMuxRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/mux/")
	parts := strings.SplitN(path, "/", 2)
	name, err := url.PathUnescape(parts[0])
	if err != nil || name == "" || len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch parts[1] {
	case "inject":
		s.handleInject(w, r, name)
	case "terminate":
		s.handleTerminate(w, r, name)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *server) handleSessionDetail(w http.ResponseWriter, r *http.Request, id string) {
	detail, err := s.facade.Session(r.Context(), id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, detail)
}

func (s *server) handleConversation(w http.ResponseWriter, r *http.Request, id string) {
	rng := store.ConversationRange{
		SinceSeq: atoiOr(r.URL.Query().Get("since_seq"), 0),
		UntilSeq: atoiOr(r.URL.Query().Get("until_seq"), 0),
	}
	conv, err := s.facade.Conversation(r.Context(), id, rng)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, conv)
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	filter := store.SearchFilter{
		Query:      r.URL.Query().Get("q"),
		ProjectDir: r.URL.Query().Get("project_dir"),
		Limit:      atoiOr(r.URL.Query().Get("limit"), 0),
	}
	hits, err := s.facade.Search(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, hits)
}

func (s *server) handleTokenAnalytics(w http.ResponseWriter, r *http.Request) {
	since, until := windowParams(r)
	result, err := s.facade.TokenAnalytics(r.Context(), since, until)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func (s *server) handleToolAnalytics(w http.ResponseWriter, r *http.Request) {
	since, until := windowParams(r)
	result, err := s.facade.ToolAnalytics(r.Context(), since, until)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func windowParams(r *http.Request) (time.Time, time.Time) {
	until := time.Now()
	since := until.AddDate(0, 0, -7)
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			until = t
		}
	}
	return since, until
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// handleJoin implements the HTTP face of mux.Controller.Join (spec.md §4.7).
func (s *server) handleJoin(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workingDir := r.URL.Query().Get("working_dir")
	size := mux.Size{
		Rows: atoiOr(r.URL.Query().Get("rows"), 24),
		Cols: atoiOr(r.URL.Query().Get("cols"), 80),
	}
	result, err := s.mux.Join(r.Context(), sessionID, workingDir, size)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func (s *server) handleInject(w http.ResponseWriter, r *http.Request, muxName string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := s.mux.Inject(r.Context(), muxName, body.Text); err != nil {
		if err == mux.ErrNotFound {
			http.Error(w, "not_found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleTerminate(w http.ResponseWriter, r *http.Request, muxName string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.mux.Terminate(r.Context(), muxName); err != nil {
		if err == mux.ErrNotFound {
			http.Error(w, "not_found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMuxAttach upgrades to a WebSocket and bridges it to the pty
// pipe returned by the Mux Controller (spec.md §4.7: "attach(mux_name,
// size) -> pty_pipe"). Resize messages are sidestepped from the byte
// stream as a JSON control frame, per spec.md's "length-prefixed
// control frame or an equivalent out-of-band signal" allowance.
func (s *server) handleMuxAttach(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}
	size := mux.Size{
		Rows: atoiOr(r.URL.Query().Get("rows"), 24),
		Cols: atoiOr(r.URL.Query().Get("cols"), 80),
	}

	pipe, err := s.mux.Attach(r.Context(), name, size)
	if err != nil {
		if err == mux.ErrNotFound {
			http.Error(w, "not_found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer pipe.Close()

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("mux attach upgrade: %v", err)
		return
	}
	defer conn.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := pipe.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			var ctrl struct {
				Resize *mux.Size `json:"resize"`
			}
			if jsonErr := json.Unmarshal(data, &ctrl); jsonErr == nil && ctrl.Resize != nil {
				_ = pipe.Resize(*ctrl.Resize)
			}
		case websocket.BinaryMessage:
			if _, err := pipe.Write(data); err != nil {
				return
			}
		}
	}
}

// handleEvents streams Event Bus events on the global topic as
// server-sent events, with a 30s heartbeat on an otherwise-idle
// stream (spec.md §4.4).
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe(idle.GlobalTopic)
	defer s.bus.Unsubscribe(sub)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.Events():
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
