// Package api implements the HTTP and WebSocket surface: conversation
// messages, rabbit hole ingestion, memory inspection, and plugin
// management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/straycat-ai/straycat/internal/buildinfo"
	"github.com/straycat-ai/straycat/internal/events"
	"github.com/straycat-ai/straycat/internal/memory"
	"github.com/straycat-ai/straycat/internal/pipeline"
	"github.com/straycat-ai/straycat/internal/plugins"
	"github.com/straycat-ai/straycat/internal/rabbithole"
)

const maxUploadBytes = 32 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// Server is the HTTP API server.
type Server struct {
	listen   string
	pipeline *pipeline.Pipeline
	hole     *rabbithole.RabbitHole
	host     *plugins.Host
	store    *memory.Store
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates the API server. Any collaborator may be nil; its
// endpoints then answer 503.
func NewServer(logger *slog.Logger, listen string, pipe *pipeline.Pipeline, hole *rabbithole.RabbitHole, host *plugins.Host, store *memory.Store, bus *events.Bus) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		listen:   listen,
		pipeline: pipe,
		hole:     hole,
		host:     host,
		store:    store,
		bus:      bus,
		logger:   logger,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /ws", s.handleChatWS)
	mux.HandleFunc("GET /events/ws", s.handleEventsWS)

	mux.HandleFunc("POST /rabbithole/text", s.handleIngestText)
	mux.HandleFunc("POST /rabbithole/file", s.handleIngestFile)
	mux.HandleFunc("POST /rabbithole/url", s.handleIngestURL)

	mux.HandleFunc("GET /memory/count", s.handleMemoryCount)
	mux.HandleFunc("GET /memory/recall", s.handleMemoryRecall)
	mux.HandleFunc("DELETE /memory/{kind}/{id}", s.handleMemoryDelete)

	mux.HandleFunc("GET /plugins", s.handlePluginList)
	mux.HandleFunc("POST /plugins/{id}/activate", s.handlePluginActivate)
	mux.HandleFunc("POST /plugins/{id}/deactivate", s.handlePluginDeactivate)
	mux.HandleFunc("POST /plugins/{id}/enable", s.handlePluginEnable)
	mux.HandleFunc("POST /plugins/{id}/disable", s.handlePluginDisable)
	mux.HandleFunc("PUT /plugins/{id}/settings", s.handlePluginSettings)

	return s.withLogging(mux)
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
	}
	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "StrayCat",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not available", s.logger)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error(), s.logger)
		return
	}

	res, err := s.pipeline.RunRaw(r.Context(), payload)
	if err != nil {
		var pe *pipeline.ParseError
		if errors.As(err, &pe) {
			writeError(w, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleIngestText(w http.ResponseWriter, r *http.Request) {
	if s.hole == nil {
		writeError(w, http.StatusServiceUnavailable, "rabbit hole not available", s.logger)
		return
	}
	var req struct {
		Text     string         `json:"text"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error(), s.logger)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.hole.IngestText(r.Context(), req.Text, req.Metadata), s.logger)
}

func (s *Server) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	if s.hole == nil {
		writeError(w, http.StatusServiceUnavailable, "rabbit hole not available", s.logger)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "parse form: "+err.Error(), s.logger)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required", s.logger)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.hole.IngestFile(r.Context(), header.Filename, data, nil), s.logger)
}

func (s *Server) handleIngestURL(w http.ResponseWriter, r *http.Request) {
	if s.hole == nil {
		writeError(w, http.StatusServiceUnavailable, "rabbit hole not available", s.logger)
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error(), s.logger)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.hole.IngestURL(r.Context(), req.URL), s.logger)
}

func (s *Server) handleMemoryCount(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "memory not available", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.store.Count(), s.logger)
}

func (s *Server) handleMemoryRecall(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "memory not available", s.logger)
		return
	}
	kind := memory.Kind(r.URL.Query().Get("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown memory kind %q", kind), s.logger)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required", s.logger)
		return
	}
	k := 5
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "k must be a positive integer", s.logger)
			return
		}
		k = parsed
	}

	records, err := s.store.Recall(r.Context(), kind, query, k)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"records": records}, s.logger)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "memory not available", s.logger)
		return
	}
	kind := memory.Kind(r.PathValue("kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown memory kind %q", kind), s.logger)
		return
	}
	if err := s.store.Delete(r.Context(), kind, r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted"}, s.logger)
}

func (s *Server) handlePluginList(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, "plugins not available", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"plugins": s.host.List()}, s.logger)
}

func (s *Server) handlePluginActivate(w http.ResponseWriter, r *http.Request) {
	s.togglePlugin(w, r, true)
}

func (s *Server) handlePluginDeactivate(w http.ResponseWriter, r *http.Request) {
	s.togglePlugin(w, r, false)
}

func (s *Server) togglePlugin(w http.ResponseWriter, r *http.Request, activate bool) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, "plugins not available", s.logger)
		return
	}
	id := r.PathValue("id")
	var err error
	if activate {
		err = s.host.Activate(id)
	} else {
		err = s.host.Deactivate(id)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), s.logger)
		return
	}
	s.bus.Emit(events.SourcePlugins, events.KindPluginToggled, "",
		map[string]any{"id": id, "active": activate})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"id": id, "active": s.host.Active(id)}, s.logger)
}

func (s *Server) handlePluginEnable(w http.ResponseWriter, r *http.Request) {
	s.setPluginEnabled(w, r, true)
}

func (s *Server) handlePluginDisable(w http.ResponseWriter, r *http.Request) {
	s.setPluginEnabled(w, r, false)
}

// setPluginEnabled suspends or resumes a plugin's hook dispatch while
// its registrations stay installed.
func (s *Server) setPluginEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, "plugins not available", s.logger)
		return
	}
	id := r.PathValue("id")
	if err := s.host.SetEnabled(id, enabled); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), s.logger)
		return
	}
	s.bus.Emit(events.SourcePlugins, events.KindPluginToggled, "",
		map[string]any{"id": id, "enabled": enabled})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"id": id, "enabled": s.host.Enabled(id)}, s.logger)
}

func (s *Server) handlePluginSettings(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, "plugins not available", s.logger)
		return
	}
	var settings map[string]any
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "decode settings: "+err.Error(), s.logger)
		return
	}
	id := r.PathValue("id")
	if err := s.host.SetSettings(id, settings); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"id": id, "settings": s.host.Settings(id)}, s.logger)
}
