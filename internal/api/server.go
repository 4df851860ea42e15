// Package api exposes the bridge over HTTP: snapshot and streaming reads,
// and command endpoints that forward to the panel.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"laresbridge/internal/broadcast"
	"laresbridge/internal/names"
	"laresbridge/internal/panel"
	"laresbridge/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Commander is the slice of the panel client the API needs.
type Commander interface {
	SetOutput(outputID, state string) (bool, error)
	ExecuteScenario(scenarioID string) (bool, error)
	ArmPartition(partitionID, mode string) (bool, error)
	BypassZone(zoneID, bypass string) (bool, error)
	ReadLogs(count int) (map[string]any, error)
	IsConnected() bool
}

// Server is the HTTP front of the bridge.
type Server struct {
	store     *store.Store
	commander Commander
	overrides *names.Overrides
	bc        *broadcast.Broadcaster
	logger    *zap.Logger
	server    *http.Server
}

// NewServer wires the router. The SSE stream endpoint disables the write
// timeout for its connection; all other endpoints get the usual bounds.
func NewServer(st *store.Store, cmd Commander, ovr *names.Overrides, bc *broadcast.Broadcaster, logger *zap.Logger, port int) *Server {
	s := &Server{
		store:     st,
		commander: cmd,
		overrides: ovr,
		bc:        bc,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/stream", s.handleStream)
		r.Get("/logs", s.handleLogs)
		r.Post("/outputs/{id}", s.handleOutput)
		r.Post("/scenarios/{id}", s.handleScenario)
		r.Post("/partitions/{id}", s.handlePartition)
		r.Post("/zones/{id}/bypass", s.handleBypass)
		r.Put("/thermostats/{id}/name", s.handleThermostatName)
	})

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.server.Close()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"panel_connected": s.commander.IsConnected(),
	})
}

// handleSnapshot returns the full entity view plus meta fields.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.SnapshotView())
}

// handleStream is a server-sent-events feed: one snapshot event on connect,
// then every update and connectivity event as it happens, with periodic
// comment lines to keep intermediaries from closing the idle stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bc.Subscribe()
	defer s.bc.Unsubscribe(sub)

	snap := s.store.SnapshotView()
	if err := writeSSE(w, broadcast.Event{
		Type:     broadcast.TypeSnapshot,
		Meta:     snap.Meta,
		Entities: snap.Entities,
	}); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	payload, err := s.commander.ReadLogs(0)
	if err != nil {
		s.commandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

type commandRequest struct {
	State  string `json:"state,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Bypass string `json:"bypass,omitempty"`
}

func (s *Server) decodeCommand(w http.ResponseWriter, r *http.Request) (commandRequest, bool) {
	var req commandRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed request body")
			return req, false
		}
	}
	return req, true
}

// commandError maps panel-side failures to HTTP statuses: a lost panel link
// is 503, a command that never got its acknowledgement is 504.
func (s *Server) commandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, panel.ErrNotConnected):
		s.writeError(w, http.StatusServiceUnavailable, "panel not connected")
	case errors.Is(err, panel.ErrTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "panel did not acknowledge command")
	default:
		s.logger.Error("Command failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "command failed")
	}
}

func (s *Server) finishCommand(w http.ResponseWriter, kind, id string, ok bool, err error) {
	if err != nil {
		s.commandError(w, err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusBadGateway, "panel rejected command")
		return
	}
	merged, _ := s.store.GetMerged(kind, id)
	s.writeJSON(w, http.StatusOK, map[string]any{"result": "ok", "entity": merged})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, okReq := s.decodeCommand(w, r)
	if !okReq {
		return
	}
	if req.State == "" {
		s.writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	ok, err := s.commander.SetOutput(id, req.State)
	s.finishCommand(w, store.KindOutput, id, ok, err)
}

func (s *Server) handleScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.commander.ExecuteScenario(id)
	s.finishCommand(w, store.KindScenario, id, ok, err)
}

func (s *Server) handlePartition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, okReq := s.decodeCommand(w, r)
	if !okReq {
		return
	}
	if req.Mode == "" {
		s.writeError(w, http.StatusBadRequest, "mode is required")
		return
	}
	ok, err := s.commander.ArmPartition(id, req.Mode)
	s.finishCommand(w, store.KindPartition, id, ok, err)
}

func (s *Server) handleBypass(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, okReq := s.decodeCommand(w, r)
	if !okReq {
		return
	}
	if req.Bypass != "ON" && req.Bypass != "OFF" {
		s.writeError(w, http.StatusBadRequest, "bypass must be ON or OFF")
		return
	}
	ok, err := s.commander.BypassZone(id, req.Bypass)
	s.finishCommand(w, store.KindZone, id, ok, err)
}

type nameRequest struct {
	Name string `json:"name"`
}

// handleThermostatName writes a display-name override. An empty name clears
// the override.
func (s *Server) handleThermostatName(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.overrides.Set(id, req.Name); err != nil {
		s.logger.Error("Failed to save name override", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to save name")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "ok", "id": id, "name": req.Name})
}
