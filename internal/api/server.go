// Package api implements the Control API: an HTTP surface over the VM
// Discovery index, Lifecycle Manager, Process Monitor, and
// Remote-Framebuffer Proxy, per SPEC_FULL.md §6's route table.
//
// The HTTP transport itself is stdlib net/http using a Go 1.22+
// method-pattern ServeMux — grounded on the teacher's deleted
// internal/api/server.go route-registration idiom, kept as a
// standard-library choice because nothing in the example pack ships an
// HTTP router/framework dependency worth adopting over the stdlib
// ServeMux's native method+wildcard routing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/xfeldman/aegisvm/internal/discovery"
	"github.com/xfeldman/aegisvm/internal/lifecycle"
	"github.com/xfeldman/aegisvm/internal/logstore"
	"github.com/xfeldman/aegisvm/internal/model"
	"github.com/xfeldman/aegisvm/internal/monitor"
	"github.com/xfeldman/aegisvm/internal/proxy"
	"github.com/xfeldman/aegisvm/internal/registry"
	"github.com/xfeldman/aegisvm/internal/vmerr"
)

// Server wires every control-plane component into one HTTP handler.
type Server struct {
	dis   *discovery.Discovery
	life  *lifecycle.Manager
	mon   *monitor.Monitor
	prx   *proxy.Server
	reg   *registry.DB
	logs  *logstore.Store

	mux *http.ServeMux
}

// NewServer builds the route table described in SPEC_FULL.md §6.
func NewServer(dis *discovery.Discovery, life *lifecycle.Manager, mon *monitor.Monitor, prx *proxy.Server, reg *registry.DB, logs *logstore.Store) *Server {
	s := &Server{dis: dis, life: life, mon: mon, prx: prx, reg: reg, logs: logs}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/vms", s.handleListVMs)
	s.mux.HandleFunc("POST /v1/vms", s.handleCreateVM)
	s.mux.HandleFunc("GET /v1/vms/{id}", s.handleGetVM)
	s.mux.HandleFunc("DELETE /v1/vms/{id}", s.handleDeleteVM)
	s.mux.HandleFunc("POST /v1/vms/{id}/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/vms/{id}/stop", s.handleStop)
	s.mux.HandleFunc("POST /v1/vms/{id}/restart", s.handleRestart)
	s.mux.HandleFunc("GET /v1/vms/{id}/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /v1/vms/{id}/metrics/history", s.handleMetricsHistory)
	s.mux.HandleFunc("GET /v1/vms/{id}/logs", s.handleLogs)
	s.mux.HandleFunc("POST /v1/vms/{id}/console", s.handleOpenConsole)
	s.mux.HandleFunc("DELETE /v1/console/{session_id}", s.handleCloseConsole)
	s.mux.HandleFunc("GET /v1/console/{session_id}/ws", s.handleConsoleWS)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dis.All())
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	id := model.VMId(r.PathValue("id"))
	vm, ok := s.dis.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("vm %s: %w", id, vmerr.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	id := model.VMId(r.PathValue("id"))
	if _, ok := s.dis.Get(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("vm %s: %w", id, vmerr.ErrNotFound))
		return
	}
	s.logs.Remove(string(id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := model.VMId(r.PathValue("id"))
	vm, ok := s.dis.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("vm %s: %w", id, vmerr.ErrNotFound))
		return
	}
	if err := s.life.Start(r.Context(), vm); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	vm, _ = s.dis.Get(id)
	writeJSON(w, http.StatusAccepted, vm)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := model.VMId(r.PathValue("id"))
	if err := s.life.Stop(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, vmerr.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	vm, _ := s.dis.Get(id)
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := model.VMId(r.PathValue("id"))
	vm, ok := s.dis.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("vm %s: %w", id, vmerr.ErrNotFound))
		return
	}
	if err := s.life.Stop(r.Context(), id); err != nil && !errors.Is(err, vmerr.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.life.Start(r.Context(), vm); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	vm, _ = s.dis.Get(id)
	writeJSON(w, http.StatusAccepted, vm)
}

// createVMRequest mirrors lifecycle.TemplateSpec for JSON transport.
type createVMRequest struct {
	OS       string `json:"os"`
	Version  string `json:"version"`
	Edition  string `json:"edition,omitempty"`
	Name     string `json:"name"`
	RAMMB    int    `json:"ram_mb"`
	DiskSize string `json:"disk_size"`
	CPUCores int    `json:"cpu_cores"`
	OutDir   string `json:"out_dir"`
}

// handleCreateVM streams quickget's stdout/stderr as newline-delimited
// JSON, one line object per emitted line, until the process exits.
func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	spec := lifecycle.TemplateSpec{
		OS: req.OS, Version: req.Version, Edition: req.Edition, Name: req.Name,
		RAMMB: req.RAMMB, DiskSize: req.DiskSize, CPUCores: req.CPUCores, OutDir: req.OutDir,
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	sink := make(chan string, 64)
	done := make(chan struct{})
	var configPath string
	var creationErr error
	go func() {
		defer close(done)
		configPath, creationErr = s.life.CreateFromTemplate(r.Context(), spec, sink)
	}()

	enc := json.NewEncoder(w)
	for line := range sink {
		enc.Encode(map[string]string{"line": line})
		if flusher != nil {
			flusher.Flush()
		}
	}
	<-done

	if creationErr != nil {
		enc.Encode(map[string]string{"error": creationErr.Error()})
	} else {
		enc.Encode(map[string]string{"config_path": configPath})
	}
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id := model.VMId(r.PathValue("id"))
	sample, ok := s.mon.Metrics(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no metrics for %s: %w", id, vmerr.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	id := model.VMId(r.PathValue("id"))
	samples := s.mon.History(id)
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	vl := s.logs.Get(id)
	if vl == nil {
		writeJSON(w, http.StatusOK, []logstore.LogEntry{})
		return
	}
	writeJSON(w, http.StatusOK, vl.Read(time.Time{}, 500))
}

type openConsoleRequest struct {
	Protocol proxy.Protocol `json:"protocol"`
}

type openConsoleResponse struct {
	SessionID   string `json:"session_id"`
	Token       string `json:"token"`
	WebsocketURL string `json:"websocket_url"`
}

func (s *Server) handleOpenConsole(w http.ResponseWriter, r *http.Request) {
	id := model.VMId(r.PathValue("id"))
	vm, ok := s.dis.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("vm %s: %w", id, vmerr.ErrNotFound))
		return
	}

	var req openConsoleRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Protocol == "" {
		req.Protocol = proxy.ProtocolSPICE
	}

	port, found := lifecycle.DetectFramebufferPort(vm.Config.Display.Port)
	if !found {
		writeError(w, http.StatusConflict, fmt.Errorf("no framebuffer port detected for %s: %w", id, vmerr.ErrNotFound))
		return
	}

	sess, err := s.prx.CreateSession(id, req.Protocol, "127.0.0.1", port)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, vmerr.ErrExhausted) {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err)
		return
	}

	if s.reg != nil {
		s.reg.RecordConsoleSessionOpened(model.ConsoleSession{
			ID: sess.ID, VMID: id, CreatedAt: sess.CreatedAt, Status: model.SessionAuthenticating,
		})
	}

	writeJSON(w, http.StatusCreated, openConsoleResponse{
		SessionID:    sess.ID,
		Token:        sess.Token,
		WebsocketURL: fmt.Sprintf("/v1/console/%s/ws", sess.ID),
	})
}

func (s *Server) handleCloseConsole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	s.prx.Close(id)
	if s.reg != nil {
		s.reg.RecordConsoleSessionClosed(id, model.SessionDisconnected)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConsoleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	s.prx.ServeHTTP(w, r, id)
}

// RunMetricsLoop refreshes the Process Monitor and persists the latest
// sample for every VM on an interval, until ctx is cancelled.
func RunMetricsLoop(ctx context.Context, mon *monitor.Monitor, reg *registry.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.Refresh()
			mon.CleanupStale()
			if reg == nil {
				continue
			}
			for id, sample := range mon.MetricsAll() {
				if err := reg.RecordSample(id, sample); err != nil {
					log.Printf("api: persist metrics sample for %s: %v", id, err)
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
