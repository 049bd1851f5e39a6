// Package transport exposes the daemon's control API — boot, pause,
// resume, status, and package management — over a unix-domain socket:
// a stdlib net/http.ServeMux served on a unix listener, JSON
// request/response bodies, no external web framework.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ehrlich-b/rvhost/internal/lockmgr"
	"github.com/ehrlich-b/rvhost/internal/overlay"
	"github.com/ehrlich-b/rvhost/internal/store"
	"github.com/ehrlich-b/rvhost/internal/supervisor"
	"github.com/ehrlich-b/rvhost/internal/termsink"
)

// Server serves the control API for a single machine's supervisor.
type Server struct {
	socketPath string
	machineID  string
	sup        *supervisor.Supervisor
	db         *store.Store
	locks      *lockmgr.Manager
	term       *termsink.Broadcaster
}

// NewServer wires a control-API server around an already-constructed
// Supervisor. term may be nil when the Supervisor was wired to a
// non-Broadcaster Sink (e.g. termsink.Discard in tests) — in that case
// /attach always reports unavailable rather than panicking.
func NewServer(socketPath, machineID string, sup *supervisor.Supervisor, db *store.Store, locks *lockmgr.Manager, term *termsink.Broadcaster) *Server {
	return &Server{socketPath: socketPath, machineID: machineID, sup: sup, db: db, locks: locks, term: term}
}

// ListenAndServe blocks serving the control API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /boot", s.handleBoot)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /terminate", s.handleTerminate)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /pkg/install", s.handlePkgInstall)
	mux.HandleFunc("POST /pkg/remove", s.handlePkgRemove)
	mux.HandleFunc("GET /pkg/list", s.handlePkgList)
	mux.HandleFunc("GET /attach", s.handleAttach)
}

type bootRequest struct {
	OwnerToken string `json:"owner_token"`
	Steal      bool   `json:"steal"`
}

type StatusResponse struct {
	MachineID string `json:"machine_id"`
	State     string `json:"state"`
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	var req bootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.OwnerToken == "" {
		req.OwnerToken = lockmgr.NewOwnerToken()
	}

	var pkgs []overlay.Package
	records, err := s.db.ListPackages()
	if err == nil {
		for _, rec := range records {
			if !rec.Installed {
				continue
			}
			tarBytes, err := s.db.LoadPackageTar(rec.ID)
			if err != nil {
				continue
			}
			tar, err := overlay.ParseTar(bytes.NewReader(tarBytes))
			if err != nil {
				continue
			}
			pkgs = append(pkgs, overlay.Package{ID: rec.ID, Tar: tar})
		}
	}

	if err := s.sup.Boot(r.Context(), req.OwnerToken, req.Steal, pkgs); err != nil {
		if err == supervisor.ErrLockHeld {
			writeError(w, http.StatusConflict, "running in another tab")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{MachineID: s.machineID, State: s.sup.State().String()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Pause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{MachineID: s.machineID, State: s.sup.State().String()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Resume(r.Context(), nil); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{MachineID: s.machineID, State: s.sup.State().String()})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Terminate(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{MachineID: s.machineID, State: s.sup.State().String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{MachineID: s.machineID, State: s.sup.State().String()})
}

type installPackageRequest struct {
	ID      string `json:"id"`
	TarData []byte `json:"tar_data"`
}

func (s *Server) handlePkgInstall(w http.ResponseWriter, r *http.Request) {
	var req installPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	rec, err := s.db.InstallPackage(req.ID, req.TarData)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type removePackageRequest struct {
	ID string `json:"id"`
}

func (s *Server) handlePkgRemove(w http.ResponseWriter, r *http.Request) {
	var req removePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.db.UninstallPackage(req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePkgList(w http.ResponseWriter, r *http.Request) {
	records, err := s.db.ListPackages()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
