// Package rpcfacade is the thin HTTPS/JSON translation layer over the
// core: it decodes requests, validates what belongs at the edge (D1
// duplicate-port rejection, field defaulting), and otherwise only calls
// into the State Store, Build Store, and Reconciler.
package rpcfacade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/siegeup/serverlauncher/internal/buildinfo"
	"github.com/siegeup/serverlauncher/internal/buildstore"
	"github.com/siegeup/serverlauncher/internal/hoststat"
	"github.com/siegeup/serverlauncher/internal/logsink"
	"github.com/siegeup/serverlauncher/internal/reconciler"
	"github.com/siegeup/serverlauncher/internal/state"
)

const maxUploadBytes = 2 << 30 // 2 GiB

// Facade wires HTTP handlers to the core components. It holds no state of
// its own beyond references to theirs.
type Facade struct {
	state    *state.Store
	builds   *buildstore.Store
	engine   *reconciler.Engine
	logsRoot string

	mux *http.ServeMux

	// exitFunc terminates the process after /update's graceful shutdown.
	// Overridable in tests.
	exitFunc func(code int)
}

// New builds a Facade and registers its routes.
func New(st *state.Store, builds *buildstore.Store, engine *reconciler.Engine, logsRoot string) *Facade {
	f := &Facade{
		state:    st,
		builds:   builds,
		engine:   engine,
		logsRoot: logsRoot,
		mux:      http.NewServeMux(),
		exitFunc: os.Exit,
	}
	f.registerRoutes()
	return f
}

// Handler returns the http.Handler to serve, wrapped with panic recovery.
func (f *Facade) Handler() http.Handler {
	return f.recoverMiddleware(f.mux)
}

func (f *Facade) registerRoutes() {
	f.mux.HandleFunc("POST /launch", f.handleLaunch)
	f.mux.HandleFunc("POST /upload", f.handleUpload)
	f.mux.HandleFunc("POST /restart", f.handleRestart)
	f.mux.HandleFunc("POST /purge", f.handlePurge)
	f.mux.HandleFunc("POST /update", f.handleUpdate)
	f.mux.HandleFunc("GET /logs/{port}", f.handleLogs)
	f.mux.HandleFunc("GET /status", f.handleStatus)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// recoverMiddleware turns a handler panic into an InternalError response
// with an opaque correlation id, logged alongside the real cause.
func (f *Facade) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				ref := rand.IntN(900000) + 100000
				slog.Error("rpcfacade: panic handling request", "path", r.URL.Path, "reference", ref, "panic", rec)
				writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("internal error (reference: %d)", ref))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type launchServerReq struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Port    int      `json:"port"`
	Args    []string `json:"args"`
	Visible bool     `json:"visible"`
	Run     *bool    `json:"run"`
}

type launchReq struct {
	Servers []launchServerReq `json:"servers"`
}

// handleLaunch validates D1, stops any child whose port/version/args/run
// changed in a way that requires it, and persists the new desired set.
func (f *Facade) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	seenPorts := map[int]struct{}{}
	for _, s := range req.Servers {
		if _, dup := seenPorts[s.Port]; dup {
			writeJSONError(w, http.StatusBadRequest, "Duplicate port detected in servers array")
			return
		}
		seenPorts[s.Port] = struct{}{}
	}

	newByPort := make(map[int]state.DesiredServer, len(req.Servers))
	newSet := make([]state.DesiredServer, len(req.Servers))
	for i, s := range req.Servers {
		name := s.Name
		if name == "" {
			name = state.DefaultName(i)
		}
		run := true
		if s.Run != nil {
			run = *s.Run
		}
		ds := state.DesiredServer{
			Name:    name,
			Version: s.Version,
			Port:    s.Port,
			Args:    s.Args,
			Visible: s.Visible,
			Run:     run,
		}
		newSet[i] = ds
		newByPort[s.Port] = ds
	}

	ctx := r.Context()
	for _, old := range f.state.Servers() {
		nw, stillDesired := newByPort[old.Port]
		mustStop := !stillDesired || nw.Version != old.Version || !slices.Equal(nw.Args, old.Args) || nw.Run != old.Run
		if !mustStop {
			continue
		}
		if err := f.engine.StopPort(ctx, old.Port); err != nil {
			slog.Warn("rpcfacade.handleLaunch: failed to stop port ahead of write", "port", old.Port, "error", err)
		}
	}

	if err := f.state.Replace(newSet); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to persist desired set")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleUpload copies a multipart gameZip field to a temporary file and
// runs Build Store ingest on it, defaulting the version to the archive's
// base name.
func (f *Facade) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("gameZip")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing gameZip field")
		return
	}
	defer file.Close()

	version := r.FormValue("version")
	if version == "" {
		version = strippedExt(header.Filename)
	}
	if version == "" {
		version = fmt.Sprintf("archive_%d", time.Now().UnixMilli())
	}

	tmpPath := filepath.Join(os.TempDir(), "serverlauncher-upload-"+uuid.NewString()+".zip")
	tmp, err := os.Create(tmpPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to buffer upload")
		return
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		writeJSONError(w, http.StatusInternalServerError, "failed to buffer upload")
		return
	}
	tmp.Close()

	if err := f.builds.Ingest(r.Context(), version, tmpPath); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("ingest failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version})
}

func strippedExt(name string) string {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}

// handleRestart stops the child on the given port, if any is running. The
// next reconcile tick respawns it when the desired entry has run=true.
func (f *Facade) handleRestart(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid or missing port")
		return
	}

	found := false
	for _, s := range f.state.Servers() {
		if s.Port == port {
			found = true
			break
		}
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "port not in desired set")
		return
	}

	if err := f.engine.StopPort(r.Context(), port); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("shutdown failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handlePurge removes every build version not referenced by a live child,
// using the Reconciler's atomic live-version snapshot (P3).
func (f *Facade) handlePurge(w http.ResponseWriter, r *http.Request) {
	live, err := f.engine.LiveVersions(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to snapshot live versions")
		return
	}

	purged, err := f.builds.Purge(live)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("purge failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "purged": purged})
}

// handleUpdate acknowledges the request, then gracefully shuts down every
// child and exits the process so an external service manager can restart
// it (possibly with a new binary already swapped in).
func (f *Facade) handleUpdate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	// The request context is canceled once this handler returns, so the
	// delayed shutdown must not inherit its cancellation.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		time.Sleep(100 * time.Millisecond)
		if err := f.engine.ShutdownAll(ctx); err != nil {
			slog.Error("rpcfacade.handleUpdate: shutdown all failed", "error", err)
		}
		f.exitFunc(0)
	}()
}

func (f *Facade) handleLogs(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid port")
		return
	}

	index := 0
	if raw := r.URL.Query().Get("index"); raw != "" {
		index, err = strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid index")
			return
		}
	}

	sink := logsink.New(f.logsRoot, port)
	tail, err := sink.Tail(index)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSONError(w, http.StatusNotFound, "no log at that index")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("tail failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name": tail.Name,
		"size": tail.Size,
		"text": string(tail.Lines),
	})
}

type serverStatus struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Port        int      `json:"port"`
	Args        []string `json:"args"`
	Visible     bool     `json:"visible"`
	Run         bool     `json:"run"`
	PID         int      `json:"pid"`
	Running     bool     `json:"running"`
	MemoryMB    uint64   `json:"memoryMB"`
	Commit      string   `json:"commit"`
	LaunchError string   `json:"launchError,omitempty"`
}

func (f *Facade) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := hoststat.Collect(ctx)

	snap, err := f.engine.Snapshot(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to snapshot reconciler state")
		return
	}
	childByPort := make(map[int]reconciler.ChildSnapshot, len(snap.Children))
	for _, c := range snap.Children {
		childByPort[c.Port] = c
	}

	commit := buildinfo.Commit()

	var servers []serverStatus
	for _, s := range f.state.Servers() {
		st := serverStatus{
			Name:    s.Name,
			Version: s.Version,
			Port:    s.Port,
			Args:    s.Args,
			Visible: s.Visible,
			Run:     s.Run,
			Commit:  commit,
		}
		if c, ok := childByPort[s.Port]; ok {
			st.PID = c.PID
			st.Running = true
			st.MemoryMB = hoststat.ChildMemoryMB(c.PID)
		}
		if msg, ok := snap.LastErrors[s.Port]; ok {
			st.LaunchError = msg
		}
		servers = append(servers, st)
	}

	archives, err := f.builds.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list build versions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hostname":   host.Hostname,
		"platform":   host.Platform,
		"totalMemMB": host.TotalMemMB,
		"usedMemMB":  host.UsedMemMB,
		"cpuPercent": host.CPUPercent,
		"servers":    servers,
		"archives":   archives,
	})
}
