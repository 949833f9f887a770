// Package state holds the declarative DesiredServer set, persisted as
// settings.json, durable across restarts. Only the RPC Facade mutates it;
// every mutation is a full-file replace, and readers only ever see the
// in-memory copy, never the file directly.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// DesiredServer is one entry of the persisted desired set.
type DesiredServer struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Port    int      `json:"port"`
	Args    []string `json:"args"`
	Visible bool     `json:"visible"`
	Run     bool     `json:"run"`
}

// DefaultName returns the default label for the (zero-based) i-th server
// in a desired set, used when a caller omits Name.
func DefaultName(i int) string {
	return fmt.Sprintf("Server %d", i+1)
}

type settingsFile struct {
	Servers []DesiredServer `json:"servers"`
}

// Store is the persisted DesiredServer set plus its in-memory copy.
type Store struct {
	path string

	mu      sync.Mutex
	servers []DesiredServer
}

// New returns a Store backed by the settings file at path. Call Load
// before use.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the settings file into memory. If the file is missing or
// cannot be parsed, the store is (re)initialized to an empty set — this
// is a recoverable condition, not a fatal one.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("state.Load: no settings file yet, starting empty", "path", s.path)
			s.mu.Lock()
			s.servers = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("state: read %s: %w", s.path, err)
	}

	var sf settingsFile
	if err := json.Unmarshal(data, &sf); err != nil {
		slog.Warn("state.Load: settings file unparsable, reinitializing to empty set", "path", s.path, "error", err)
		s.mu.Lock()
		s.servers = nil
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.servers = sf.Servers
	s.mu.Unlock()
	return nil
}

// Servers returns a snapshot copy of the current desired set.
func (s *Store) Servers() []DesiredServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DesiredServer, len(s.servers))
	copy(out, s.servers)
	return out
}

// Replace overwrites the desired set both in memory and on disk (full-file
// replace). Callers (the RPC Facade) are responsible for validating D1
// (port uniqueness) before calling Replace.
func (s *Store) Replace(servers []DesiredServer) error {
	data, err := json.MarshalIndent(settingsFile{Servers: servers}, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("state: write temp settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: replace settings: %w", err)
	}

	s.mu.Lock()
	s.servers = append([]DesiredServer(nil), servers...)
	s.mu.Unlock()

	slog.Info("state.Replace: persisted new desired set", "count", len(servers), "path", s.path)
	return nil
}
