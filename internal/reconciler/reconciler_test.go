package reconciler

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/siegeup/serverlauncher/internal/buildstore"
	"github.com/siegeup/serverlauncher/internal/osutil"
	"github.com/siegeup/serverlauncher/internal/state"
	"github.com/siegeup/serverlauncher/internal/supervisor"
)

// fakeProvider is a stand-in for a state.Store. It has no locking; tests
// set servers before starting the engine.
type fakeProvider struct {
	servers []state.DesiredServer
}

func (f *fakeProvider) Servers() []state.DesiredServer {
	return append([]state.DesiredServer(nil), f.servers...)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// seedExecutable puts a long-sleeping, TERM-trapping script in the build
// store under the given version, mimicking an ingested server binary.
func seedExecutable(t *testing.T, bs *buildstore.Store, version string) {
	t.Helper()
	dir := bs.VersionDir(version)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nsleep 30 &\nwait\n"
	path := filepath.Join(dir, "FakeServer.x86_64")
	if err := os.WriteFile(path, []byte(script), 0o750); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeProvider, *buildstore.Store) {
	t.Helper()
	base := t.TempDir()
	fs := osutil.NewDefaultFileOps()
	bs := buildstore.New(filepath.Join(base, "builds"), fs)
	if err := bs.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	sv := supervisor.New(filepath.Join(base, "logs"))
	provider := &fakeProvider{}
	eng := New(sv, bs, provider, 50*time.Millisecond)
	return eng, provider, bs
}

func TestEngineSpawnsDesiredServer(t *testing.T) {
	eng, provider, bs := newTestEngine(t)
	seedExecutable(t, bs, "v1")
	port := freePort(t)

	provider.servers = []state.DesiredServer{
		{Name: "Server 1", Version: "v1", Port: port, Run: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := eng.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if len(snap.Children) == 1 && snap.Children[0].Port == port {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for reconciler to spawn desired server")
}

func TestEngineRecordsMissingExecutableError(t *testing.T) {
	eng, provider, _ := newTestEngine(t)
	port := freePort(t)
	provider.servers = []state.DesiredServer{
		{Name: "Server 1", Version: "does-not-exist", Port: port, Run: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := eng.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if msg, ok := snap.LastErrors[port]; ok && msg != "" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for lastError to be recorded")
}

func TestEngineStopPortRemovesChild(t *testing.T) {
	eng, provider, bs := newTestEngine(t)
	seedExecutable(t, bs, "v1")
	port := freePort(t)
	provider.servers = []state.DesiredServer{
		{Name: "Server 1", Version: "v1", Port: port, Run: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for {
		snap, _ := eng.Snapshot(ctx)
		if len(snap.Children) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up")
		}
		time.Sleep(50 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := eng.StopPort(stopCtx, port); err != nil {
		t.Fatalf("StopPort: %v", err)
	}

	snap, err := eng.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Children) != 0 {
		t.Fatalf("expected no children after StopPort, got %+v", snap.Children)
	}
}

func TestEngineLiveVersionsReflectsRunningChildren(t *testing.T) {
	eng, provider, bs := newTestEngine(t)
	seedExecutable(t, bs, "v1")
	port := freePort(t)
	provider.servers = []state.DesiredServer{
		{Name: "Server 1", Version: "v1", Port: port, Run: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for {
		live, err := eng.LiveVersions(ctx)
		if err != nil {
			t.Fatalf("LiveVersions: %v", err)
		}
		if _, ok := live["v1"]; ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("v1 never appeared in live versions")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
