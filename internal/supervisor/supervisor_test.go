package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// freePort asks the OS for an unused port and returns it immediately freed.
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

func writeTestScript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fakeserver.x86_64")
	script := "#!/bin/sh\ntrap 'exit 0' TERM\necho starting\nsleep 30 &\nwait\n"
	if err := os.WriteFile(path, []byte(script), 0o750); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestSpawnAndGracefulShutdown(t *testing.T) {
	base := t.TempDir()
	exe := writeTestScript(t, base)
	port := freePort(t)

	sv := New(filepath.Join(base, "logs"))

	exited := make(chan ExitReason, 1)
	ci, err := sv.Spawn(context.Background(), port, exe, "v1", []string{"--map", "island"}, func(r ExitReason) {
		exited <- r
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if ci.PID == 0 {
		t.Fatalf("expected non-zero pid")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	portFree, err := sv.Shutdown(ctx, ci)
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !portFree {
		t.Fatalf("expected port to be reported free after shutdown")
	}

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for exit callback")
	}
}

func TestBuildArgvCanonicalOrder(t *testing.T) {
	argv := BuildArgv(9001, []string{"--map", "island"})
	want := []string{"-batchmode", "-nographics", "-logFile", "-", "--server-port", "9001", "--map", "island"}
	if len(argv) != len(want) {
		t.Fatalf("argv length mismatch: got %v want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}
