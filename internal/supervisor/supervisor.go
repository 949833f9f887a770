// Package supervisor spawns a configured game-server child process, wires
// its stdout/stderr through a Log Sink, and implements the bounded
// graceful-then-forceful shutdown gated on OS-level port liberation.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jesseduffield/kill"

	"github.com/siegeup/serverlauncher/internal/logsink"
	"github.com/siegeup/serverlauncher/internal/portprobe"
)

const (
	gracefulWait = 2000 * time.Millisecond
	killedWait   = 1000 * time.Millisecond
)

// envOverlay is applied in addition to the parent process's environment on
// every spawned child. Values here are implementation-defined (the spec
// only requires that a fixed overlay exists).
var envOverlay = []string{
	"SIEGEUP_AGENT=1",
	"DOTNET_CLI_TELEMETRY_OPTOUT=1",
}

// ExitReason describes why a child is no longer running, for the
// reconciler to turn into a LastError message.
type ExitReason struct {
	Forced    bool // not set by Supervisor: always false in the reason passed to an ExitFunc
	ExitCode  int
	Signaled  bool
	SignalMsg string
}

// ChildInstance is the volatile record of one spawned server process.
type ChildInstance struct {
	Port      int
	PID       int
	Version   string
	Args      []string
	SpawnTime time.Time

	cmd     *exec.Cmd
	outW    *logsink.TimestampWriter
	errW    *logsink.TimestampWriter
	logFile *os.File
}

// ExitFunc is invoked exactly once, from a dedicated goroutine, after a
// child has exited, its log stream has been closed, and the port has
// either become free or the 2s wait budget has elapsed.
type ExitFunc func(reason ExitReason)

// Supervisor spawns and stops game-server children.
type Supervisor struct {
	logsRoot string
}

// New returns a Supervisor that writes per-instance logs under logsRoot.
func New(logsRoot string) *Supervisor {
	return &Supervisor{logsRoot: logsRoot}
}

// BuildArgv returns the canonical argument vector for a server listening
// on port, with the desired server's own args appended last.
func BuildArgv(port int, extraArgs []string) []string {
	argv := []string{
		"-batchmode",
		"-nographics",
		"-logFile", "-",
		"--server-port", fmt.Sprintf("%d", port),
	}
	return append(argv, extraArgs...)
}

// Spawn launches executable for the given desired server and wires its
// stdout/stderr through a fresh rotated log file. onExit fires once,
// asynchronously, when the process has fully exited, its log has been
// closed, and the port-liberation wait has completed.
func (sv *Supervisor) Spawn(ctx context.Context, port int, executable, version string, args []string, onExit ExitFunc) (*ChildInstance, error) {
	sink := logsink.New(sv.logsRoot, port)
	logFile, err := sink.OpenNewFile()
	if err != nil {
		return nil, fmt.Errorf("supervisor: open log file: %w", err)
	}

	argv := BuildArgv(port, args)
	cmd := exec.Command(executable, argv...)
	cmd.Dir = filepath.Dir(executable)
	cmd.Env = append(os.Environ(), envOverlay...)

	outW := logsink.NewTimestampWriter(logFile)
	errW := logsink.NewTimestampWriter(logFile)
	cmd.Stdout = outW
	cmd.Stderr = errW
	// A descendant the child forked can keep the stdout/stderr pipes open
	// after the child itself exits; bound how long Wait blocks on them.
	cmd.WaitDelay = time.Second

	kill.PrepareForChildren(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("supervisor: spawn %s: %w", executable, err)
	}

	ci := &ChildInstance{
		Port:      port,
		PID:       cmd.Process.Pid,
		Version:   version,
		Args:      args,
		SpawnTime: time.Now(),
		cmd:       cmd,
		outW:      outW,
		errW:      errW,
		logFile:   logFile,
	}

	slog.Info("supervisor.Spawn", "port", port, "pid", ci.PID, "version", version, "executable", executable)

	go sv.watchExit(ctx, ci, onExit)

	return ci, nil
}

// watchExit blocks on the child's exit, closes its log stream, waits for
// the port to become free, and then reports the exit reason.
func (sv *Supervisor) watchExit(ctx context.Context, ci *ChildInstance, onExit ExitFunc) {
	waitErr := ci.cmd.Wait()

	ci.outW.Close()
	ci.errW.Close()
	ci.logFile.Close()

	reason := ExitReason{}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			reason.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				reason.Signaled = true
				reason.SignalMsg = ws.Signal().String()
			}
		}
	}

	portCtx, cancel := context.WithTimeout(ctx, gracefulWait)
	defer cancel()
	portprobe.WaitUntilFree(portCtx, ci.Port, gracefulWait)

	slog.Info("supervisor: child exited", "port", ci.Port, "pid", ci.PID, "exitCode", reason.ExitCode, "signaled", reason.Signaled)

	if onExit != nil {
		onExit(reason)
	}
}

// Shutdown runs the bounded graceful-then-forceful termination sequence:
// SIGTERM, wait up to 2s for the port to free up, then SIGKILL (via a
// process-group-aware kill so orphaned descendants die too) and wait up
// to 1s more. It reports whether the port ended up free.
func (sv *Supervisor) Shutdown(ctx context.Context, ci *ChildInstance) (portFree bool, err error) {
	if ci == nil || ci.cmd.Process == nil {
		return true, nil
	}

	slog.Info("supervisor.Shutdown: sending SIGTERM", "port", ci.Port, "pid", ci.PID)
	if sigErr := ci.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
		slog.Warn("supervisor.Shutdown: SIGTERM failed, process may already be gone", "port", ci.Port, "error", sigErr)
	}

	if portprobe.WaitUntilFree(ctx, ci.Port, gracefulWait) {
		slog.Info("supervisor.Shutdown: stopped gracefully", "port", ci.Port)
		return true, nil
	}

	slog.Warn("supervisor.Shutdown: graceful wait expired, sending SIGKILL", "port", ci.Port, "pid", ci.PID)
	if killErr := kill.Kill(ci.cmd); killErr != nil {
		slog.Error("supervisor.Shutdown: SIGKILL failed", "port", ci.Port, "error", killErr)
	}

	if portprobe.WaitUntilFree(ctx, ci.Port, killedWait) {
		return true, nil
	}

	return false, fmt.Errorf("supervisor: port %d still in use after SIGKILL", ci.Port)
}
