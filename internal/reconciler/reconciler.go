// Package reconciler implements the periodic control loop that compares
// the desired server set against observed child processes and drives the
// Process Supervisor to start, stop, or replace instances.
//
// Following the design note that a single owning task consuming a channel
// of commands avoids locks while preserving the spec's ordering guarantees,
// the children and lastErrors maps are touched only by the goroutine
// running Engine.Run. Every other goroutine — HTTP handlers, the ticker,
// a child's exit watcher — submits a command and, where it needs a result,
// blocks on a per-call reply channel.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siegeup/serverlauncher/internal/buildstore"
	"github.com/siegeup/serverlauncher/internal/state"
	"github.com/siegeup/serverlauncher/internal/supervisor"
)

// DesiredProvider is the read side of the State Store the reconciler
// consults every tick.
type DesiredProvider interface {
	Servers() []state.DesiredServer
}

// ChildSnapshot is a read-only view of one running child, for /status.
type ChildSnapshot struct {
	Port      int
	PID       int
	Version   string
	SpawnTime time.Time
}

// SnapshotResult is the reply to a Snapshot call.
type SnapshotResult struct {
	Children   []ChildSnapshot
	LastErrors map[int]string
}

type trackedChild struct {
	ci       *supervisor.ChildInstance
	stopping bool
}

// Engine owns the reconcile loop and the volatile children/lastErrors maps.
type Engine struct {
	supervisor    *supervisor.Supervisor
	buildStore    *buildstore.Store
	desired       DesiredProvider
	watchInterval time.Duration

	cmds chan any

	children   map[int]*trackedChild
	lastErrors map[int]string
}

// New returns an Engine. Call Run to start the loop.
func New(sv *supervisor.Supervisor, bs *buildstore.Store, desired DesiredProvider, watchInterval time.Duration) *Engine {
	return &Engine{
		supervisor:    sv,
		buildStore:    bs,
		desired:       desired,
		watchInterval: watchInterval,
		cmds:          make(chan any, 16),
		children:      map[int]*trackedChild{},
		lastErrors:    map[int]string{},
	}
}

// Run blocks, processing commands and firing reconcile ticks, until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) {
	go e.tickLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			e.handle(ctx, cmd)
		}
	}
}

// tickLoop enqueues a tick command on the fixed cadence, never enqueuing
// the next one until the previous has been fully processed — this is what
// guarantees ticks never overlap.
func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done := make(chan struct{})
			select {
			case e.cmds <- cmdTick{done: done}:
			case <-ctx.Done():
				return
			}
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}
}

type cmdTick struct{ done chan struct{} }

type cmdStopPort struct {
	port  int
	reply chan error
}

type cmdStopResult struct {
	port     int
	portFree bool
	err      error
	reply    chan error
}

type cmdChildExited struct {
	port   int
	reason supervisor.ExitReason
}

type cmdSnapshot struct{ reply chan SnapshotResult }

type cmdShutdownAll struct{ reply chan error }

type cmdLiveVersions struct{ reply chan map[string]struct{} }

func (e *Engine) handle(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case cmdTick:
		e.runTick(ctx)
		close(c.done)
	case cmdStopPort:
		e.handleStopPort(ctx, c)
	case cmdStopResult:
		e.handleStopResult(c)
	case cmdChildExited:
		e.handleChildExited(c)
	case cmdSnapshot:
		c.reply <- e.snapshot()
	case cmdShutdownAll:
		e.handleShutdownAll(ctx, c)
	case cmdLiveVersions:
		c.reply <- e.liveVersions()
	default:
		slog.Warn("reconciler: unknown command", "type", fmt.Sprintf("%T", cmd))
	}
}

// runTick performs one reconcile pass: start any desired server missing a
// live child, per §4.5. A per-port failure is recorded in lastErrors and
// never prevents the other ports from being reconciled.
func (e *Engine) runTick(ctx context.Context) {
	for _, s := range e.desired.Servers() {
		if _, exists := e.children[s.Port]; exists {
			continue
		}
		if !s.Run {
			continue
		}

		executable, err := e.buildStore.FindExecutable(s.Version)
		if err != nil {
			e.lastErrors[s.Port] = fmt.Sprintf("Executable not found for version %q", s.Version)
			continue
		}

		port := s.Port
		ci, err := e.supervisor.Spawn(ctx, s.Port, executable, s.Version, s.Args, func(reason supervisor.ExitReason) {
			e.cmds <- cmdChildExited{port: port, reason: reason}
		})
		if err != nil {
			e.lastErrors[s.Port] = fmt.Sprintf("failed to launch: %v", err)
			continue
		}

		e.children[s.Port] = &trackedChild{ci: ci}
		delete(e.lastErrors, s.Port)
	}
}

func (e *Engine) handleStopPort(ctx context.Context, c cmdStopPort) {
	tc, ok := e.children[c.port]
	if !ok {
		c.reply <- nil
		return
	}
	if tc.stopping {
		// A stop is already in flight for this port; treat this one as a
		// no-op rather than racing two shutdown attempts on one child.
		c.reply <- nil
		return
	}
	tc.stopping = true

	go func(port int, ci *supervisor.ChildInstance, reply chan error) {
		portFree, err := e.supervisor.Shutdown(ctx, ci)
		e.cmds <- cmdStopResult{port: port, portFree: portFree, err: err, reply: reply}
	}(c.port, tc.ci, c.reply)
}

func (e *Engine) handleStopResult(c cmdStopResult) {
	tc, ok := e.children[c.port]
	if !ok {
		c.reply <- c.err
		return
	}
	if c.portFree {
		delete(e.children, c.port)
		delete(e.lastErrors, c.port)
	} else {
		tc.stopping = false
		e.lastErrors[c.port] = fmt.Sprintf("shutdown timed out: %v", c.err)
	}
	c.reply <- c.err
}

func (e *Engine) handleChildExited(c cmdChildExited) {
	tc, ok := e.children[c.port]
	if !ok {
		return
	}
	if tc.stopping {
		// An explicit Shutdown owns cleanup for this port; let cmdStopResult
		// finish the job instead of racing it here.
		return
	}

	delete(e.children, c.port)
	if c.reason.ExitCode != 0 || c.reason.Signaled {
		e.lastErrors[c.port] = fmt.Sprintf(
			"server on port %d exited abnormally (code=%d signaled=%v); see logs for details",
			c.port, c.reason.ExitCode, c.reason.Signaled,
		)
	} else {
		delete(e.lastErrors, c.port)
	}
}

func (e *Engine) snapshot() SnapshotResult {
	out := SnapshotResult{LastErrors: make(map[int]string, len(e.lastErrors))}
	for port, tc := range e.children {
		out.Children = append(out.Children, ChildSnapshot{
			Port:      port,
			PID:       tc.ci.PID,
			Version:   tc.ci.Version,
			SpawnTime: tc.ci.SpawnTime,
		})
	}
	for port, msg := range e.lastErrors {
		out.LastErrors[port] = msg
	}
	return out
}

func (e *Engine) liveVersions() map[string]struct{} {
	m := make(map[string]struct{}, len(e.children))
	for _, tc := range e.children {
		m[tc.ci.Version] = struct{}{}
	}
	return m
}

// handleShutdownAll concurrently shuts down every tracked child. It runs
// on the owner goroutine and blocks it until every shutdown resolves —
// acceptable because its only caller, /update, exits the process right
// after, so no further reconciliation can happen anyway.
func (e *Engine) handleShutdownAll(ctx context.Context, c cmdShutdownAll) {
	var g errgroup.Group
	for port, tc := range e.children {
		port, tc := port, tc
		g.Go(func() error {
			_, err := e.supervisor.Shutdown(ctx, tc.ci)
			if err != nil {
				slog.Error("reconciler.ShutdownAll: port failed to stop", "port", port, "error", err)
			}
			return err
		})
	}
	err := g.Wait()
	e.children = map[int]*trackedChild{}
	c.reply <- err
}

// StopPort synchronously shuts down the child on port, if any, and blocks
// until the shutdown sequence (graceful SIGTERM, then SIGKILL) completes.
// If a stop for that port is already in flight, it returns nil at once
// without waiting for that stop to finish.
func (e *Engine) StopPort(ctx context.Context, port int) error {
	reply := make(chan error, 1)
	select {
	case e.cmds <- cmdStopPort{port: port, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current observed state.
func (e *Engine) Snapshot(ctx context.Context) (SnapshotResult, error) {
	reply := make(chan SnapshotResult, 1)
	select {
	case e.cmds <- cmdSnapshot{reply: reply}:
	case <-ctx.Done():
		return SnapshotResult{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return SnapshotResult{}, ctx.Err()
	}
}

// ShutdownAll gracefully stops every running child, for /update.
func (e *Engine) ShutdownAll(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case e.cmds <- cmdShutdownAll{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LiveVersions returns the atomic snapshot of build versions currently in
// use by a running child, for /purge's safety check (P3).
func (e *Engine) LiveVersions(ctx context.Context) (map[string]struct{}, error) {
	reply := make(chan map[string]struct{}, 1)
	select {
	case e.cmds <- cmdLiveVersions{reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
