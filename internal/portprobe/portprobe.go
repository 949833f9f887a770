// Package portprobe answers one question: is a TCP port bindable on this
// host right now. The reconciler treats port liberation, not process exit,
// as the authoritative signal that a child has actually stopped.
package portprobe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const defaultPollInterval = 100 * time.Millisecond

// IsFree reports whether a TCP listener can be bound to 0.0.0.0:port right
// now. The probe listener is always closed before returning, on both the
// success and failure paths.
func IsFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// WaitUntilFree polls IsFree at defaultPollInterval until it returns true
// or the timeout elapses, returning whether the port became free in time.
func WaitUntilFree(ctx context.Context, port int, timeout time.Duration) bool {
	return WaitUntilFreeInterval(ctx, port, timeout, defaultPollInterval)
}

// WaitUntilFreeInterval is WaitUntilFree with a caller-supplied poll
// interval, mainly so tests don't have to wait on the real 100ms cadence.
func WaitUntilFreeInterval(ctx context.Context, port int, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if IsFree(port) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "portprobe.WaitUntilFree canceled", "port", port)
			return false
		case <-time.After(interval):
		}
	}
}
