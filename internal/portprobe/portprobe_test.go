package portprobe

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestIsFree(t *testing.T) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if IsFree(port) {
		t.Fatalf("expected port %d to be reported busy while listener is held", port)
	}

	ln.Close()

	if !WaitUntilFreeInterval(context.Background(), port, time.Second, 10*time.Millisecond) {
		t.Fatalf("expected port %d to become free after listener closed", port)
	}
}

func TestWaitUntilFreeTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if WaitUntilFreeInterval(context.Background(), port, 50*time.Millisecond, 10*time.Millisecond) {
		t.Fatalf("expected port %d still to be busy", port)
	}
}

func TestWaitUntilFreeCanceled(t *testing.T) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if WaitUntilFreeInterval(ctx, port, time.Second, 10*time.Millisecond) {
		t.Fatalf("expected canceled wait to report not free")
	}
}
