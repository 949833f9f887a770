// Command serverlauncher-agent runs the per-host game-server supervisor:
// it loads the persisted desired server set, starts the reconcile loop,
// and serves the HTTPS RPC facade an orchestrator drives remotely.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/siegeup/serverlauncher/internal/buildstore"
	"github.com/siegeup/serverlauncher/internal/certs"
	"github.com/siegeup/serverlauncher/internal/osutil"
	"github.com/siegeup/serverlauncher/internal/reconciler"
	"github.com/siegeup/serverlauncher/internal/rpcfacade"
	"github.com/siegeup/serverlauncher/internal/state"
	"github.com/siegeup/serverlauncher/internal/supervisor"
)

const watchInterval = 2000 * time.Millisecond

// CLI is intentionally minimal: the only flag the spec names is the
// listen port. Everything else is environment-driven, with an optional
// YAML config file (see kong.Configuration below) as a third override
// layer beneath the flag and above the built-in default.
type CLI struct {
	Port int `default:"8443" help:"TCP port the HTTPS RPC facade listens on."`

	Completion kongcompletion.Cmd `cmd:"" help:"Output shell completion code for bash, fish or zsh."`
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("serverlauncher-agent"),
		kong.Description("Per-host supervisor for game-server instances."),
		kong.Configuration(kongyaml.Loader, "serverlauncher-agent.yaml", "~/.siegeup/config.yaml"),
	)
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if kctx.Command() == "completion" {
		kctx.FatalIfErrorf(kctx.Run())
		return
	}

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(baseDir string) {
	logger := slog.New(slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   filepath.Join(baseDir, "agent.log"),
		MaxSize:    50, // MiB
		MaxBackups: 5,
		MaxAge:     30, // days
	}, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
}

func baseDir() (string, error) {
	if dir := os.Getenv("SETTINGS_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".siegeup"), nil
}

func run(cli CLI) error {
	base, err := baseDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(base, 0o750); err != nil {
		return fmt.Errorf("create base dir %s: %w", base, err)
	}

	initLogging(base)
	slog.Info("serverlauncher-agent starting", "baseDir", base, "port", cli.Port)

	buildsDir := os.Getenv("BUILDS_DIR")
	if buildsDir == "" {
		buildsDir = filepath.Join(base, "builds")
	}

	st := state.New(filepath.Join(base, "settings.json"))
	if err := st.Load(); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	bs := buildstore.New(buildsDir, osutil.NewDefaultFileOps())
	if err := bs.EnsureRoot(); err != nil {
		return fmt.Errorf("ensure builds root: %w", err)
	}

	sv := supervisor.New(filepath.Join(base, "logs"))
	engine := reconciler.New(sv, bs, st, watchInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	facade := rpcfacade.New(st, bs, engine, filepath.Join(base, "logs"))

	hostname, _ := os.Hostname()
	externalIP, ipErr := certs.ExternalIPv4()
	if ipErr != nil {
		slog.Warn("could not determine external IPv4, certificate SAN will omit it", "error", ipErr)
	}
	var extraIPs []net.IP
	if externalIP != nil {
		extraIPs = []net.IP{externalIP}
	}
	cert, err := certs.EnsureCertificate(base, hostname, extraIPs, nil)
	if err != nil {
		return fmt.Errorf("ensure certificate: %w", err)
	}

	go registerWithOrchestrator(hostname, cli.Port)

	server := &http.Server{
		Addr:      fmt.Sprintf(":%d", cli.Port),
		Handler:   facade.Handler(),
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		slog.Info("serverlauncher-agent: signal received, shutting down listener")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("serverlauncher-agent: listening", "addr", server.Addr)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("https listener: %w", err)
	}
	return nil
}

// registerWithOrchestrator logs the configured ORCHESTRATOR_URL together
// with this agent's hostname and port. It sends no request to the
// orchestrator, and it never affects the agent's ability to serve requests.
func registerWithOrchestrator(hostname string, port int) {
	url := os.Getenv("ORCHESTRATOR_URL")
	if url == "" {
		return
	}
	slog.Info("registerWithOrchestrator", "url", url, "hostname", hostname, "port", port)
}
