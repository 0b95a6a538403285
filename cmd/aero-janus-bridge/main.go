package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/auth"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/bridge"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/config"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/janus-bridge/janus"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-janus-bridge",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"janus_url", cfg.Janus.URL,
		"janus_plugin", cfg.Janus.Plugin,
		"janus_keepalive_interval", cfg.Janus.KeepAliveInterval,
		"auth_mode", cfg.AuthMode,
		"max_sessions", cfg.MaxSessions,
	)

	logStartupSecurityWarnings(logger, cfg)

	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.APIKey)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	bridgeCfg := bridge.ConfigFrom(cfg, verifier)
	bridgeCfg.Metrics = m
	bridgeCfg.JanusMetrics = janus.NewMetrics(reg)
	bridgeCfg.Logger = logger
	br, err := bridge.NewServer(bridgeCfg)
	if err != nil {
		logger.Error("failed to configure janus bridge", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Metrics:    m,
		Gatherer:   reg,
		ReadyCheck: br.Ready,
	})
	br.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		br.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSockets are not tracked by http.Server; close them (and their
	// Janus sessions) first.
	if err := br.Shutdown(shutdownCtx); err != nil {
		logger.Error("janus bridge shutdown incomplete", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags win; `go run` and dev builds fall back to the VCS stamp.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
