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

	"github.com/fableboard/roomcore/internal/config"
	"github.com/fableboard/roomcore/internal/httpserver"
	"github.com/fableboard/roomcore/internal/iceconfig"
	"github.com/fableboard/roomcore/internal/metrics"
	"github.com/fableboard/roomcore/internal/relay"
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

	logger.Info("starting fableboard-room-relay",
		"listen_addr", cfg.ListenAddr,
		"max_rooms", cfg.MaxRooms,
		"max_peers_per_room", cfg.MaxPeersPerRoom,
		"max_frame_bytes", cfg.MaxFrameBytes,
		"max_frames_per_second", cfg.MaxFramesPerSecond,
		"send_queue_depth", cfg.SendQueueDepth,
		"socket_idle_timeout", cfg.SocketIdleTimeout,
		"socket_ping_interval", cfg.SocketPingInterval,
	)

	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	hub := relay.NewHub(relayConfig(cfg), logger, m)
	ws := relay.NewWebSocketServer(hub, logger, nil)

	iceProvider, err := iceconfig.New(iceconfig.Config{
		Servers:          cfg.ICEServers,
		TURNSharedSecret: cfg.TURNRESTSharedSecret,
		CredentialTTL:    cfg.TURNRESTCredentialTTL,
		UsernamePrefix:   cfg.TURNRESTUsernamePrefix,
	})
	if err != nil {
		logger.Error("failed to configure ice servers", "err", err)
		os.Exit(2)
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime))
	ws.RegisterRoutes(srv.Mux(), httpserver.OriginMiddleware(cfg, m))
	srv.Mux().Handle("GET /ice", httpserver.ICEConfigHandler(iceProvider))

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		hub.Close()
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	hub.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func relayConfig(cfg config.Config) relay.Config {
	return relay.Config{
		MaxRooms:           cfg.MaxRooms,
		MaxPeersPerRoom:    cfg.MaxPeersPerRoom,
		MaxFrameBytes:      cfg.MaxFrameBytes,
		MaxFramesPerSecond: cfg.MaxFramesPerSecond,
		SendQueueDepth:     cfg.SendQueueDepth,
		IdleTimeout:        cfg.SocketIdleTimeout,
		PingInterval:       cfg.SocketPingInterval,
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
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

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
