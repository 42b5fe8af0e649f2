package main

import (
	"log/slog"
	"strings"

	"github.com/fableboard/roomcore/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
		)
	}

	if cfg.MaxRooms <= 0 {
		logger.Warn("startup security warning: MAX_ROOMS is unset/0 (unlimited rooms)",
			"warning_code", "max_rooms_unlimited",
			"max_rooms", cfg.MaxRooms,
		)
	}

	if cfg.MaxPeersPerRoom <= 0 {
		logger.Warn("startup security warning: MAX_PEERS_PER_ROOM is unset/0 (unlimited peers per room)",
			"warning_code", "max_peers_per_room_unlimited",
			"max_peers_per_room", cfg.MaxPeersPerRoom,
		)
	}

	if cfg.MaxFramesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_FRAMES_PER_SECOND is unset/0 (per-peer frame rate limiting disabled)",
			"warning_code", "frame_rate_limit_disabled",
			"max_frames_per_second", cfg.MaxFramesPerSecond,
		)
	}

	if cfg.TURNRESTSharedSecret != "" && !anyTURNServer(cfg) {
		logger.Warn("startup warning: TURN_REST_SHARED_SECRET is set but ICE_SERVERS_JSON has no TURN entries",
			"warning_code", "turn_rest_without_turn_servers",
			"ice_servers", len(cfg.ICEServers),
		)
	}

	// Large frames weaken the relay's oversized message DoS hardening.
	if cfg.MaxFrameBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_FRAME_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_frame_bytes_large",
			"max_frame_bytes", cfg.MaxFrameBytes,
		)
	}
}

func anyTURNServer(cfg config.Config) bool {
	for _, server := range cfg.ICEServers {
		for _, raw := range server.URLs {
			url := strings.ToLower(strings.TrimSpace(raw))
			if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
				return true
			}
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
