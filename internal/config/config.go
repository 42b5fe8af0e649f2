// Package config loads the room relay's configuration from environment
// variables, with a small set of command-line flags for the values most
// commonly overridden in development.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "ROOM_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "ROOM_RELAY_LOG_FORMAT"
	envVarLogLevel        = "ROOM_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "ROOM_RELAY_SHUTDOWN_TIMEOUT"

	// Room and peer quotas.
	envVarMaxRooms        = "MAX_ROOMS"
	envVarMaxPeersPerRoom = "MAX_PEERS_PER_ROOM"

	// Inbound frame hardening, applied per attached peer.
	envVarMaxFrameBytes      = "MAX_FRAME_BYTES"
	envVarMaxFramesPerSecond = "MAX_FRAMES_PER_SECOND"
	envVarSendQueueDepth     = "SEND_QUEUE_DEPTH"
	envVarSocketIdleTimeout  = "SOCKET_IDLE_TIMEOUT"
	envVarSocketPingInterval = "SOCKET_PING_INTERVAL"

	// ICE configuration served to peers via GET /ice.
	envVarICEServersJSON         = "ICE_SERVERS_JSON"
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTCredentialTTL  = "TURN_REST_CREDENTIAL_TTL"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultMaxRooms        = 0 // unlimited
	DefaultMaxPeersPerRoom = 16

	DefaultMaxFrameBytes      = 64 * 1024
	DefaultMaxFramesPerSecond = 50
	// DefaultSendQueueDepth bounds outbound fan-out buffering per peer. A peer
	// that falls this far behind is detached rather than allowed to stall the
	// room.
	DefaultSendQueueDepth     = 256
	DefaultSocketIdleTimeout  = 60 * time.Second
	DefaultSocketPingInterval = 25 * time.Second

	DefaultTURNRESTCredentialTTL  = time.Hour
	DefaultTURNRESTUsernamePrefix = "fableboard"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string

	// AllowedOrigins is the normalized browser-origin allowlist for WebSocket
	// upgrades. Empty means same-host only; a single "*" allows any origin.
	AllowedOrigins []string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	MaxRooms        int
	MaxPeersPerRoom int

	MaxFrameBytes      int
	MaxFramesPerSecond int
	SendQueueDepth     int
	SocketIdleTimeout  time.Duration
	SocketPingInterval time.Duration

	// ICEServers is the static list served to peers. TURN entries may omit
	// credentials when TURN REST minting is configured.
	ICEServers             []webrtc.ICEServer
	TURNRESTSharedSecret   string
	TURNRESTCredentialTTL  time.Duration
	TURNRESTUsernamePrefix string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:         envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ShutdownTimeout:    DefaultShutdownTimeout,
		MaxRooms:           DefaultMaxRooms,
		MaxPeersPerRoom:    DefaultMaxPeersPerRoom,
		MaxFrameBytes:      DefaultMaxFrameBytes,
		MaxFramesPerSecond: DefaultMaxFramesPerSecond,
		SendQueueDepth:     DefaultSendQueueDepth,
		SocketIdleTimeout:  DefaultSocketIdleTimeout,
		SocketPingInterval: DefaultSocketPingInterval,

		TURNRESTCredentialTTL:  DefaultTURNRESTCredentialTTL,
		TURNRESTUsernamePrefix: DefaultTURNRESTUsernamePrefix,
	}

	var err error
	if cfg.LogFormat, err = parseLogFormat(envOrDefault(lookup, envVarLogFormat, string(LogFormatText))); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info")); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, "")); err != nil {
		return Config{}, err
	}

	for _, dur := range []struct {
		key string
		dst *time.Duration
	}{
		{envVarShutdownTimeout, &cfg.ShutdownTimeout},
		{envVarSocketIdleTimeout, &cfg.SocketIdleTimeout},
		{envVarSocketPingInterval, &cfg.SocketPingInterval},
		{envVarTURNRESTCredentialTTL, &cfg.TURNRESTCredentialTTL},
	} {
		if raw, ok := lookup(dur.key); ok && strings.TrimSpace(raw) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", dur.key, raw, err)
			}
			*dur.dst = d
		}
	}

	for _, num := range []struct {
		key string
		dst *int
	}{
		{envVarMaxRooms, &cfg.MaxRooms},
		{envVarMaxPeersPerRoom, &cfg.MaxPeersPerRoom},
		{envVarMaxFrameBytes, &cfg.MaxFrameBytes},
		{envVarMaxFramesPerSecond, &cfg.MaxFramesPerSecond},
		{envVarSendQueueDepth, &cfg.SendQueueDepth},
	} {
		if *num.dst, err = envIntOrDefault(lookup, num.key, *num.dst); err != nil {
			return Config{}, err
		}
		if *num.dst < 0 {
			return Config{}, fmt.Errorf("invalid %s: must be >= 0", num.key)
		}
	}

	if cfg.SocketPingInterval > 0 && cfg.SocketIdleTimeout > 0 && cfg.SocketPingInterval >= cfg.SocketIdleTimeout {
		return Config{}, fmt.Errorf("%s (%v) must be shorter than %s (%v)",
			envVarSocketPingInterval, cfg.SocketPingInterval, envVarSocketIdleTimeout, cfg.SocketIdleTimeout)
	}

	if raw, ok := lookup(envVarICEServersJSON); ok && strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ICEServers); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarICEServersJSON, err)
		}
		for i, server := range cfg.ICEServers {
			if len(server.URLs) == 0 {
				return Config{}, fmt.Errorf("invalid %s: server %d has no urls", envVarICEServersJSON, i)
			}
		}
	}
	cfg.TURNRESTSharedSecret = envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	cfg.TURNRESTUsernamePrefix = envOrDefault(lookup, envVarTURNRESTUsernamePrefix, cfg.TURNRESTUsernamePrefix)
	if cfg.TURNRESTCredentialTTL <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarTURNRESTCredentialTTL)
	}

	fs := flag.NewFlagSet("fableboard-room-relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address (host:port)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalized, err := NormalizeOrigin(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com): %w", entry, err)
		}
		out = append(out, normalized)
	}

	return out, nil
}

// NormalizeOrigin validates and canonicalizes a browser origin: lowercase
// scheme and host, default ports stripped. The special value "null" (opaque
// origins such as sandboxed iframes) is returned as-is.
func NormalizeOrigin(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "null" {
		return "null", nil
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", fmt.Errorf("not a bare origin")
	}

	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	return strings.ToLower(u.Scheme) + "://" + host, nil
}
