package main

import (
	"log/slog"
	"net"
	"net/url"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.Janus.APISecret == "" && cfg.Janus.Token == "" {
		logger.Warn("startup security warning: no JANUS_API_SECRET or JANUS_TOKEN while --mode=prod (gateway API must not be reachable by clients)",
			"warning_code", "janus_unauthenticated_in_prod",
			"janus_host", safeURLHost(cfg.Janus.URL),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && safeURLScheme(cfg.Janus.URL) == "http" && !isLoopbackHost(safeURLHostname(cfg.Janus.URL)) {
		logger.Warn("startup security warning: JANUS_URL uses plain http to a non-loopback host while --mode=prod",
			"warning_code", "janus_url_plaintext",
			"janus_host", safeURLHost(cfg.Janus.URL),
			"mode", cfg.Mode,
		)
	}

	// Janus reaps sessions after session_timeout (60s by default) without
	// traffic; a long poll counts, but only while it is running.
	if cfg.Janus.KeepAliveInterval == 0 || cfg.Janus.KeepAliveInterval > time.Minute {
		logger.Warn("startup warning: JANUS_KEEPALIVE_INTERVAL is disabled or above the gateway's default session timeout",
			"warning_code", "janus_keepalive_interval",
			"janus_keepalive_interval", cfg.Janus.KeepAliveInterval,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func safeURLHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func safeURLHostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func safeURLScheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
