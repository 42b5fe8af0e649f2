package httpserver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/fableboard/roomcore/internal/config"
	"github.com/fableboard/roomcore/internal/metrics"
)

// OriginMiddleware enforces the browser-origin allowlist on routes that
// browsers connect to, the room socket in particular. Requests without an
// Origin header (curl, server-to-server) pass through; WebSocket upgrades
// from browsers always carry one.
func OriginMiddleware(cfg config.Config, m *metrics.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			normalized, err := config.NormalizeOrigin(originHeader)
			if err != nil || !originAllowed(normalized, r.Host, cfg.AllowedOrigins) {
				if m != nil {
					m.Inc(metrics.EventOriginRejected)
				}
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Add("Vary", "Origin")

			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed reports whether a normalized origin may connect. An empty
// allowlist means same-host only; "*" admits everything.
func originAllowed(normalized, requestHost string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == normalized {
			return true
		}
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	return hostOnly(u.Host) == hostOnly(requestHost)
}

func hostOnly(hostport string) string {
	host := hostport
	if i := strings.LastIndex(hostport, ":"); i >= 0 && !strings.HasSuffix(hostport, "]") {
		// Strip the port unless the string is a bare bracketed IPv6 literal.
		if !strings.Contains(hostport[i:], "]") {
			host = hostport[:i]
		}
	}
	return strings.ToLower(host)
}
