package httpserver

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/cors"
	"github.com/samber/lo"
)

// originPolicy gates browser requests by their Origin header.
//
// With an allow list, only listed origins (or "*") pass. Without one, the
// origin's host[:port] must match the request Host. Scheme is ignored for the
// same-host check since TLS is often terminated in front of the relay.
//
// Disallowed origins get 403 before routing, which also covers the signaling
// WebSocket upgrade where browsers do not enforce CORS.
type originPolicy struct {
	allowed []string
	cors    *cors.Cors
}

func newOriginPolicy(allowed []string) *originPolicy {
	p := &originPolicy{allowed: allowed}
	p.cors = cors.New(cors.Options{
		AllowOriginRequestFunc: p.allowRequest,
		AllowedMethods:         []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:         []string{"*"},
		ExposedHeaders:         []string{"X-Request-ID"},
		AllowCredentials:       true,
		MaxAge:                 600,
	})
	return p
}

func (p *originPolicy) middleware() Middleware {
	return func(next http.Handler) http.Handler {
		wrapped := p.cors.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := strings.TrimSpace(r.Header.Get("Origin")); raw != "" && !p.allowRequest(r, raw) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

func (p *originPolicy) allowRequest(r *http.Request, raw string) bool {
	origin, host, ok := normalizeOrigin(raw)
	if !ok {
		return false
	}
	if len(p.allowed) > 0 {
		return lo.Contains(p.allowed, "*") || lo.Contains(p.allowed, origin)
	}
	if origin == "null" {
		return false
	}
	scheme, _, _ := strings.Cut(origin, "://")
	reqHost, ok := canonicalHost(scheme, r.Host)
	return ok && reqHost == host
}

// normalizeOrigin returns scheme://host[:port] and host[:port], lowercased
// with default ports removed. The opaque origin "null" is returned as-is.
func normalizeOrigin(raw string) (origin, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "null" {
		return "null", "", true
	}
	u, err := url.Parse(raw)
	if err != nil || u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(scheme, u.Host)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func canonicalHost(scheme, authority string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}
	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		if n, err := strconv.Atoi(p); err != nil || n <= 0 || n > 65535 {
			return "", false
		}
		hostname, port = h, p
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		hostname = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		return "", false
	}
	if hostname == "" {
		return "", false
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}
