package security

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(strings.Trim(hostport, "[]"))
}

// HostAllowed matches host against patterns. "*" matches anything and a
// leading dot matches the domain and all of its subdomains.
func HostAllowed(host string, patterns []string) bool {
	host = hostOnly(host)
	for _, p := range patterns {
		p = strings.ToLower(p)
		switch {
		case p == "*":
			return true
		case strings.HasPrefix(p, "."):
			if host == p[1:] || strings.HasSuffix(host, p) {
				return true
			}
		case host == p:
			return true
		}
	}
	return false
}

// AllowedHosts answers 400 to requests whose Host header is not listed. In
// debug mode an empty list allows local development hosts.
func AllowedHosts(hosts []string, debug bool, log *zap.Logger) func(http.Handler) http.Handler {
	if len(hosts) == 0 && debug {
		hosts = []string{"localhost", "127.0.0.1", "::1", ".localhost"}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HostAllowed(r.Host, hosts) {
				log.Warn("Invalid HTTP_HOST header", zap.String("host", r.Host))
				http.Error(w, "Bad Request (400)", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// TrustedOrigins refuses state-changing requests whose Origin header names
// neither the requested host nor one of trusted ("https://app.example.com").
// Requests without an Origin header pass.
func TrustedOrigins(trusted []string, log *zap.Logger) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(trusted))
	for _, o := range trusted {
		allowed[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if isSafeMethod(r.Method) || origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := allowed[strings.ToLower(origin)]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if u, err := url.Parse(origin); err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host) {
				next.ServeHTTP(w, r)
				return
			}

			log.Warn("Forbidden cross-origin request",
				zap.String("origin", origin),
				zap.String("path", r.URL.Path))
			http.Error(w, "Forbidden (403): origin not trusted", http.StatusForbidden)
		})
	}
}

func Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}
