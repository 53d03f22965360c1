package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
)

// KeyFunc derives the rate limit key for a request. An empty key skips
// limiting.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over the limit by calling reject, which
// writes the response. Limiter errors are logged and the request proceeds.
func Middleware(l Limiter, key KeyFunc, logger *slog.Logger, reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := l.Allow(r.Context(), k)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", k, "error", err)
				ok = true
			}
			if !ok {
				w.Header().Set("Retry-After", "1")
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey keys by the event's user when the caller names one in the
// X-Shikake-User header, else by remote IP. X-Forwarded-For is not trusted.
func ClientKey(r *http.Request) string {
	if u := r.Header.Get("X-Shikake-User"); u != "" {
		return "user:" + u
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
