package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
)

const secretHeader = "x-internal-secret"

// adminAuth requires valid basic auth credentials and the internal secret,
// given either as header or as the secret query parameter.
func adminAuth(creds Credentials, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || creds.Username == "" || creds.Password == "" ||
			!equal(username, creds.Username) || !equal(password, creds.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Admin Area", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if creds.InternalSecret == "" ||
			!(equal(r.Header.Get(secretHeader), creds.InternalSecret) ||
				equal(r.URL.Query().Get("secret"), creds.InternalSecret)) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(logger *slog.Logger, slow time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
		}
		switch {
		case m.Code >= http.StatusInternalServerError:
			logger.Error("request failed", attrs...)
		case slow > 0 && m.Duration >= slow:
			logger.Warn("slow request", attrs...)
		default:
			logger.Debug("request handled", attrs...)
		}
	})
}
