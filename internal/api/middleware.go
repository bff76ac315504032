package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"huddle.is/huddle/internal/clock"
)

// accessLogWriter captures the status code and byte count for the access
// log and keeps Hijack available for the WebSocket upgrade.
type accessLogWriter struct {
	http.ResponseWriter
	status   int
	size     int
	hijacked bool
}

func (w *accessLogWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *accessLogWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *accessLogWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *accessLogWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.hijacked = true
	return h.Hijack()
}

// routeLabel collapses request paths to a bounded label set. Handshake
// paths carry the bearer token and must never reach a metric label.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/"):
		return path
	case path == "/metrics", path == "/healthz", path == "/livez", path == "/readyz":
		return path
	default:
		return "/connect"
	}
}

// accessLog records every request to the log and the API metrics.
// Operational probe endpoints are skipped to keep the log quiet.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		rw := &accessLogWriter{ResponseWriter: w}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		route := routeLabel(r.URL.Path)
		if route == "/metrics" || route == "/healthz" || route == "/livez" || route == "/readyz" {
			return
		}

		status := rw.status
		if rw.hijacked {
			// The upgrade succeeded; report it as the 101 it was.
			status = http.StatusSwitchingProtocols
		} else if status == 0 {
			status = http.StatusOK
		}

		s.registry.RecordAPIRequest(r.Method, route, status, duration.Seconds())

		logFn := s.logger.Info
		if status >= 500 {
			logFn = s.logger.Error
		} else if status >= 400 {
			logFn = s.logger.Warn
		}
		logFn("Request",
			"method", r.Method,
			"path", route,
			"remote", getClientIP(r),
			"status", status,
			"size", rw.size,
			"duration", duration.Round(time.Millisecond).String(),
		)
	})
}

// recoverer converts handler panics into 500 responses and publishes them
// to the analytics sink. The process stays up.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.hub.EmitPanic("api", fmt.Sprint(v))
				s.logger.Error("Handler panic",
					"path", routeLabel(r.URL.Path), "panic", v)
				if rw, ok := w.(*accessLogWriter); !ok || !rw.hijacked {
					WriteError(w, http.StatusInternalServerError, "internal error")
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}
