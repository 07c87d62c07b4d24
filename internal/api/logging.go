package api

import (
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

var debugLogging atomic.Bool

// SetDebugLogging enables verbose debug logs for HTTP/WebSocket layer.
func SetDebugLogging(enabled bool) {
	debugLogging.Store(enabled)
}

func logDebugf(format string, args ...any) {
	if debugLogging.Load() {
		log.Printf(format, args...)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// logRequests пишет строку на запрос в режиме отладки.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !debugLogging.Load() {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[http] %s %s -> %d (%s)", r.Method, r.URL.RequestURI(), rec.status, time.Since(start).Round(time.Microsecond))
	})
}
