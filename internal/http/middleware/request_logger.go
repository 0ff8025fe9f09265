package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// quietPaths are polled by probes and scrapers and log at debug.
var quietPaths = map[string]bool{"/health": true, "/metrics": true}

// RequestLogger writes one line per request. Session webhooks carry the
// call ID and the matched route pattern so a call's turns can be followed
// without parsing paths.
func RequestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"request_id", requestID(r),
				"duration_ms", time.Since(started).Milliseconds(),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, "route", pattern)
				}
				if callID := rctx.URLParam("callID"); callID != "" {
					attrs = append(attrs, "call_id", callID)
				}
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.Error("request failed", attrs...)
			case status >= http.StatusBadRequest:
				logger.Warn("request rejected", attrs...)
			case quietPaths[r.URL.Path]:
				logger.Debug("request completed", attrs...)
			default:
				logger.Info("request completed", attrs...)
			}
		})
	}
}

func requestID(r *http.Request) string {
	if id := chimw.GetReqID(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}
