package middleware

import (
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/quillframe/quillexec/internal/logger"
	"github.com/quillframe/quillexec/internal/metrics"
)

// RequestLogger logs each request and feeds the HTTP metric families.
func RequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			status := strconv.Itoa(ww.Status())
			metrics.RecordHTTPRequest(r.Method, r.URL.Path, status, duration.Seconds())

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("status", status).
				Dur("duration", duration).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
