package middleware

import (
	"net/http"
	"time"

	"github.com/pharmportal/internal/logger"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус и время выполнения (асинхронно).
// Ответы 5xx пишутся всегда, остальные при LOG_LEVEL=debug или если запрос медленный.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap, ok := w.(*responseWriter)
		if !ok {
			wrap = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, start)()
		next.ServeHTTP(wrap, r)
		if wrap.status >= http.StatusInternalServerError {
			logger.Errorf("http %s %s status=%d", r.Method, r.URL.Path, wrap.status)
		} else {
			logger.Debugf("http %s %s status=%d", r.Method, r.URL.Path, wrap.status)
		}
	})
}
