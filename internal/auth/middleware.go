package auth

import (
	"log/slog"
	"net/http"
	"time"

	"VaultTrader/pkg/logger"
)

// Middleware 返回一个 HTTP 中间件，认证失败时返回 401 并写入审计日志。
// event 为审计日志中的事件名，为空时使用请求路径。
func (a *Authenticator) Middleware(event string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := a.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				http.Error(w, http.StatusText(status), status)
				a.auditLogger().Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			name := event
			if name == "" {
				name = r.URL.Path
			}
			a.auditLogger().Info("api_request",
				slog.String("event", name),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", subject.Name),
			)
		})
	}
}

func (a *Authenticator) auditLogger() *slog.Logger {
	if a.audit != nil {
		return a.audit
	}
	return logger.Audit()
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
