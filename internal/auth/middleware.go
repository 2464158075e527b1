package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Require 返回要求调用方拥有 perms 的 HTTP 中间件。event 是审计日志中的事件名。
// 认证关闭时请求直接放行，决策人记为 AnonymousName。
func (s *Service) Require(event string, perms ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !s.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				s.deny(w, r, event, subject, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			s.audit.Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", subject.Name),
			)
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, event string, subject *Subject, err error) {
	status, code, auditEvent := http.StatusUnauthorized, "UNAUTHORIZED", "access_denied"
	if errors.Is(err, ErrPermissionDenied) {
		status, code, auditEvent = http.StatusForbidden, "FORBIDDEN", "permission_denied"
	} else {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
	}
	attrs := []any{
		slog.String("event", event),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if subject != nil {
		attrs = append(attrs, slog.String("user", subject.Name))
	}
	s.audit.Warn(auditEvent, attrs...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": http.StatusText(status)},
	})
}

// auditWriter 记录响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 支持流式响应。
func (w *auditWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
