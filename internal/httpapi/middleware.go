package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BrandonDHaskell/portunus-nfc/internal/metrics"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
)

type ctxKeyDevice struct{}
type ctxKeyAdmin struct{}

// DeviceFromContext returns the reader claims set by requireDevice or
// optionalDevice.
func DeviceFromContext(ctx context.Context) *service.DeviceClaims {
	c, _ := ctx.Value(ctxKeyDevice{}).(*service.DeviceClaims)
	return c
}

// AdminFromContext returns the operator session set by requireAdmin.
func AdminFromContext(ctx context.Context) *service.AdminClaims {
	c, _ := ctx.Value(ctxKeyAdmin{}).(*service.AdminClaims)
	return c
}

// requestLogger logs one line per request and records it under the matched
// route pattern, so /v1/cards/{cardID} is one series.
func requestLogger(logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			dur := time.Since(start)
			m.ObserveHTTP(route, r.Method, status, dur)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", dur.Milliseconds(),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func bearerToken(r *http.Request) string {
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func requireDevice(tokens *service.DeviceTokens, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := tokens.Verify(bearerToken(r))
			if err != nil {
				logger.WarnContext(r.Context(), "device auth rejected",
					"error", err, "request_id", middleware.GetReqID(r.Context()))
				writeServiceError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyDevice{}, claims)))
		})
	}
}

// optionalDevice attaches reader claims when a valid token is presented and
// passes anonymous requests through.  A presented but invalid token is
// still rejected.
func optionalDevice(tokens *service.DeviceTokens, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bearerToken(r) == "" {
				next.ServeHTTP(w, r)
				return
			}
			requireDevice(tokens, logger)(next).ServeHTTP(w, r)
		})
	}
}

// requireAdmin checks the operator session.  EventSource clients cannot
// set headers, so the token may also arrive as ?token=.
func requireAdmin(sessions *service.AdminSessions, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				raw = r.URL.Query().Get("token")
			}
			claims, err := sessions.Verify(r.Context(), raw)
			if err != nil {
				if service.ErrorCode(err) == "" {
					logger.ErrorContext(r.Context(), "admin session check failed", "error", err)
				} else {
					logger.WarnContext(r.Context(), "admin auth rejected",
						"error", err, "request_id", middleware.GetReqID(r.Context()))
				}
				writeServiceError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAdmin{}, claims)))
		})
	}
}
