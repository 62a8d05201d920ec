package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BrandonDHaskell/portunus-nfc/internal/metrics"
	"github.com/BrandonDHaskell/portunus-nfc/internal/notify"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
)

type Dependencies struct {
	Logger *slog.Logger
	Addr   string

	Access       *service.AccessService
	Logs         *service.AccessLog
	Cards        *service.CardRegistry
	Devices      *service.DeviceService
	DeviceTokens *service.DeviceTokens
	Sessions     *service.AdminSessions

	// Hub serves the SSE stream.  Notifier receives card change events and
	// is usually a Fanout that includes Hub.
	Hub      *notify.Hub
	Notifier notify.Notifier

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // nil hides /metrics

	// Ready reports store health for /healthz.  Nil means always ready.
	Ready func(context.Context) error
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger

	access   *service.AccessService
	logs     *service.AccessLog
	cards    *service.CardRegistry
	devices  *service.DeviceService
	sessions *service.AdminSessions
	hub      *notify.Hub
	notifier notify.Notifier
	ready    func(context.Context) error

	keepAlive time.Duration
}

func NewServer(d Dependencies) *Server {
	var n notify.Notifier = notify.Nop{}
	switch {
	case d.Notifier != nil:
		n = d.Notifier
	case d.Hub != nil:
		n = d.Hub
	}
	s := &Server{
		logger:    d.Logger,
		access:    d.Access,
		logs:      d.Logs,
		cards:     d.Cards,
		devices:   d.Devices,
		sessions:  d.Sessions,
		hub:       d.Hub,
		notifier:  n,
		ready:     d.Ready,
		keepAlive: sseKeepAlive,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(d.Logger, d.Metrics))

	device := requireDevice(d.DeviceTokens, d.Logger)
	admin := requireAdmin(d.Sessions, d.Logger)

	r.Get("/healthz", s.handleHealth)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/device/register", s.handleRegister)
		r.With(optionalDevice(d.DeviceTokens, d.Logger)).Post("/cards", s.handleCreateCard)

		r.Group(func(r chi.Router) {
			r.Use(device)
			r.Post("/access/check", s.handleAccessCheck)
			r.Post("/access/log-batch", s.handleLogBatch)
			r.Get("/device/config", s.handleDeviceConfig)
			r.Post("/device/heartbeat", s.handleHeartbeat)
		})

		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Get("/access/logs", s.handleListLogs)

			r.Get("/cards", s.handleListCards)
			r.Route("/cards/{cardID}", func(r chi.Router) {
				r.Get("/", s.handleGetCard)
				r.Put("/", s.handleUpdateCard)
				r.Delete("/", s.handleDeleteCard)
				r.Post("/assign", s.handleAssignCard)
				r.Post("/revoke", s.handleRevokeCard)
				r.Post("/reactivate", s.handleReactivateCard)
			})

			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/{deviceID}", s.handleGetDevice)
			r.Put("/devices/{deviceID}/config", s.handleUpdateDeviceConfig)

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/realtime/events", s.handleRealtimeEvents)
			r.Get("/realtime/status", s.handleRealtimeStatus)
		})
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
