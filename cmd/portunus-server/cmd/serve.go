package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/portunus-nfc/internal/config"
	"github.com/BrandonDHaskell/portunus-nfc/internal/grpcapi"
	"github.com/BrandonDHaskell/portunus-nfc/internal/httpapi"
	"github.com/BrandonDHaskell/portunus-nfc/internal/logging"
	"github.com/BrandonDHaskell/portunus-nfc/internal/metrics"
	"github.com/BrandonDHaskell/portunus-nfc/internal/notify"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/credential"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
	"github.com/BrandonDHaskell/portunus-nfc/internal/session"
)

const shutdownTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the access server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel, "portunus-server", cfg.Env)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// Stores
	st, err := openStores(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// Credential signing
	codec, err := newCodec(cfg.Credential, logger)
	if err != nil {
		return err
	}

	// Admin session revocations
	revocations, closeRevocations, err := newRevocations(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRevocations()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Realtime fan-out
	hub := notify.NewHub(cfg.Realtime.MaxClients, m, logger)
	defer hub.Close()
	notifier := notify.Fanout{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := notify.DialKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, m, logger)
		if err != nil {
			return err
		}
		defer kp.Close()
		notifier = append(notifier, kp)
		logger.Info("kafka publisher ready", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// Services
	users := service.NewUserDirectory(st.records)
	cards := service.NewCardRegistry(st.records, users, logger)
	logs := service.NewAccessLog(st.records, notifier, m, logger)
	deviceTokens := service.NewDeviceTokens(cfg.Device.JWTSecret, cfg.Device.TokenTTL)
	sessions := service.NewAdminSessions(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL, revocations)
	secrets := cfg.DeviceSecrets()
	devices := service.NewDeviceService(service.DeviceDeps{
		Records:    st.records,
		Heartbeats: st.heartbeats,
		Cards:      cards,
		Codec:      codec,
		Tokens:     deviceTokens,
		Secrets:    secrets,
		Notifier:   notifier,
		Metrics:    m,
		Logger:     logger,
	})
	access := service.NewAccessService(service.AccessDeps{
		Cards:   cards,
		Users:   users,
		Codec:   codec,
		Logs:    logs,
		Relay:   devices,
		Metrics: m,
		Logger:  logger,
	})

	if cfg.Env == "dev" {
		ids := make([]string, 0, len(secrets))
		for id := range secrets {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if err := service.SeedDev(ctx, users, devices, service.SeedDevOptions{DeviceIDs: ids}); err != nil {
			return err
		}
		logger.Info("dev data seeded", "user_id", service.DevUserID, "devices", len(ids))
	}

	pruner := service.NewHeartbeatPruner(st.heartbeats, service.PrunerConfig{
		RetentionDays: cfg.Heartbeat.RetentionDays,
		IntervalHours: cfg.Heartbeat.PruneIntervalHours,
	}, logger)
	pruner.Start(ctx)
	defer pruner.Stop()

	httpSrv := httpapi.NewServer(httpapi.Dependencies{
		Logger:       logger,
		Addr:         cfg.HTTPAddr,
		Access:       access,
		Logs:         logs,
		Cards:        cards,
		Devices:      devices,
		DeviceTokens: deviceTokens,
		Sessions:     sessions,
		Hub:          hub,
		Notifier:     notifier,
		Metrics:      m,
		Gatherer:     reg,
		Ready:        st.ping,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "env", cfg.Env, "store", cfg.Store.Backend)
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	var health *grpcapi.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		health = grpcapi.NewServer(st.ping, 0, logger)
		health.Start(gctx)
		g.Go(func() error { return health.Serve(lis) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// SSE streams hold their requests open; close them first.
		hub.Close()
		if health != nil {
			health.Stop(shutdownCtx)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newCodec(cfg config.CredentialConfig, logger *slog.Logger) (*credential.Codec, error) {
	key, err := credential.Load(credential.KeySource{
		PrivateKeyPEM: cfg.PrivateKeyPEM,
		PublicKeyPEM:  cfg.PublicKeyPEM,
		KeyID:         cfg.KeyID,
		Dir:           cfg.KeyDir,
	}, logger)
	if err != nil {
		return nil, err
	}
	opts := []credential.Option{credential.WithTTL(cfg.TTL)}
	if cfg.KeyDir != "" {
		retired, err := credential.RetiredKeys(cfg.KeyDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, retired...)
	}
	return credential.NewCodec(key, opts...)
}

func newRevocations(ctx context.Context, cfg config.Config, logger *slog.Logger) (service.Revocations, func(), error) {
	if cfg.Redis.Addr == "" {
		return session.NewMemoryStore(cfg.Session.MaxRevoked), func() {}, nil
	}
	rs, err := session.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("redis session store ready", "addr", cfg.Redis.Addr)
	return rs, func() { _ = rs.Close() }, nil
}
