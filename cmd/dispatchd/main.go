package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver for the audit log

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/audit"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/batch"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/config"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/observability"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/outbox"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/saga"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dispatchd failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		logger.Warn("profile not loaded, using defaults",
			slog.String("profile", cfg.Profile),
			slog.String("error", err.Error()))
		profile = &config.Profile{Name: cfg.Profile}
	}
	profile.ApplyEnvOverrides()

	if cfg.OTLPTarget != "" {
		otelCfg := observability.DefaultConfig()
		otelCfg.OTLPEndpoint = cfg.OTLPTarget
		otelCfg.Insecure = true
		provider, err := observability.New(ctx, otelCfg)
		if err != nil {
			logger.Warn("telemetry disabled", slog.String("error", err.Error()))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(shutdownCtx)
			}()
		}
	}

	heartbeats := observability.NewHeartbeatRegistry(observability.DefaultHeartbeatThresholds())

	// Stores: Postgres when DATABASE_URL points somewhere, in-memory lite
	// mode otherwise.
	var (
		outboxStore  outbox.Store
		stateStore   saga.StateStore
		timeoutStore saga.TimeoutStore
	)
	// Shadow mode keeps everything in process memory regardless of
	// DATABASE_URL, useful for rehearsing config changes.
	if cfg.DatabaseURL != "" && !cfg.ShadowMode {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("postgres unreachable, falling back to lite mode",
				slog.String("error", err.Error()))
			outboxStore, stateStore, timeoutStore = liteStores()
		} else {
			pgOutbox := outbox.NewPostgresStore(db)
			pgState := saga.NewPostgresStateStore(db)
			pgTimeouts := saga.NewPostgresTimeoutStore(db)
			for _, migrate := range []func(context.Context) error{
				pgOutbox.Migrate, pgState.Migrate, pgTimeouts.Migrate,
			} {
				if err := migrate(ctx); err != nil {
					return err
				}
			}
			outboxStore, stateStore, timeoutStore = pgOutbox, pgState, pgTimeouts
			logger.Info("postgres connected")
		}
	} else {
		outboxStore, stateStore, timeoutStore = liteStores()
		logger.Info("lite mode: in-memory stores")
	}
	stateStore = saga.NewCachedStateStore(stateStore, profile.CacheOptions())

	var idempotency saga.IdempotencyProvider
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		idempotency, err = saga.NewRedisIdempotencyProvider(client, "", 7*24*time.Hour)
		if err != nil {
			return err
		}
		logger.Info("redis idempotency provider", slog.String("addr", cfg.RedisAddr))
	} else {
		idempotency = saga.NewMemoryIdempotencyProvider()
	}

	// The in-process bus: partition-keyed worker lanes so messages sharing
	// a correlation id stay ordered.
	serializer := jsonSerializer{}
	lanes, err := batch.NewLaneProcessor[dispatchedMessage](func(ctx context.Context, m dispatchedMessage) error {
		logger.Debug("message delivered",
			slog.String("correlation_id", m.CorrelationID),
			slog.String("type", m.Type))
		return nil
	}, profile.LaneOptions(), logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lanes.Close(closeCtx)
	}()
	dispatcher := &laneDispatcher{lanes: lanes}

	transports := outbox.NewTransportRegistry()
	latency := observability.NewLatencyTracker(4096)
	publisher, err := outbox.NewPublisher(outboxStore, serializer, dispatcher, logger,
		outbox.WithTransportRegistry(transports),
		outbox.WithLatencyTracker(latency),
	)
	if err != nil {
		return err
	}

	loop := outbox.NewProcessingLoop(publisher, profile.OutboxOptions(), heartbeats, logger)
	loop.Start(ctx)
	defer loop.Stop()

	sagaRegistry := saga.NewRegistry()
	coordinator, err := saga.NewCoordinator(sagaRegistry, stateStore, timeoutStore, idempotency, publisher, logger)
	if err != nil {
		return err
	}

	timeoutTypes := saga.NewTimeoutTypeRegistry()
	delivery, err := saga.NewDeliveryService(timeoutStore, timeoutTypes, serializer, dispatcher,
		profile.DeliveryOptions(), heartbeats, logger)
	if err != nil {
		return err
	}
	delivery.Start(ctx)
	defer delivery.Stop()

	// Audit: SQLite chain store, alert engine on the append hook, retention
	// sweep with optional S3 archival.
	auditDB, err := sql.Open("sqlite", cfg.AuditDBPath)
	if err != nil {
		return err
	}
	defer func() { _ = auditDB.Close() }()
	auditDB.SetMaxOpenConns(1)
	auditStore, err := audit.NewSQLiteStore(auditDB)
	if err != nil {
		return err
	}

	alerts, err := audit.NewAlertEngine(logNotifications(logger), profile.AlertOptions(), logger)
	if err != nil {
		return err
	}
	auditStore.RegisterHandler(alerts.Handler())

	var archiver audit.Archiver
	if profile.Audit.ArchiveBucket != "" {
		archiver, err = audit.NewS3Archiver(ctx, audit.S3ArchiverConfig{
			Bucket: profile.Audit.ArchiveBucket,
			Region: profile.Audit.ArchiveRegion,
			Prefix: "audit/",
		})
		if err != nil {
			return err
		}
	}
	retention, err := audit.NewRetentionService(auditStore, archiver, profile.RetentionOptions(), heartbeats, logger)
	if err != nil {
		return err
	}
	if err := retention.Start(ctx); err != nil {
		return err
	}
	defer retention.Stop()

	auditLogger, err := audit.NewLogger(auditStore)
	if err != nil {
		return err
	}
	if _, err := auditLogger.RecordSystem(ctx, "dispatchd.start", map[string]string{
		"profile": profile.Name,
	}); err != nil {
		return err
	}

	sagaHealth := observability.NewSagaHealthCheck(coordinator, observability.SagaHealthThresholds{
		StuckThreshold:          profile.StuckThreshold(),
		StuckLimit:              100,
		FailedLimit:             100,
		UnhealthyStuckThreshold: 10,
		DegradedFailedThreshold: 5,
	})
	healthSrv := startHealthServer(heartbeats, sagaHealth, latency, publisher, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("dispatchd ready", slog.String("profile", profile.Name))
	<-ctx.Done()
	logger.Info("shutting down")
	_, _ = auditLogger.RecordSystem(context.Background(), "dispatchd.stop", nil)
	return nil
}

func liteStores() (outbox.Store, saga.StateStore, saga.TimeoutStore) {
	return outbox.NewInMemoryStore(), saga.NewMemoryStateStore(), saga.NewMemoryTimeoutStore()
}

// jsonSerializer is the wire codec for outbox payloads and timeout payloads.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonSerializer) Deserialize(d []byte, v any) error { return json.Unmarshal(d, v) }

// dispatchedMessage is what the lane handler receives.
type dispatchedMessage struct {
	Type          string
	CorrelationID string
	Message       any
}

// laneDispatcher routes dispatches onto the worker lanes, partitioned by
// correlation id so related messages keep their order.
type laneDispatcher struct {
	lanes *batch.LaneProcessor[dispatchedMessage]
}

func (d *laneDispatcher) Dispatch(ctx context.Context, message any, headers map[string]string) (contracts.DispatchResult, error) {
	m := dispatchedMessage{
		Type:          headers["message-type"],
		CorrelationID: headers["correlation-id"],
		Message:       message,
	}
	key := m.CorrelationID
	if key == "" {
		key = m.Type
	}
	if err := d.lanes.Submit(ctx, key, m); err != nil {
		return contracts.DispatchResult{}, err
	}
	return contracts.DispatchResult{Handled: true}, nil
}

// logNotifications is the default alert sink when no webhook is configured.
func logNotifications(logger *slog.Logger) audit.NotificationChannel {
	return audit.NotificationFunc(func(_ context.Context, n *audit.Notification) error {
		logger.Warn("audit alert",
			slog.String("rule", n.RuleName),
			slog.String("severity", string(n.Severity)),
			slog.String("event_id", n.Event.EventID))
		return nil
	})
}

func startHealthServer(heartbeats *observability.HeartbeatRegistry, sagas *observability.SagaHealthCheck, latency *observability.LatencyTracker, publisher *outbox.Publisher, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/health/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, heartbeats.Report())
	})
	mux.HandleFunc("/health/sagas", func(w http.ResponseWriter, r *http.Request) {
		report := sagas.Check(r.Context())
		if report.Status == observability.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, report)
	})
	mux.HandleFunc("/health/outbox", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"statistics": publisher.Statistics().Snapshot(),
			"latency":    latency.Statistics(),
		})
	})

	srv := &http.Server{Addr: ":8081", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("health server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
