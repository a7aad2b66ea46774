package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	paymentservice "smarthealth/contexts/billing/payment-service"
	"smarthealth/contexts/billing/payment-service/adapters/gateway"
	paymentpostgres "smarthealth/contexts/billing/payment-service/adapters/postgres"
	appointmentservice "smarthealth/contexts/scheduling/appointment-service"
	postgresadapter "smarthealth/contexts/scheduling/appointment-service/adapters/postgres"
	"smarthealth/internal/platform/config"
	"smarthealth/internal/platform/db"
	"smarthealth/internal/platform/httpserver"
	"smarthealth/internal/platform/messaging"
	"smarthealth/internal/shared/events"
	"smarthealth/internal/shared/messages"
	"smarthealth/internal/shared/outbox"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

// eventBus is the transport contract both bus adapters satisfy.
type eventBus interface {
	Publish(ctx context.Context, topic string, event events.Envelope) error
	Subscribe(ctx context.Context, topic string, consumerGroup string, handler func(context.Context, events.Envelope) error) error
}

type APIApp struct {
	server   *httpserver.Server
	postgres *db.Postgres
	logger   *slog.Logger
}

type WorkerApp struct {
	cfg          config.Config
	postgres     *db.Postgres
	bus          eventBus
	busCloser    func()
	appointments appointmentservice.Module
	payments     paymentservice.Module
	publisher    outbox.Publisher
	logger       *slog.Logger
}

func BuildAPI() (*APIApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "api")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	registry := messages.NewRegistry()
	repo := postgresadapter.NewRepository(pg.DB, logger)
	appointments := appointmentservice.NewModule(appointmentservice.Dependencies{
		Appointments: repo,
		Sagas:        repo,
		Dedup:        repo,
		Registry:     registry,
		Clock:        postgresadapter.SystemClock{},
		IDGenerator:  postgresadapter.UUIDGenerator{},
		DedupTTL:     cfg.DedupTTL,
		StallTimeout: cfg.SagaStallTimeout,
		Logger:       logger,
	})

	paymentRepo := paymentpostgres.NewRepository(pg.DB, logger)
	payments := paymentservice.NewModule(paymentservice.Dependencies{
		Payments:    paymentRepo,
		Gateway:     gateway.Simulated{},
		Registry:    registry,
		Clock:       postgresadapter.SystemClock{},
		IDGenerator: postgresadapter.UUIDGenerator{},
		Logger:      logger,
	})

	server := httpserver.New(appointments, payments, logger, normalizeAddr(cfg.HTTPPort))
	return &APIApp{
		server:   server,
		postgres: pg,
		logger:   logger,
	}, nil
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	instance := cfg.ServiceName + "-worker-" + uuid.NewString()

	var bus eventBus
	var busCloser func()
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		redisBus, err := messaging.NewRedisBus(cfg.RedisAddr, instance, logger)
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		bus = redisBus
		busCloser = redisBus.Close
	} else {
		bus = messaging.NewBus(logger)
	}

	registry := messages.NewRegistry()
	repo := postgresadapter.NewRepository(pg.DB, logger)
	appointments := appointmentservice.NewModule(appointmentservice.Dependencies{
		Appointments: repo,
		Sagas:        repo,
		Dedup:        repo,
		Publisher:    bus,
		Registry:     registry,
		Clock:        postgresadapter.SystemClock{},
		IDGenerator:  postgresadapter.UUIDGenerator{},
		DedupTTL:     cfg.DedupTTL,
		StallTimeout: cfg.SagaStallTimeout,
		Logger:       logger,
	})

	paymentRepo := paymentpostgres.NewRepository(pg.DB, logger)
	payments := paymentservice.NewModule(paymentservice.Dependencies{
		Payments:    paymentRepo,
		Gateway:     gateway.Simulated{},
		Registry:    registry,
		Clock:       postgresadapter.SystemClock{},
		IDGenerator: postgresadapter.UUIDGenerator{},
		Logger:      logger,
	})

	return &WorkerApp{
		cfg:          cfg,
		postgres:     pg,
		bus:          bus,
		busCloser:    busCloser,
		appointments: appointments,
		payments:     payments,
		publisher: outbox.Publisher{
			Store:         repo,
			Bus:           bus,
			Registry:      registry,
			Clock:         postgresadapter.SystemClock{},
			Instance:      instance,
			SourceService: cfg.ServiceName,
			BatchSize:     cfg.PublisherBatchSize,
			MaxRetries:    cfg.PublisherMaxRetries,
			ClaimLease:    cfg.OutboxClaimLease,
			Logger:        logger,
		},
		logger: logger,
	}, nil
}

func (a *APIApp) Run(_ context.Context) error {
	if a.logger != nil {
		a.logger.Info("api app started",
			"event", "bootstrap_api_started",
			"module", "internal/app/bootstrap",
			"layer", "platform",
		)
	}
	return a.server.Start()
}

func (a *APIApp) Close() error {
	if a.postgres != nil {
		return a.postgres.Close()
	}
	return nil
}

func (w *WorkerApp) Run(ctx context.Context) error {
	if err := w.publisher.WaitReady(ctx, w.cfg.StartupProbeAttempts, w.cfg.StartupProbeDelay); err != nil {
		return err
	}
	if err := w.subscribeConsumers(ctx); err != nil {
		return err
	}

	pollInterval := w.cfg.PublisherPollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	sweepInterval := w.cfg.SagaSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"saga_mode", w.cfg.SagaMode,
		"poll_interval", pollInterval.String(),
	)

	lastSweep := time.Now()
	for {
		// Publisher cycles keep running through transient errors; they are
		// already logged and the next tick retries.
		_ = w.publisher.RunOnce(ctx)

		if w.cfg.SagaMode == config.ModeOrchestration && time.Since(lastSweep) >= sweepInterval {
			_ = w.appointments.StallSweeper.RunOnce(ctx)
			lastSweep = time.Now()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// subscribeConsumers registers the consumer set the configured mode needs.
func (w *WorkerApp) subscribeConsumers(ctx context.Context) error {
	if w.cfg.SagaMode == config.ModeChoreography {
		if err := w.appointments.Choreography.Register(ctx, w.bus); err != nil {
			return err
		}
		return w.payments.Consumer.Register(ctx, w.bus)
	}

	if err := w.appointments.Orchestrator.Register(ctx, w.bus); err != nil {
		return err
	}
	if err := w.appointments.Validator.Register(ctx, w.bus); err != nil {
		return err
	}
	if err := w.appointments.SlotReserver.Register(ctx, w.bus); err != nil {
		return err
	}
	if err := w.appointments.Confirmer.Register(ctx, w.bus); err != nil {
		return err
	}
	if err := w.appointments.Compensator.Register(ctx, w.bus); err != nil {
		return err
	}
	return w.payments.Consumer.Register(ctx, w.bus)
}

func (w *WorkerApp) Close() error {
	if w.busCloser != nil {
		w.busCloser()
	}
	if w.postgres != nil {
		return w.postgres.Close()
	}
	return nil
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
