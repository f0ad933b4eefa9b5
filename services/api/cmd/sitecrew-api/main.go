package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"sitecrew/pkg/bus"
	"sitecrew/pkg/db"
	"sitecrew/pkg/docstore"
	"sitecrew/pkg/s3"
	"sitecrew/pkg/telemetry"
	"sitecrew/services/api"
	"sitecrew/services/api/internal/config"
	"sitecrew/services/audit"
	"sitecrew/services/calendar"
	"sitecrew/services/membership"
	"sitecrew/services/tasks"
)

const serviceName = "sitecrew-api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	zerolog.DurationFieldUnit = time.Millisecond

	boot := telemetry.NewLogger(serviceName, telemetry.Options{})
	cfg, err := config.Load(ctx)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}

	shutdownTracing, traceMiddleware, log, err := telemetry.Init(ctx, serviceName, telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Format:   cfg.LogFormat,
		Level:    cfg.LogLevel,
	})
	if err != nil {
		boot.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	if err := run(ctx, cfg, traceMiddleware, log); err != nil {
		log.Fatal().Err(err).Msg("sitecrew-api")
	}
}

func run(ctx context.Context, cfg config.Config, traceMiddleware func(http.Handler) http.Handler, log zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		subjects := append([]string{calendar.SubjectAbsenceReported}, membership.Subjects...)
		b, err := bus.New(cfg.NATSURL, subjects)
		if err != nil {
			return err
		}
		defer b.Close()
		eventBus = b
		log.Info().Str("url", cfg.NATSURL).Msg("connected to nats")
	}

	var (
		store docstore.Store
		pool  *pgxpool.Pool
		ready func(context.Context) error
	)
	if cfg.DBDSN == "" {
		log.Warn().Msg("DB_DSN not set; using in-memory document store")
		store = docstore.NewMemory()
	} else {
		p, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer p.Close()
		if err := db.Migrate(ctx, p); err != nil {
			return err
		}
		pool = p
		ready = func(ctx context.Context) error { return db.Ping(ctx, p) }

		opts := []docstore.PostgresOption{docstore.WithPollInterval(cfg.PollInterval)}
		if eventBus != nil {
			opts = append(opts, docstore.WithChangeFeed(eventBus))
		}
		store = docstore.NewPostgres(p, opts...)
	}

	var publisher membership.Publisher
	if eventBus != nil {
		publisher = eventBus
	}
	members := membership.New(store,
		membership.WithPublisher(publisher),
		membership.WithLogger(log.With().Str("component", "membership").Logger()),
		membership.WithMetrics(membership.NewMetrics(registry)),
	)
	cal := calendar.New(store, members,
		calendar.WithPublisher(publisher),
		calendar.WithLogger(log.With().Str("component", "calendar").Logger()),
	)

	svc := api.Services{
		Members:  members,
		Calendar: cal,
		Tasks:    tasks.New(store, members, nil, tasks.WithLogger(log.With().Str("component", "tasks").Logger())),
	}
	if cfg.S3.Enabled() {
		photos, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return err
		}
		svc.Photos = photos
	}

	if pool != nil && eventBus != nil {
		sink, err := audit.NewGormSink(pool)
		if err != nil {
			return err
		}
		recorder, err := audit.NewRecorder(eventBus, sink, log.With().Str("component", "audit").Logger())
		if err != nil {
			return err
		}
		if err := recorder.Start(ctx); err != nil {
			return err
		}
		defer recorder.Close()
		log.Info().Msg("audit recorder started")
	}

	a, err := api.New(svc, api.Config{
		SigningKey:     []byte(cfg.JWTSigningKey),
		Issuer:         cfg.JWTIssuer,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		PhotoTTL:       cfg.PhotoURLTTL,
		Gatherer:       registry,
		Ready:          ready,
	}, log)
	if err != nil {
		return err
	}
	routes, err := a.Routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           traceMiddleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting sitecrew-api")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
	return nil
}
