package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tienda-labs/pasarela/internal/common"
	"github.com/tienda-labs/pasarela/internal/config"
	"github.com/tienda-labs/pasarela/internal/gateway/mercadopago"
	"github.com/tienda-labs/pasarela/internal/gateway/redsys"
	"github.com/tienda-labs/pasarela/internal/health"
	"github.com/tienda-labs/pasarela/internal/obs"
	"github.com/tienda-labs/pasarela/internal/payment"
	"github.com/tienda-labs/pasarela/internal/ratelimit"
	"github.com/tienda-labs/pasarela/internal/session"
	"github.com/tienda-labs/pasarela/internal/task"
	"github.com/tienda-labs/pasarela/migrations"
)

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "pasarela-api",
			Endpoint:      cfg.TracingEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("init tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("shutdown tracing")
			}
		}()
	}

	if err := runMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	providers := mustBuildProviders(cfg, logger)

	redisConn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for task queue")
	}
	taskClient := asynq.NewClient(redisConn)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	store := session.NewStore(pool)
	reconciler := payment.NewReconciler(store, providers, task.Enqueuer{Client: taskClient}, cfg.AutoCapture, logger)
	paymentSvc := &payment.Service{Store: store, Providers: providers, Logger: logger}
	paymentHandler := &payment.Handler{Svc: paymentSvc, Validate: validator.New()}
	webhookHandler := payment.Webhook{
		Reconciler: reconciler,
		Providers:  providers,
		Replay:     redisClient,
		ReplayTTL:  cfg.WebhookReplayTTL,
		Logger:     logger,
	}

	// The burst is spent over a window that averages out to the configured
	// requests per second.
	limitPeriod := time.Duration(cfg.RateLimitBurst) * time.Second / time.Duration(cfg.RateLimitRPS)
	lim, err := ratelimit.New(redisClient, int64(cfg.RateLimitBurst), limitPeriod)
	if err != nil {
		logger.Fatal().Err(err).Msg("init rate limiter")
	}
	rl := ratelimit.Handler{Limiter: lim, Logger: logger}
	idem := common.Idem{R: redisClient, TTL: 24 * time.Hour}

	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBuckets), nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	if cfg.AppEnv != "production" {
		r.Mount("/debug/pprof", newPprofMux())
	}

	healthHandler := health.Handler{Pool: pool, Redis: redisClient}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Group(func(g chi.Router) {
			g.Use(rl.Middleware)
			g.With(idem.Middleware).Post("/payment-sessions", paymentHandler.RegisterSession)
			g.Get("/payment-sessions/{id}", paymentHandler.SessionStatus)
			g.Post("/payment-sessions/{id}/cancel", paymentHandler.CancelSession)
			g.Post("/payment-sessions/{id}/refund", paymentHandler.RefundSession)
			g.Post("/payments/mercadopago", paymentHandler.CreateCardPayment)
			g.Post("/payments/redsys", paymentHandler.CreateRedirectPayment)
		})

		// Gateways redeliver on non-2xx; never rate limit this route.
		v.Post("/webhooks/payment/{provider}", webhookHandler.Handle)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
}

func runMigrations(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pasarela-api"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Warn().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Warn().Err(err).Msg("instrument redis metrics")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func mustBuildProviders(cfg *config.Config, logger zerolog.Logger) map[string]payment.Provider {
	mp, err := mercadopago.New(mercadopago.Config{
		AccessToken:   cfg.MercadoPagoAccessToken,
		WebhookSecret: cfg.MercadoPagoWebhookSecret,
		BaseURL:       cfg.MercadoPagoBaseURL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init mercadopago provider")
	}
	rs, err := redsys.New(redsys.Config{
		MerchantCode: cfg.RedsysMerchantCode,
		SecretKey:    cfg.RedsysSecretKey,
		Terminal:     cfg.RedsysTerminal,
		Environment:  cfg.RedsysEnvironment,
		CurrencyCode: cfg.RedsysCurrency,
		MerchantName: cfg.RedsysMerchantName,
		MerchantURL:  cfg.RedsysMerchantURL,
		ReturnURL:    cfg.RedsysReturnURL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init redsys provider")
	}
	return map[string]payment.Provider{
		mp.ID(): mp,
		rs.ID(): rs,
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}
