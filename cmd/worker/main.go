package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tienda-labs/pasarela/internal/config"
	"github.com/tienda-labs/pasarela/internal/gateway/mercadopago"
	"github.com/tienda-labs/pasarela/internal/gateway/redsys"
	"github.com/tienda-labs/pasarela/internal/obs"
	"github.com/tienda-labs/pasarela/internal/payment"
	"github.com/tienda-labs/pasarela/internal/session"
	"github.com/tienda-labs/pasarela/internal/task"
)

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	providers := mustBuildProviders(cfg, logger)
	store := session.NewStore(pool)
	paymentSvc := &payment.Service{Store: store, Providers: providers, Logger: logger}

	redisConn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for task queue")
	}
	srv := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: 5,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(task.TypeCaptureFollowUp, task.CaptureHandler{Svc: paymentSvc, Logger: logger}.Handle)

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	logger.Info().Msg("worker starting")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped with error")
	}
	logger.Info().Msg("worker shutdown complete")
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
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pasarela-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
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
