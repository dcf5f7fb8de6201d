package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/health"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/httpmiddleware"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/kafka"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/logging"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/metrics"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/trace"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/config"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/consumer"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/execution"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/handlers"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/healthprobe"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/ledger"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/price"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/rate"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/safety"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/service"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/storage"
	"github.com/AKIVA-AI/enterprise-crypto-sub000/services/trading/internal/venue"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	consumerMaxAttempts = 5
	consumerBackoff     = time.Second
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()

	tradingMetrics := service.NewMetrics(registry)
	safetyMetrics := safety.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool)
	ready.AddCheck("postgres", store.Ping)

	limiter, closeLimiter, err := buildLimiter(cfg, ready, logger)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = closeLimiter()
	}()

	var producer kafka.Publisher
	var consumerGroup *kafka.Consumer
	if cfg.Kafka.Enabled {
		syncProducer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.App.ServiceName, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		producer = kafka.NewDLQPublisher(syncProducer, syncProducer, cfg.Kafka.Topics.DeadLetter, logger)
		defer producer.Close()

		consumerGroup, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger,
			kafka.WithDeadLetter(syncProducer, cfg.Kafka.Topics.DeadLetter),
			kafka.WithRetry(consumerMaxAttempts, consumerBackoff),
		)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumerGroup.Close()
	} else {
		logger.Warn("kafka disabled, audit and reconciliation events stay in postgres only")
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	cache := price.NewCache(cfg.Price.CacheTTL)
	price.RegisterCacheMetrics(registry, cache)
	oracle := price.NewOracle(cache, cfg.Price.TickerURL, cfg.Price.Timeout, logger)
	if cfg.Price.StreamURL != "" {
		stream := price.NewStream(cfg.Price.StreamURL, cfg.Price.StreamInstruments, cache, logger)
		go stream.Run(backgroundCtx)
	}

	prober := healthprobe.New(store, cfg.Health.MaxAge, cfg.Health.ProbeTimeout, logger)
	pipeline := safety.NewPipeline(safety.DefaultChecks(safety.Dependencies{
		Store:  store,
		Health: prober,
		Prices: oracle,
	}), safetyMetrics, logger)

	venues := buildVenues(cfg, logger)
	simulator := execution.NewSimulator(cfg.Simulator, oracle, nil)
	router := execution.NewRouter(simulator, venues, oracle, 2*cfg.Venues.RequestTimeout, logger)
	updater := ledger.NewUpdater(store, logger)

	audit := service.NewAuditRecorder(store, producer, cfg.Kafka.Topics.Audit, logger, tradingMetrics)
	tradingService := service.NewTradingService(store, pipeline, router, updater, audit, producer,
		service.Topics{Reconcile: cfg.Kafka.Topics.Reconcile}, logger, tradingMetrics)

	handler := handlers.New(tradingService, limiter, logger)
	httpServer := buildHTTPServer(cfg, handler, ready, registry, logger)

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if consumerGroup != nil {
		reconciler := consumer.NewReconcileConsumer(updater, audit, logger, tradingMetrics)
		go func() {
			logger.Info("reconcile consumer starting", "topic", cfg.Kafka.Topics.Reconcile)
			if err := consumerGroup.Consume(backgroundCtx, []string{cfg.Kafka.Topics.Reconcile}, reconciler); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	ready.SetReady(true)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("trading grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("trading http starting", "addr", httpServer.Addr, "venues", venues.Names())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, ready, backgroundCancel, cfg.App.ShutdownTimeout, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// buildLimiter prefers redis so every replica shares one window per user.
// Local environments fall back to an in-process limiter.
func buildLimiter(cfg *config.Config, ready *health.Manager, logger *slog.Logger) (rate.Limiter, func() error, error) {
	noop := func() error { return nil }

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.App.IsLocal() {
				logger.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
				return rate.NewMemory(rate.PolicyFrom(cfg.RateLimit)), noop, nil
			}
			return nil, nil, err
		}

		ready.AddCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		return rate.NewRedisLimiter(client, rate.PolicyFrom(cfg.RateLimit), ""), client.Close, nil
	}

	if cfg.App.IsLocal() {
		return rate.NewMemory(rate.PolicyFrom(cfg.RateLimit)), noop, nil
	}
	return nil, nil, fmt.Errorf("rate limiter redis not configured")
}

// buildVenues registers an adapter only for venues with an API key, so a live
// order against any other venue fails with ErrAdapterNotFound.
func buildVenues(cfg *config.Config, logger *slog.Logger) *venue.Registry {
	registry := venue.NewRegistry()
	opts := venue.ClientOptions{
		Timeout:           cfg.Venues.RequestTimeout,
		RequestsPerSecond: cfg.Venues.RequestsPerSecond,
	}

	if creds := cfg.Venues.Coinbase; creds.APIKey != "" {
		registry.Register(venue.NewCoinbase(credentials(creds), opts))
	}
	if creds := cfg.Venues.Binance; creds.APIKey != "" {
		registry.Register(venue.NewBinance(credentials(creds), opts))
	}
	if creds := cfg.Venues.Bitget; creds.APIKey != "" {
		registry.Register(venue.NewBitget(credentials(creds), opts))
	}

	if len(registry.Names()) == 0 {
		logger.Warn("no live venue credentials configured, live orders will be rejected")
	}
	return registry
}

func credentials(c config.VenueCredentials) venue.Credentials {
	return venue.Credentials{
		APIKey:     c.APIKey,
		APISecret:  c.APISecret,
		Passphrase: c.Passphrase,
		BaseURL:    c.BaseURL,
	}
}

func buildHTTPServer(cfg *config.Config, handler *handlers.Handler, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.JWTSecret))

	return &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, timeout time.Duration, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	// Drain HTTP first so in-flight orders finish their ledger writes.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	cancel()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}
}
