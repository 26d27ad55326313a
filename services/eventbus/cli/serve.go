package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/flowbus/internal/auth"
	"github.com/ramiqadoumi/flowbus/internal/kafka"
	"github.com/ramiqadoumi/flowbus/internal/memory"
	"github.com/ramiqadoumi/flowbus/internal/postgres"
	redisstore "github.com/ramiqadoumi/flowbus/internal/redis"
	"github.com/ramiqadoumi/flowbus/internal/store"
	"github.com/ramiqadoumi/flowbus/internal/transport"
	"github.com/ramiqadoumi/flowbus/internal/version"
	"github.com/ramiqadoumi/flowbus/pkg/telemetry"
	"github.com/ramiqadoumi/flowbus/services/eventbus"
	"github.com/ramiqadoumi/flowbus/services/eventbus/config"
	"github.com/ramiqadoumi/flowbus/services/eventbus/handler"
	"github.com/ramiqadoumi/flowbus/services/eventbus/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket and REST servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port (WebSocket at /ws, REST under /api/v1)")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("instance-id", "", "leader election identity (default: hostname plus a random suffix)")
	serveCmd.Flags().Duration("heartbeat-interval", 30*time.Second, "liveness ping period")
	serveCmd.Flags().Duration("dead-threshold", 60*time.Second, "silence after which a connection is evicted")
	serveCmd.Flags().Int("send-buffer", 256, "queued outbound frames per connection")
	serveCmd.Flags().Float64("inbound-rate", 20, "inbound frames per second per connection")
	serveCmd.Flags().Int("inbound-burst", 40, "inbound frame burst per connection")
	serveCmd.Flags().String("store-driver", "memory", "persistence: memory | postgres")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty disables cache, limits and leader election")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables Kafka")
	serveCmd.Flags().Bool("kafka-ingest", false, "consume change events from "+kafka.TopicEvents)
	serveCmd.Flags().String("jwt-secret", "", "HMAC secret for bearer JWTs")
	serveCmd.Flags().String("jwt-issuer", "", "required JWT issuer")
	serveCmd.Flags().String("health-schedule", "@every 30s", "cron spec of the system_health broadcast")
	serveCmd.Flags().String("sweep-schedule", "@every 1m", "cron spec of the abandoned-execution sweep")
	serveCmd.Flags().Duration("abandon-window", 10*time.Minute, "how long a retrying execution may wait before it is reported")
	serveCmd.Flags().Int("get-data-limit", 60, "get_data requests per user per window (needs Redis)")
	serveCmd.Flags().Duration("get-data-window", time.Minute, "get_data rate limit window")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Float64("otel-sample-ratio", 1, "fraction of traces sampled")

	for key, flag := range map[string]string{
		"http_port":          "http-port",
		"metrics_addr":       "metrics-addr",
		"instance_id":        "instance-id",
		"heartbeat_interval": "heartbeat-interval",
		"dead_threshold":     "dead-threshold",
		"send_buffer":        "send-buffer",
		"inbound_rate":       "inbound-rate",
		"inbound_burst":      "inbound-burst",
		"store_driver":       "store-driver",
		"postgres_dsn":       "postgres-dsn",
		"redis_addr":         "redis-addr",
		"kafka_brokers":      "kafka-brokers",
		"kafka_ingest":       "kafka-ingest",
		"jwt_secret":         "jwt-secret",
		"jwt_issuer":         "jwt-issuer",
		"health_schedule":    "health-schedule",
		"sweep_schedule":     "sweep-schedule",
		"abandon_window":     "abandon-window",
		"get_data_limit":     "get-data-limit",
		"get_data_window":    "get-data-window",
		"otel_endpoint":      "otel-endpoint",
		"otel_sample_ratio":  "otel-sample-ratio",
	} {
		bindFlag(key, serveCmd.Flags(), flag)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "eventbus")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "eventbus",
		ServiceVersion: version.Version,
		Endpoint:       cfg.OTelEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	authn, err := buildAuthenticator(cfg)
	if err != nil {
		return err
	}

	// ── storage ───────────────────────────────────────────────────────────────
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	busOpts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithHeartbeat(cfg.HeartbeatInterval, cfg.DeadThreshold),
		eventbus.WithHealthSchedule(cfg.HealthSchedule),
		eventbus.WithSweepSchedule(cfg.SweepSchedule),
		eventbus.WithAbandonWindow(cfg.AbandonWindow),
	}
	wsOpts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithSendBuffer(cfg.SendBuffer),
		transport.WithInboundRate(cfg.InboundRate, cfg.InboundBurst),
		transport.WithCheckOrigin(originChecker(cfg.AllowedOrigins)),
	}

	// ── Redis: status cache, get_data limiter, sweeper leadership ─────────────
	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()

		instanceID := cfg.InstanceID
		if instanceID == "" {
			host, _ := os.Hostname()
			instanceID = host + "-" + uuid.NewString()[:8]
		}
		busOpts = append(busOpts,
			eventbus.WithStatusCache(redisstore.NewStatusCache(redisClient)),
			eventbus.WithLeader(eventbus.NewLeader(redisClient, instanceID, logger)),
		)
		if cfg.GetDataLimit > 0 {
			wsOpts = append(wsOpts, transport.WithQueryLimiter(
				redisstore.NewRateLimiter(redisClient, "get_data", cfg.GetDataLimit, cfg.GetDataWindow)))
		}
	}

	// ── Kafka: abandoned reports, ingest, DLQ ─────────────────────────────────
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer := kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		busOpts = append(busOpts, eventbus.WithAbandonedReporter(kafka.NewAbandonedPublisher(producer, logger)))

		if cfg.KafkaIngest {
			consumer := kafka.NewConsumer(kafka.ConsumerConfig{
				Brokers:    brokers,
				Topic:      kafka.TopicEvents,
				GroupID:    kafka.GroupIngest,
				FromLatest: true,
			}, logger)
			defer func() { _ = consumer.Close() }()
			busOpts = append(busOpts, eventbus.WithIngest(consumer, producer))
		}
	}

	bus := eventbus.New(st, busOpts...)
	wsOpts = append(wsOpts, transport.WithDataProvider(bus))
	wsServer := transport.NewServer(bus.Registry(), authn, wsOpts...)

	ready := func(ctx context.Context) error {
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
	restHandler := handler.NewREST(bus.Machine(), st, bus, ready, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Handle("/ws", wsServer)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
		r.Use(middleware.RequireAuth(authn, logger))
		restHandler.Mount(r)
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, ready, logger)

	if err := bus.Start(runCtx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}

	go func() {
		logger.Info("eventbus HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("store", cfg.StoreDriver),
			slog.String("version", version.Version),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	if err := bus.Shutdown(shutCtx); err != nil {
		logger.Error("event bus shutdown error", slog.String("error", err.Error()))
	}
	runCancel()
	logger.Info("stopped")
	return nil
}

func openStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "", "memory":
		logger.Warn("using in-memory store; executions are lost on restart")
		return memory.New(), nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.NewRepository(pool), nil
	default:
		return nil, fmt.Errorf("unknown store_driver %q (want memory or postgres)", cfg.StoreDriver)
	}
}

func buildAuthenticator(cfg config.Config) (auth.Authenticator, error) {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		var opts []auth.JWTOption
		if cfg.JWTIssuer != "" {
			opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
		}
		chain = append(chain, auth.NewJWTAuthenticator([]byte(cfg.JWTSecret), opts...))
	}
	if len(cfg.StaticTokens) > 0 {
		tokens, err := auth.ParseStaticTokens(cfg.StaticTokens)
		if err != nil {
			return nil, err
		}
		chain = append(chain, auth.NewStaticAuthenticator(tokens))
	}
	if len(chain) == 0 {
		return nil, errors.New("no authentication configured: set jwt_secret or static_tokens")
	}
	return chain, nil
}

// originChecker allows same-origin requests plus the configured origins.
// Requests without an Origin header (non-browser clients) are allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}
