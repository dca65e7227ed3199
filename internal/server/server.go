package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/knowd-platform/knowd/config"
	"github.com/knowd-platform/knowd/internal/insight"
	"github.com/knowd-platform/knowd/internal/notify"
	"github.com/knowd-platform/knowd/internal/pipeline"
	"github.com/knowd-platform/knowd/internal/queue/streams"
	"github.com/knowd-platform/knowd/internal/recommend"
	"github.com/knowd-platform/knowd/internal/scaling"
	"github.com/knowd-platform/knowd/internal/store"
	"github.com/knowd-platform/knowd/internal/telemetry"
	"github.com/knowd-platform/knowd/provider"
)

// Run wires the whole system and serves until the listener fails: config,
// migrations, store, redis, gateway, the periodic jobs and the HTTP API.
func Run(cfgPath, addr string) error {
	cfg := config.LoadConfig(cfgPath)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
	}

	gateway, err := provider.NewGateway(provider.Client(cfg.Gateway.Type), cfg.Gateway)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New(cfg.Telemetry.Namespace)
	}

	publisher := streams.NewPublisher(rdb)
	notifier := notify.New(st, publisher, nil)
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.NewString()
	}
	deliverer := notify.NewDeliverer(st, rdb, hostname, nil)

	proc := pipeline.NewProcessor(st, gateway, publisher, cfg.Pipeline, metrics, nil)
	generator := insight.NewGenerator(st, gateway, cfg.Insight, cfg.Pipeline.TaskTimeout, metrics, nil)
	evaluator := insight.NewEvaluator(st, gateway, cfg.Alert, notifier, metrics, nil)
	engine := recommend.NewEngine(st, gateway, cfg.Recommend, metrics, nil)
	detector := scaling.NewDetector(st, cfg.Baseline, nil)
	monitor := scaling.NewMonitor(st, gateway, evaluator, proc, cfg.Scaling, metrics, nil)
	controller := scaling.NewController(st, cfg.Scaling, metrics, nil)
	if err := controller.SeedPolicies(ctx); err != nil {
		return fmt.Errorf("seed scaling policies: %w", err)
	}

	if cfg.General.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (general.jwt_secret)")
	}
	secret := []byte(cfg.General.JWTSecret)

	api := e.Group("/api")
	(&ItemsHandler{Proc: proc}).Register(api.Group("/items"), secret)
	(&UsersHandler{Store: st}).Register(api.Group("/users"), secret)
	(&RecommendationsHandler{Store: st}).Register(api.Group("/recommendations"), secret)
	(&AlertsHandler{Store: st, Notifier: notifier}).Register(api.Group("/alerts"), secret)
	(&HealthHandler{Store: st, Detector: detector}).Register(api.Group("/health"))

	cleanup := func(ctx context.Context) error {
		return runCleanup(ctx, st, cfg)
	}
	sched := &Scheduler{
		Rdb:     rdb,
		Metrics: metrics,
		Stop:    make(chan struct{}),
		Jobs: []Job{
			{Name: "pipeline", Spec: cfg.Jobs.Pipeline, Run: proc.Run},
			{Name: "insights", Spec: cfg.Jobs.Insights, Run: generator.Run},
			{Name: "alerts", Spec: cfg.Jobs.Alerts, Run: evaluator.Run},
			{Name: "deliver", Spec: cfg.Jobs.Deliver, Run: deliverer.Run},
			{Name: "recommendations", Spec: cfg.Jobs.Recommendations, Run: engine.Run},
			{Name: "workload", Spec: cfg.Jobs.Scaling, Run: monitor.Run},
			{Name: "scaling", Spec: cfg.Jobs.Scaling, Run: controller.Run},
			{Name: "baseline", Spec: cfg.Jobs.Baseline, Run: detector.Run},
			{Name: "cleanup", Spec: cfg.Jobs.Cleanup, Run: cleanup},
		},
	}
	sched.Start()

	if addr == "" {
		addr = cfg.General.Listen
		if addr == "" {
			addr = ":10011"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// runCleanup enforces every retention bound once per cycle.
func runCleanup(ctx context.Context, st *store.Store, cfg *config.Config) error {
	now := time.Now().UTC()
	logger := log.New(log.Writer(), "[CLEANUP] ", log.LstdFlags)

	if n, err := st.PruneTerminalItemsBefore(ctx, now.AddDate(0, 0, -cfg.Pipeline.RetentionDays)); err != nil {
		return fmt.Errorf("prune items: %w", err)
	} else if n > 0 {
		logger.Printf("pruned %d terminal items", n)
	}
	if n, err := st.PruneExpiredInsights(ctx); err != nil {
		return fmt.Errorf("prune insights: %w", err)
	} else if n > 0 {
		logger.Printf("pruned %d expired insights", n)
	}
	if n, err := st.PruneAlertsBefore(ctx, now.AddDate(0, 0, -cfg.Alert.RetentionDays)); err != nil {
		return fmt.Errorf("prune alerts: %w", err)
	} else if n > 0 {
		logger.Printf("pruned %d resolved alerts", n)
	}
	if n, err := st.PruneExpiredRecommendations(ctx); err != nil {
		return fmt.Errorf("prune recommendations: %w", err)
	} else if n > 0 {
		logger.Printf("pruned %d expired recommendations", n)
	}
	if n, err := st.PruneWorkloadSamplesBefore(ctx, now.AddDate(0, 0, -cfg.Scaling.SampleRetentionDays)); err != nil {
		return fmt.Errorf("prune workload samples: %w", err)
	} else if n > 0 {
		logger.Printf("pruned %d workload samples", n)
	}
	if n, err := st.PruneComponentMetricsBefore(ctx, now.AddDate(0, 0, -cfg.Baseline.WindowDays)); err != nil {
		return fmt.Errorf("prune component metrics: %w", err)
	} else if n > 0 {
		logger.Printf("pruned %d component metrics", n)
	}
	return nil
}
