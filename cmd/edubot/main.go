package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/edubot/edubot/analytics"
	"github.com/edubot/edubot/cache"
	"github.com/edubot/edubot/config"
	"github.com/edubot/edubot/dispatch"
	"github.com/edubot/edubot/gateway"
	"github.com/edubot/edubot/genai"
	"github.com/edubot/edubot/logger"
	"github.com/edubot/edubot/metrics"
	"github.com/edubot/edubot/telegram"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "edubot",
		Short:         "Resilient gateway for the history tutor bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "edubot.yaml", "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the gateway and serve metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print usage statistics from the analytics database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printStats(cmd.Context(), cfg)
		},
	})

	return root
}

func newLogger(cfg config.Config) logger.Logger {
	level := logger.GetLevelFromEnv()
	if cfg.LogFormat == "json" {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}

func newCache(ctx context.Context, cfg config.Config, log logger.Logger, recorder *metrics.Recorder) (cache.Cache, func(), error) {
	common := []cache.Option{
		cache.WithExpires(cfg.Cache.TTL.Std()),
		cache.WithMaxSize(cfg.Cache.MaxSize),
		cache.WithLogger(log),
		cache.WithMetrics(recorder),
	}
	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "parsing redis url")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, errors.Wrap(err, "connecting to redis")
		}
		log.Info("using shared redis cache")
		c := cache.NewRedis(client, append(common, cache.WithPrefix("edubot"))...)
		return c, func() { client.Close() }, nil
	}
	// Background, not the signal context: the cache is closed (and
	// snapshotted) explicitly during shutdown.
	c := cache.NewLRU(context.Background(), append(common,
		cache.WithSnapshot(cfg.Cache.SnapshotPath),
		cache.WithSnapshotEvery(cfg.Cache.SnapshotEvery),
	)...)
	return c, func() {}, nil
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg)
	recorder := metrics.NewRecorder(nil)

	store, closeStore, err := newCache(ctx, cfg, log, recorder)
	if err != nil {
		return err
	}
	defer closeStore()

	// The dispatchers are built from Background, not the signal context:
	// on SIGINT the signal context dies before Stop(true) runs, and a
	// drain that hands every queued operation an already-canceled
	// context would be a no-op. Shutdown stops them explicitly below.
	generatorDispatch, err := dispatch.New(context.Background(), dispatch.Config{
		MaxRequestsPerSecond: cfg.Generator.MaxRequestsPerSecond,
		ShutdownTimeout:      cfg.ShutdownTimeout.Std(),
		Logger:               log.WithPrefix("dispatch/generator"),
		Service:              "generator",
		Metrics:              recorder,
	})
	if err != nil {
		return err
	}
	telegramDispatch, err := dispatch.New(context.Background(), dispatch.Config{
		MaxRequestsPerSecond: cfg.Telegram.MaxRequestsPerSecond,
		ShutdownTimeout:      cfg.ShutdownTimeout.Std(),
		Logger:               log.WithPrefix("dispatch/telegram"),
		Service:              "telegram",
		Metrics:              recorder,
	})
	if err != nil {
		return err
	}

	gw := gateway.New(store, generatorDispatch, log)

	generator, err := genai.New(genai.Config{
		BaseURL:  cfg.Generator.BaseURL,
		Token:    cfg.Generator.Token,
		CacheTTL: cfg.Cache.TTL.Std(),
	}, gw, log)
	if err != nil {
		return err
	}
	messenger, err := telegram.New(telegram.Config{
		BaseURL: cfg.Telegram.BaseURL,
		Token:   cfg.Telegram.Token,
	}, telegramDispatch, log)
	if err != nil {
		return err
	}

	var events *analytics.Store
	if cfg.AnalyticsPath != "" {
		events, err = analytics.Open(cfg.AnalyticsPath, log)
		if err != nil {
			return err
		}
		defer events.Close()
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = metricsServer(cfg.MetricsAddr, recorder, gw, log)
	}

	b := &bot{tg: messenger, gen: generator, events: events, log: log.WithPrefix("bot")}
	go b.run(ctx)

	log.Info("gateway ready (generator %d req/s, telegram %d req/s)",
		cfg.Generator.MaxRequestsPerSecond, cfg.Telegram.MaxRequestsPerSecond)
	<-ctx.Done()
	log.Info("shutting down, draining in-flight work")

	if err := telegramDispatch.Stop(true); err != nil {
		log.Warn("telegram dispatcher: %s", err)
	}
	if err := generatorDispatch.Stop(true); err != nil {
		log.Warn("generator dispatcher: %s", err)
	}
	if err := store.Close(context.Background()); err != nil {
		log.Warn("closing cache: %s", err)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	log.Info("shutdown complete")
	return nil
}

func metricsServer(addr string, recorder *metrics.Recorder, gw *gateway.Gateway, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := gw.Status()
		w.Header().Set("Content-Type", "application/json")
		if status.State == dispatch.StateStopped {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"state":       status.State.String(),
			"queue_depth": status.QueueDepth,
			"in_flight":   status.InFlight,
		})
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server: %s", err)
		}
	}()
	return srv
}

func printStats(ctx context.Context, cfg config.Config) error {
	if cfg.AnalyticsPath == "" {
		return errors.New("analytics_path is not configured")
	}
	store, err := analytics.Open(cfg.AnalyticsPath, logger.NewConsoleLogger(logger.LevelNone))
	if err != nil {
		return err
	}
	defer store.Close()

	totals, err := store.Overall(ctx, 7)
	if err != nil {
		return err
	}
	fmt.Printf("events: %d\nusers: %d\nactive last 7d: %d\n", totals.Events, totals.Users, totals.ActiveUsers)
	for activity, count := range totals.ByActivity {
		fmt.Printf("  %-20s %d\n", activity, count)
	}
	daily, err := store.Daily(ctx, 14)
	if err != nil {
		return err
	}
	for _, day := range daily {
		fmt.Printf("%s  %d\n", day.Day, day.Count)
	}
	return nil
}
