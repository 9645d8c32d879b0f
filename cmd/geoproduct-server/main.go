package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/geoproduct-cache/internal/analytics"
	"github.com/mohammed-shakir/geoproduct-cache/internal/cache/memo"
	"github.com/mohammed-shakir/geoproduct-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geoproduct-cache/internal/classification"
	"github.com/mohammed-shakir/geoproduct-cache/internal/computeevents"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/config"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/health"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/model"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/observability"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/router"
	"github.com/mohammed-shakir/geoproduct-cache/internal/core/server"
	"github.com/mohammed-shakir/geoproduct-cache/internal/engine"
	"github.com/mohammed-shakir/geoproduct-cache/internal/logger"
	"github.com/mohammed-shakir/geoproduct-cache/internal/meter"
	"github.com/mohammed-shakir/geoproduct-cache/internal/metrics"
	"github.com/mohammed-shakir/geoproduct-cache/internal/region"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// overriding engine url via flag
	engineFlag := flag.String("engine", "", "computation engine base url")
	flag.Parse()

	cfg := config.FromEnv()
	if *engineFlag != "" {
		cfg.EngineURL = strings.TrimSpace(*engineFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "geoproduct-cache",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting geoproduct cache",
		"addr", cfg.Addr,
		"version", Version,
		"engine", cfg.EngineURL,
		"meter", cfg.Meter.Enabled,
		"events", cfg.Events.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:   os.Getenv("BUILD_VERSION"),
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(p.Registerer(), true)
		go func() {
			if err := p.Serve(ctx, appLog); err != nil {
				appLog.Error("metrics server exited", "err", err)
			}
		}()
	}

	regions := region.New(cfg.RegionResMin, cfg.RegionResMax)
	client, err := engine.NewClient(appLog, httpclient.NewOutbound(cfg.EngineTimeout), cfg.EngineURL,
		engine.WithGeometry(regions.BoundaryGeoJSON))
	if err != nil {
		appLog.Error("failed to initialize engine client", "err", err)
		return 1
	}

	ready := map[string]health.Pinger{}

	var (
		usage  engine.UsageRecorder
		report router.UsageReader
	)
	if cfg.Meter.Enabled {
		rc, err := redisstore.New(ctx, cfg.Meter.RedisAddr, meterRedisOptions(cfg.Meter)...)
		if err != nil {
			appLog.Error("usage meter redis unavailable", "addr", cfg.Meter.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		m := meter.New(rc, cfg.Meter.Prefix, cfg.Meter.OpTimeout)
		usage, report = m, m
		ready["meter"] = rc
	}

	var events engine.EventPublisher
	if cfg.Events.Enabled {
		pub, err := computeevents.NewPublisher(cfg.Events.Brokers, cfg.Events.Topic, cfg.Events.Queue, appLog)
		if err != nil {
			appLog.Error("computation event producer unavailable", "brokers", cfg.Events.Brokers, "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		events = pub
	}

	scope := cfg.ClassificationScope
	if scope != "" {
		if scope, err = regions.Canonical(scope); err != nil {
			appLog.Error("invalid classification scope", "scope", cfg.ClassificationScope, "err", err)
			return 1
		}
	}

	eng := engine.NewInstrumented(client, usage, events, appLog)
	svc, err := analytics.New(analytics.Deps{
		Engine:           eng,
		Products:         memo.New[model.Product]("products", appLog),
		Trends:           memo.New[analytics.TrendReport]("trends", appLog),
		ClassStats:       memo.New[analytics.ClassStatsReport]("class_stats", appLog),
		Transitions:      memo.New[analytics.TransitionReport]("transitions", appLog),
		Classes:          classification.New(eng, scope, appLog),
		Regions:          regions,
		Logger:           appLog,
		PixelAreaPerUnit: cfg.PixelAreaKm2,
		FetchWorkers:     cfg.TrendFetchWorkers,
		MaxTrendMonths:   cfg.MaxTrendMonths,
	})
	if err != nil {
		appLog.Error("analytics setup failed", "err", err)
		return 1
	}

	if err := server.Run(ctx, cfg, appLog, router.Deps{Service: svc, Usage: report, Regions: regions}, ready); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// meterRedisOptions bounds every meter round trip by the meter's op timeout.
func meterRedisOptions(c config.MeterCfg) []redisstore.Option {
	return []redisstore.Option{
		redisstore.WithPoolSize(c.PoolSize),
		redisstore.WithMinIdleConns(c.MinIdleConns),
		redisstore.WithDialTimeout(c.DialTimeout),
		redisstore.WithReadTimeout(c.OpTimeout),
		redisstore.WithWriteTimeout(c.OpTimeout),
	}
}
