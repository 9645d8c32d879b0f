// Package config reads service settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type MeterCfg struct {
	Enabled      bool
	RedisAddr    string
	Prefix       string
	OpTimeout    time.Duration
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
}

type EventsCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	Queue   int
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type Config struct {
	Addr          string
	LogLevel      string
	LogConsole    bool
	LogSampleN    int
	EngineURL     string
	EngineTimeout time.Duration
	PixelAreaKm2  float64
	// region covered by the per-period classification; empty is the engine's full extent
	ClassificationScope string
	RegionResMin        int
	RegionResMax        int
	TrendFetchWorkers   int
	MaxTrendMonths      int
	Meter               MeterCfg
	Events              EventsCfg
	Metrics             MetricsCfg
}

func FromEnv() Config {
	minRes := getint("REGION_RES_MIN", 0)
	maxRes := getint("REGION_RES_MAX", 15)
	if minRes < 0 {
		minRes = 0
	}
	if maxRes > 15 {
		maxRes = 15
	}
	if minRes > maxRes {
		minRes, maxRes = 0, 15
	}

	workers := getint("TREND_FETCH_WORKERS", 4)
	if workers <= 0 {
		workers = 1
	}

	return Config{
		Addr:                getenv("ADDR", ":8090"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogConsole:          getbool("LOG_CONSOLE", false),
		LogSampleN:          getint("LOG_SAMPLE_N", 0),
		EngineURL:           getenv("ENGINE_URL", "http://localhost:8081"),
		EngineTimeout:       getduration("ENGINE_TIMEOUT", 120*time.Second),
		PixelAreaKm2:        getfloat("PIXEL_AREA_KM2", 0.0009),
		ClassificationScope: strings.TrimSpace(getenv("CLASSIFICATION_SCOPE", "")),
		RegionResMin:        minRes,
		RegionResMax:        maxRes,
		TrendFetchWorkers:   workers,
		MaxTrendMonths:      getint("TREND_MAX_MONTHS", 240),
		Meter: MeterCfg{
			Enabled:      getbool("METER_ENABLED", false),
			RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
			Prefix:       getenv("METER_PREFIX", "meter"),
			OpTimeout:    getduration("METER_OP_TIMEOUT", 250*time.Millisecond),
			PoolSize:     getint("METER_POOL_SIZE", 64),
			MinIdleConns: getint("METER_MIN_IDLE_CONNS", 4),
			DialTimeout:  getduration("METER_DIAL_TIMEOUT", 2*time.Second),
		},
		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("EVENTS_TOPIC", "geoproduct-computations"),
			Queue:   getint("EVENTS_QUEUE", 1024),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", false),
			Addr:    getenv("METRICS_ADDR", ":9090"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
