package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/auth"
	"github.com/example/hotride/internal/offer/backend"
	"github.com/example/hotride/internal/offer/domain"
	"github.com/example/hotride/internal/offer/ledger"
	"github.com/example/hotride/internal/offer/manager"
	"github.com/example/hotride/internal/offer/present"
	"github.com/example/hotride/pkg/events"
	"github.com/example/hotride/pkg/observability"
)

type appConfig struct {
	BackendURL      string
	APIKey          string
	Login           string
	Password        string
	Token           string
	RedisAddr       string
	LedgerPrefix    string
	NATSURL         string
	EventsSubject   string
	MetricsAddr     string
	LogLevel        string
	TraceStdout     bool
	View            present.Projection
	Watch           bool
	RequestTimeout  time.Duration
	RefreshInterval time.Duration
	TickInterval    time.Duration
	AcceptTimeout   time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	logger := observability.SetupLogger("driver-client", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	var traceOut io.Writer = io.Discard
	if cfg.TraceStdout {
		traceOut = os.Stderr
	}
	shutdown, err := observability.SetupTracer(ctx, "driver-client", traceOut)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	out := &syncWriter{w: os.Stdout}
	backendCfg := backend.Config{BaseURL: cfg.BackendURL, APIKey: cfg.APIKey, Timeout: cfg.RequestTimeout}

	var login auth.LoginFunc
	if cfg.Login != "" {
		loginClient := backend.New(backendCfg, nil, logger.Named("login"))
		login = func(ctx context.Context) (string, error) {
			res, err := loginClient.Login(ctx, cfg.Login, cfg.Password)
			if err != nil {
				return "", err
			}
			logger.Info("logged in", zap.String("driver_id", res.DriverID))
			return res.AccessToken, nil
		}
	}
	if cfg.Token == "" && login == nil {
		logger.Fatal("set DRIVER_TOKEN or DRIVER_LOGIN and DRIVER_PASSWORD")
	}
	session := auth.NewSession(cfg.Token, login, logger.Named("session"))
	client := backend.New(backendCfg, session, logger.Named("backend"))

	var led domain.ResolutionLedger = ledger.NewMemory()
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		led = ledger.NewRedis(redisClient, cfg.LedgerPrefix, 0)
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("driverclient")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}
	publisher := events.NewPublisher(natsConn, logger.Named("events"), events.Config{Subject: cfg.EventsSubject})

	m := manager.New(client, manager.Collaborators{
		Auth:      session,
		Navigator: consoleNavigator{out: out},
		Notifier:  consoleNotifier{out: out, logger: logger.Named("notice")},
		Events:    publisher,
		Ledger:    led,
	}, domain.SystemClock{}, logger.Named("offers"), manager.Config{
		RefreshInterval: cfg.RefreshInterval,
		TickInterval:    cfg.TickInterval,
		AcceptTimeout:   cfg.AcceptTimeout,
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: observability.MetricsRouter(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()

	c := &console{offers: m, dashboard: client, out: out, view: cfg.View, logger: logger.Named("console")}
	_ = c.execute(ctx, "help")
	if err := c.Run(ctx, os.Stdin, m.Updates(), cfg.Watch); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("console stopped", zap.Error(err))
	}

	offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer offlineCancel()
	if _, err := client.SetOnline(offlineCtx, false); err != nil {
		logger.Warn("report offline", zap.Error(err))
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("offer manager stopped", zap.Error(err))
	}
}

func loadConfig() appConfig {
	view := present.Projection(getenv("OFFER_VIEW", string(present.ListProjection)))
	if view != present.StackProjection {
		view = present.ListProjection
	}
	return appConfig{
		BackendURL:      getenv("BACKEND_URL", "http://localhost:8000"),
		APIKey:          os.Getenv("API_KEY"),
		Login:           os.Getenv("DRIVER_LOGIN"),
		Password:        os.Getenv("DRIVER_PASSWORD"),
		Token:           os.Getenv("DRIVER_TOKEN"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		LedgerPrefix:    os.Getenv("LEDGER_PREFIX"),
		NATSURL:         os.Getenv("NATS_URL"),
		EventsSubject:   getenv("EVENTS_SUBJECT", events.DefaultSubject),
		MetricsAddr:     os.Getenv("METRICS_ADDR"),
		LogLevel:        getenv("LOG_LEVEL", "warn"),
		TraceStdout:     os.Getenv("TRACE_STDOUT") == "1",
		View:            view,
		Watch:           os.Getenv("OFFER_WATCH") == "1",
		RequestTimeout:  time.Duration(parseIntEnv("REQUEST_TIMEOUT_MS", 10000)) * time.Millisecond,
		RefreshInterval: time.Duration(parseIntEnv("REFRESH_INTERVAL_MS", 5000)) * time.Millisecond,
		TickInterval:    time.Duration(parseIntEnv("TICK_INTERVAL_MS", 1000)) * time.Millisecond,
		AcceptTimeout:   time.Duration(parseIntEnv("ACCEPT_TIMEOUT_MS", 10000)) * time.Millisecond,
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
