package main

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/auth"
	"github.com/example/hotride/internal/dispatch/domain"
	"github.com/example/hotride/internal/dispatch/handler"
	"github.com/example/hotride/internal/dispatch/repository"
	dispatchservice "github.com/example/hotride/internal/dispatch/service"
	ratelimitmw "github.com/example/hotride/internal/http/middleware"
	"github.com/example/hotride/pkg/observability"
)

type appConfig struct {
	HTTPAddr     string
	RedisAddr    string
	PollRate     ratelimitmw.Bucket
	DecideRate   ratelimitmw.Bucket
	LogLevel     string
	TraceStdout  bool
	APIKey       string
	JWTSecret    string
	TokenTTL     time.Duration
	BookingTTL   time.Duration
	ListLimit    int
	SeedInterval time.Duration
	SeedInitial  int
	Driver       dispatchservice.RegisterDriverRequest
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	logger := observability.SetupLogger("dispatch-stub", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	var traceOut io.Writer = io.Discard
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	shutdown, err := observability.SetupTracer(ctx, "dispatch-stub", traceOut)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	repo := repository.NewMemoryRepository()
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	svc := dispatchservice.New(repo, repo, issuer, domain.SystemClock{}, logger.Named("dispatch"), dispatchservice.Config{
		BookingTTL: cfg.BookingTTL,
		ListLimit:  cfg.ListLimit,
	})

	driver, err := svc.RegisterDriver(ctx, cfg.Driver)
	if err != nil {
		logger.Fatal("seed driver", zap.Error(err))
	}
	logger.Info("seeded driver", zap.String("driver_id", driver.ID), zap.String("username", driver.Username))

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < cfg.SeedInitial; i++ {
		if _, err := svc.CreateBooking(ctx, dispatchservice.RandomBooking(rnd)); err != nil {
			logger.Fatal("seed booking", zap.Error(err))
		}
	}
	if cfg.SeedInterval > 0 {
		go svc.Seed(ctx, cfg.SeedInterval, rnd)
	}

	var limiter *ratelimitmw.RateLimiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed, rate limiting disabled", zap.Error(err))
			_ = redisClient.Close()
		} else {
			defer redisClient.Close()
			limiter = ratelimitmw.NewRateLimiter(redisClient, cfg.PollRate, cfg.DecideRate, logger.Named("ratelimit"))
		}
	}

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter())
	r.Mount("/", handler.NewHTTP(svc, issuer, cfg.APIKey, limiter, logger.Named("http")).Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatch stub listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:  getenv("HTTP_ADDR", ":8000"),
		RedisAddr: os.Getenv("REDIS_ADDR"),
		PollRate: ratelimitmw.Bucket{
			Rate:  parseFloatEnv("RATE_POLL_RPS", 2),
			Burst: parseFloatEnv("RATE_POLL_BURST", 5),
		},
		DecideRate: ratelimitmw.Bucket{
			Rate:  parseFloatEnv("RATE_DECIDE_RPS", 1),
			Burst: parseFloatEnv("RATE_DECIDE_BURST", 3),
		},
		LogLevel:     getenv("LOG_LEVEL", "info"),
		TraceStdout:  os.Getenv("TRACE_STDOUT") == "1",
		APIKey:       os.Getenv("API_KEY"),
		JWTSecret:    getenv("JWT_SECRET", "dev-secret"),
		TokenTTL:     time.Duration(parseIntEnv("TOKEN_TTL_HOURS", 24*7)) * time.Hour,
		BookingTTL:   time.Duration(parseIntEnv("BOOKING_TTL_SEC", 45)) * time.Second,
		ListLimit:    parseIntEnv("BOOKING_LIST_LIMIT", 10),
		SeedInterval: time.Duration(parseIntEnv("SEED_INTERVAL_MS", 4000)) * time.Millisecond,
		SeedInitial:  parseIntEnv("SEED_INITIAL", 3),
		Driver: dispatchservice.RegisterDriverRequest{
			Email:     getenv("DRIVER_EMAIL", "driver@example.com"),
			Username:  getenv("DRIVER_USERNAME", "driver"),
			FirstName: getenv("DRIVER_FIRST_NAME", "Demo"),
			Surname:   getenv("DRIVER_SURNAME", "Driver"),
			Password:  getenv("DRIVER_PASSWORD", "password123"),
			Status:    domain.DriverApproved,
		},
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

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
