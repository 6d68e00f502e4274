package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"schoolerp/attendance/internal/attendance"
	"schoolerp/attendance/internal/auth"
	"schoolerp/attendance/internal/cache"
	"schoolerp/attendance/internal/config"
	"schoolerp/attendance/internal/db"
	attendancegrpc "schoolerp/attendance/internal/grpc"
	internalhttp "schoolerp/attendance/internal/http"
	"schoolerp/attendance/internal/jobs"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
	if err != nil {
		log.Fatal().Err(err).Msg("db connection failed")
	}
	defer pool.Close()

	store := db.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("redis ping failed")
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Error().Err(err).Msg("redis close error")
			}
		}()
	}

	policies := cache.NewPolicyCache(db.NewPolicySource(store), redisClient, cfg.PolicyCacheTTL)
	service := attendance.NewService(store, store, policies, attendance.PermissionAuthorizer{}).
		WithUnlockTTL(cfg.UnlockGrantTTL)
	if redisClient != nil && cfg.SummaryCacheTTL > 0 {
		service.WithSummaryCache(cache.NewSummaryCache(redisClient, cfg.SummaryCacheTTL))
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTPublicKey, cfg.JWTIssuer)
	if err != nil {
		log.Fatal().Err(err).Msg("jwt verifier init failed")
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           internalhttp.NewServer(service, verifier).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serviceAuthInterceptor, err := attendancegrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken)
	if err != nil {
		log.Fatal().Err(err).Msg("grpc service auth init failed")
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(attendancegrpc.LoggingUnaryInterceptor, serviceAuthInterceptor))
	attendancegrpc.RegisterAttendanceQueryServer(grpcServer, attendancegrpc.NewAttendanceQueryServer(service, service.Aggregator()))
	jobs.StartUnlockSweepJob(ctx, cfg, store)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("attendance http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("grpc listen error")
		}
		log.Info().Str("addr", cfg.GRPCAddr).Msg("attendance grpc listening")
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatal().Err(err).Msg("grpc server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	grpcServer.GracefulStop()
	log.Info().Msg("attendance stopped")
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", "attendance").Logger()
	zerolog.DefaultContextLogger = &log.Logger
}
