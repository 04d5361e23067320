package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"podstrip/internal/adapters/repo"
	"podstrip/internal/adapters/storage"
	"podstrip/internal/domain"
	"podstrip/internal/infra/config"
	"podstrip/internal/infra/db"
	httpinfra "podstrip/internal/infra/http"
	"podstrip/internal/infra/metrics"
	"podstrip/internal/infra/queue"
	"podstrip/internal/infra/ratelimit"
	auditusecase "podstrip/internal/usecase/audit"
	authusecase "podstrip/internal/usecase/auth"
	"podstrip/internal/usecase/decision"
	jobsusecase "podstrip/internal/usecase/jobs"
)

func main() {
	cfg := config.Load()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	audioStorage, err := storage.NewLocal(cfg.Audio.Root)
	if err != nil {
		log.Fatal().Err(err).Msg("api: недоступен каталог аудио")
	}

	var limiter domain.AuthFailureLimiter
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		limiter = ratelimit.NewRedisFailureLimiter(redisClient, "auth_fail")
	}

	jobQueue, err := buildQueue(cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к очереди")
	}

	authService := authusecase.NewService(repoAdapter, limiter)
	auditRecorder := auditusecase.NewRecorder(repoAdapter, log.With().Str("component", "audit").Logger())
	jobsService := jobsusecase.NewService(repoAdapter, jobQueue, repoAdapter, log.With().Str("component", "jobs").Logger())
	readiness := decision.NewReadinessOracle(audioStorage)
	guard := decision.NewGuard(repoAdapter, time.Duration(cfg.Decision.CooldownSeconds)*time.Second)
	engine := decision.NewEngine(repoAdapter, readiness, guard, jobsService, auditRecorder, log.With().Str("component", "decision").Logger())

	handler := httpinfra.NewHandler(
		authService,
		engine,
		readiness,
		jobsService,
		repoAdapter,
		audioStorage,
		auditRecorder,
		cfg.AdminToken,
		log.With().Str("component", "http").Logger(),
	)

	srv := httpinfra.NewServer(log.With().Str("component", "http").Logger())
	handler.Register(srv.Router)

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")
	go func() {
		log.Info().Int("port", cfg.Port).Msg("api: старт")
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildQueue выбирает брокер задач: RabbitMQ при настроенном RABBITMQ_URL,
// иначе Redis-список.
func buildQueue(cfg config.AppConfig, redisClient *redis.Client) (domain.JobQueue, error) {
	if cfg.RabbitURL != "" {
		return queue.NewAMQPJobQueue(cfg.RabbitURL, cfg.Queues.Jobs)
	}
	if redisClient == nil {
		return nil, errors.New("не задан ни RABBITMQ_URL, ни REDIS_ADDR")
	}
	return queue.NewRedisJobQueue(redisClient, cfg.Queues.Jobs), nil
}
