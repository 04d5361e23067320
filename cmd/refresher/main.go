package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"podstrip/internal/adapters/repo"
	"podstrip/internal/domain"
	"podstrip/internal/infra/config"
	"podstrip/internal/infra/db"
	applog "podstrip/internal/infra/log"
	"podstrip/internal/infra/metrics"
	"podstrip/internal/infra/queue"
	"podstrip/internal/usecase/decision"
	jobsusecase "podstrip/internal/usecase/jobs"
)

// refresher обходит белый список и досылает в очередь эпизоды, которые никто
// не запросил руками. Guard применяется так же, как на HTTP-путях: фоновый
// обход не обходит ни дедупликацию, ни кулдаун.
func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("refresher: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	jobQueue, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("refresher: нет подключения к очереди")
	}

	jobsService := jobsusecase.NewService(repoAdapter, jobQueue, repoAdapter, logger.With().Str("component", "jobs").Logger())
	guard := decision.NewGuard(repoAdapter, time.Duration(cfg.Decision.CooldownSeconds)*time.Second)

	logger.Info().Int("batch", cfg.Refresher.BatchSize).Msg("refresher: старт")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("refresher: остановка")
			return
		case <-ticker.C:
			refreshOnce(ctx, repoAdapter, guard, jobsService, cfg.Refresher.BatchSize, logger)
		}
	}
}

func buildQueue(cfg config.AppConfig) (domain.JobQueue, error) {
	if cfg.RabbitURL != "" {
		return queue.NewAMQPJobQueue(cfg.RabbitURL, cfg.Queues.Jobs)
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("не задан ни RABBITMQ_URL, ни REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return queue.NewRedisJobQueue(client, cfg.Queues.Jobs), nil
}

func refreshOnce(ctx context.Context, episodes domain.EpisodeRepo, guard *decision.Guard, jobs *jobsusecase.Service, batchSize int, logger zerolog.Logger) {
	pending, err := episodes.ListUnprocessedWhitelisted(batchSize)
	if err != nil {
		logger.Error().Err(err).Msg("refresher: ошибка выборки эпизодов")
		return
	}
	for _, episode := range pending {
		verdict, err := guard.Evaluate(episode.GUID)
		if err != nil {
			logger.Error().Err(err).Str("guid", episode.GUID).Msg("refresher: ошибка проверки guard")
			continue
		}
		if !verdict.CanTrigger {
			continue
		}
		if _, err := jobs.Start(ctx, episode.GUID, domain.TriggerSourceAutoFeedRefresh, nil, domain.JobPriorityBackground); err != nil {
			logger.Error().Err(err).Str("guid", episode.GUID).Msg("refresher: не удалось запустить задачу")
			continue
		}
		logger.Info().Str("guid", episode.GUID).Msg("refresher: эпизод поставлен в очередь")
	}
}
