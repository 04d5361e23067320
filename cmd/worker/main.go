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
	"github.com/rs/zerolog"

	"podstrip/internal/adapters/processor"
	"podstrip/internal/adapters/repo"
	"podstrip/internal/adapters/storage"
	"podstrip/internal/domain"
	"podstrip/internal/infra/config"
	"podstrip/internal/infra/db"
	applog "podstrip/internal/infra/log"
	"podstrip/internal/infra/metrics"
	"podstrip/internal/infra/queue"
	auditusecase "podstrip/internal/usecase/audit"
	jobsusecase "podstrip/internal/usecase/jobs"
	statususecase "podstrip/internal/usecase/status"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	audioStorage, err := storage.NewLocal(cfg.Audio.Root)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: недоступен каталог аудио")
	}

	if cfg.Audio.ProcessorCmd == "" {
		logger.Fatal().Msg("worker: не указана команда обработки (PROCESSOR_CMD)")
	}
	processorAdapter, err := processor.NewExec(cfg.Audio.ProcessorCmd, cfg.Audio.ProcessedDir, logger.With().Str("component", "processor").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось создать адаптер обработки")
	}

	jobQueue, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к очереди")
	}

	jobsService := jobsusecase.NewService(repoAdapter, jobQueue, repoAdapter, logger.With().Str("component", "jobs").Logger())
	auditRecorder := auditusecase.NewRecorder(repoAdapter, logger.With().Str("component", "audit").Logger())

	worker := &jobWorker{
		log:         logger,
		queue:       jobQueue,
		jobs:        jobsService,
		episodes:    repoAdapter,
		storage:     audioStorage,
		processor:   processorAdapter,
		audit:       auditRecorder,
		maxAttempts: cfg.Worker.MaxAttempts,
	}

	logger.Info().Msg("worker: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("worker: остановлен")
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

type jobWorker struct {
	log         zerolog.Logger
	queue       domain.JobQueue
	jobs        *jobsusecase.Service
	episodes    domain.EpisodeRepo
	storage     domain.AudioStorage
	processor   domain.AudioProcessor
	audit       *auditusecase.Recorder
	maxAttempts int
}

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

func (w *jobWorker) Run(ctx context.Context) {
	for {
		msg, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", msg.JobID).
			Str("guid", msg.PostGUID).
			Str("trigger_source", string(msg.TriggerSource)).
			Logger()

		if msg.JobID == "" {
			jobLog.Error().Msg("worker: получено сообщение без идентификатора задачи, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось подтвердить сообщение без идентификатора")
			}
			continue
		}

		attempt, err := w.jobs.RegisterAttempt(msg.JobID)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				jobLog.Warn().Msg("worker: задача не найдена в БД, подтверждаем и пропускаем")
				if ackErr := ack(true); ackErr != nil {
					jobLog.Error().Err(ackErr).Msg("worker: не удалось подтвердить потерянную задачу")
				}
				continue
			}
			jobLog.Error().Err(err).Msg("worker: не удалось зарегистрировать попытку")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}
		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		job, claimed, err := w.jobs.Claim(msg.JobID)
		if err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось забрать задачу")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу после ошибки")
			}
			time.Sleep(time.Second)
			continue
		}
		if !claimed {
			jobLog.Info().Msg("worker: задача уже завершена, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось подтвердить завершённую задачу")
			}
			continue
		}

		outcome := w.handleJob(ctx, job, jobLog)

		if outcome == jobOutcomeRetry && attempt < w.maxAttempts {
			jobLog.Warn().Msg("worker: задача завершилась ошибкой, повторим позже")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось вернуть задачу после ошибки")
			}
			continue
		}
		if outcome == jobOutcomeRetry {
			jobLog.Error().Msg("worker: достигнут предел попыток, задача помечена проваленной")
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось подтвердить задачу")
		}
	}
}

// handleJob выполняет одну задачу обработки. Терминальные отказы (эпизод
// исчез, нет исходного аудио) завершают задачу без повторов; сбои самой
// обработки уходят в ретрай до предела попыток.
func (w *jobWorker) handleJob(ctx context.Context, job domain.ProcessingJob, jobLog zerolog.Logger) jobOutcome {
	episode, err := w.episodes.GetEpisodeByGUID(job.PostGUID)
	if err != nil {
		if errors.Is(err, domain.ErrEpisodeNotFound) {
			jobLog.Error().Msg("worker: эпизод задачи не найден")
			w.failJob(ctx, job, nil, "Episode not found")
			return jobOutcomeCompleted
		}
		jobLog.Error().Err(err).Msg("worker: ошибка чтения эпизода")
		return w.retryOrFail(ctx, job, nil, "Database error")
	}

	if episode.HasProcessedAudio() && w.storage.Exists(episode.ProcessedAudioPath) {
		jobLog.Info().Msg("worker: эпизод уже обработан, завершаем задачу без работы")
		if err := w.jobs.Complete(ctx, job, episode.ProcessedAudioPath); err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось завершить задачу готового эпизода")
			return jobOutcomeRetry
		}
		return jobOutcomeCompleted
	}

	if episode.UnprocessedAudioPath == "" || !w.storage.Exists(episode.UnprocessedAudioPath) {
		jobLog.Error().Str("path", episode.UnprocessedAudioPath).Msg("worker: исходное аудио эпизода отсутствует")
		w.failJob(ctx, job, &episode, "Original audio not found")
		return jobOutcomeCompleted
	}

	w.recordProcessEvent(ctx, episode, job, domain.AccessEventProcessStarted)
	jobLog.Info().Msg("worker: начинаем обработку эпизода")

	localEpisode := episode
	if resolved, err := w.storage.Resolve(episode.UnprocessedAudioPath); err == nil {
		localEpisode.UnprocessedAudioPath = resolved
	}

	start := time.Now()
	outputPath, err := w.processor.Process(ctx, localEpisode, func(step int, name string) {
		pct := float64(step) / float64(statususecase.DefaultTotalSteps) * 100
		if progressErr := w.jobs.Progress(job.ID, step, name, pct); progressErr != nil {
			jobLog.Error().Err(progressErr).Int("step", step).Msg("worker: не удалось обновить прогресс")
		}
	})
	metrics.JobProcessingSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		jobLog.Error().Err(err).Msg("worker: обработка эпизода завершилась ошибкой")
		return w.retryOrFail(ctx, job, &episode, "Audio processing failed")
	}

	if err := w.jobs.Complete(ctx, job, outputPath); err != nil {
		jobLog.Error().Err(err).Msg("worker: не удалось завершить задачу")
		return jobOutcomeRetry
	}
	w.recordProcessEvent(ctx, episode, job, domain.AccessEventProcessComplete)
	jobLog.Info().Str("output", outputPath).Dur("took", time.Since(start)).Msg("worker: эпизод обработан")
	return jobOutcomeCompleted
}

// retryOrFail оставляет задачу на повтор, пока попытки не исчерпаны, после
// чего помечает её проваленной.
func (w *jobWorker) retryOrFail(ctx context.Context, job domain.ProcessingJob, episode *domain.Episode, message string) jobOutcome {
	if job.Attempts >= w.maxAttempts {
		w.failJob(ctx, job, episode, message)
		return jobOutcomeCompleted
	}
	return jobOutcomeRetry
}

func (w *jobWorker) failJob(ctx context.Context, job domain.ProcessingJob, episode *domain.Episode, message string) {
	if err := w.jobs.Fail(job.ID, message); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("worker: не удалось пометить задачу проваленной")
	}
	if episode != nil {
		w.recordProcessEvent(ctx, *episode, job, domain.AccessEventFailed)
	}
}

func (w *jobWorker) recordProcessEvent(ctx context.Context, episode domain.Episode, job domain.ProcessingJob, eventType domain.AccessEventType) {
	event := domain.AccessEvent{
		PostID:     &episode.ID,
		FeedID:     &episode.FeedID,
		UserID:     job.TriggeredByUserID,
		EventType:  eventType,
		AuthType:   domain.AuthTypeNone,
		ClientIP:   "worker",
		UserAgent:  fmt.Sprintf("worker/%s", job.TriggerSource),
		OccurredAt: time.Now().UTC(),
	}
	w.audit.Record(ctx, event)
}
