package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"podstrip/internal/domain"
	"podstrip/internal/infra/metrics"
)

// Service управляет жизненным циклом задач обработки: создание строки в БД,
// передача в очередь и переходы статусов со стороны воркера.
type Service struct {
	jobs     domain.ProcessingJobRepo
	queue    domain.JobQueue
	episodes domain.EpisodeRepo
	log      zerolog.Logger
}

// NewService создаёт сервис задач.
func NewService(jobs domain.ProcessingJobRepo, queue domain.JobQueue, episodes domain.EpisodeRepo, logger zerolog.Logger) *Service {
	return &Service{jobs: jobs, queue: queue, episodes: episodes, log: logger}
}

// Start создаёт pending-задачу и публикует сообщение в очередь.
// Передача в очередь не блокирует ответ HTTP: Enqueue возвращается сразу после
// публикации, обработку выполняет воркер.
func (s *Service) Start(ctx context.Context, postGUID string, source domain.TriggerSource, triggeredBy *int64, priority int) (domain.ProcessingJob, error) {
	job := domain.ProcessingJob{
		ID:                uuid.NewString(),
		PostGUID:          postGUID,
		Status:            domain.JobStatusPending,
		TriggerSource:     source,
		TriggeredByUserID: triggeredBy,
	}
	created, err := s.jobs.CreateJob(job)
	if err != nil {
		return domain.ProcessingJob{}, fmt.Errorf("создание задачи: %w", err)
	}

	msg := domain.JobMessage{
		JobID:             created.ID,
		PostGUID:          postGUID,
		TriggerSource:     source,
		TriggeredByUserID: triggeredBy,
		Priority:          priority,
		RequestedAt:       time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		// Строка уже создана; без сообщения воркер её не увидит, поэтому
		// помечаем failed, чтобы кулдаун не держал эпизод впустую дольше окна.
		if failErr := s.jobs.FailJob(created.ID, "не удалось опубликовать задачу в очередь"); failErr != nil {
			s.log.Error().Err(failErr).Str("job_id", created.ID).Msg("jobs: не удалось пометить задачу failed после ошибки очереди")
		}
		return domain.ProcessingJob{}, fmt.Errorf("публикация задачи: %w", err)
	}
	metrics.IncJobStarted(string(source))
	return created, nil
}

// Claim атомарно забирает задачу в работу.
// false означает, что задача уже завершена: повторная доставка из очереди
// не перезапускает готовый эпизод.
func (s *Service) Claim(jobID string) (domain.ProcessingJob, bool, error) {
	return s.jobs.ClaimJob(jobID)
}

// RegisterAttempt фиксирует доставку сообщения и возвращает номер попытки.
func (s *Service) RegisterAttempt(jobID string) (int, error) {
	return s.jobs.RegisterJobAttempt(jobID)
}

// Progress обновляет шаг выполнения задачи.
func (s *Service) Progress(jobID string, step int, stepName string, progressPct float64) error {
	return s.jobs.UpdateJobProgress(jobID, step, stepName, progressPct)
}

// Complete завершает задачу и публикует путь обработанного аудио эпизода.
func (s *Service) Complete(ctx context.Context, job domain.ProcessingJob, outputPath string) error {
	if err := s.episodes.SetProcessedAudioPath(job.PostGUID, outputPath); err != nil {
		return fmt.Errorf("сохранение пути аудио: %w", err)
	}
	if err := s.jobs.CompleteJob(job.ID); err != nil {
		return fmt.Errorf("завершение задачи: %w", err)
	}
	return nil
}

// Fail помечает задачу проваленной с текстом ошибки.
func (s *Service) Fail(jobID, message string) error {
	return s.jobs.FailJob(jobID, message)
}

// Get возвращает задачу по идентификатору.
func (s *Service) Get(jobID string) (domain.ProcessingJob, error) {
	return s.jobs.GetJob(jobID)
}

// LatestFor возвращает последнюю задачу эпизода для проекции статуса.
func (s *Service) LatestFor(postGUID string) (*domain.ProcessingJob, error) {
	job, found, err := s.jobs.FindLatestJob(postGUID)
	if err != nil {
		return nil, fmt.Errorf("поиск последней задачи: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

// ListActive возвращает активные задачи для операционного API.
func (s *Service) ListActive(limit int) ([]domain.ProcessingJob, error) {
	return s.jobs.ListActiveJobs(limit)
}

// History возвращает историю задач со сводкой.
func (s *Service) History(filter domain.JobHistoryFilter) ([]domain.ProcessingJob, domain.JobSummary, error) {
	list, err := s.jobs.ListJobHistory(filter)
	if err != nil {
		return nil, domain.JobSummary{}, fmt.Errorf("история задач: %w", err)
	}
	summary, err := s.jobs.SummarizeJobs()
	if err != nil {
		return nil, domain.JobSummary{}, fmt.Errorf("сводка задач: %w", err)
	}
	return list, summary, nil
}
