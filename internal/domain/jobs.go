package domain

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound возвращается, когда задача обработки не найдена.
var ErrJobNotFound = errors.New("processing job not found")

// JobStatus описывает состояние задачи обработки эпизода.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusSkipped   JobStatus = "skipped"
)

// Active сообщает, занимает ли задача слот «одна активная задача на эпизод».
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// TriggerSource описывает источник запуска обработки.
type TriggerSource string

const (
	TriggerSourceManualUI        TriggerSource = "manual_ui"
	TriggerSourceManualReprocess TriggerSource = "manual_reprocess"
	TriggerSourceTriggerLink     TriggerSource = "trigger_link"
	TriggerSourceOnDemandRSS     TriggerSource = "on_demand_rss"
	TriggerSourceAutoFeedRefresh TriggerSource = "auto_feed_refresh"
)

// Приоритеты доставки задач в очереди.
const (
	JobPriorityBackground  = 1
	JobPriorityInteractive = 5
)

// ProcessingJob описывает задачу удаления рекламы из аудио эпизода.
// Задача ссылается на эпизод по GUID, а не по идентификатору строки:
// записи задач переживают пересборку фида.
type ProcessingJob struct {
	ID                 string
	PostGUID           string
	Status             JobStatus
	TriggerSource      TriggerSource
	TriggeredByUserID  *int64
	CurrentStep        *int
	TotalSteps         *int
	StepName           *string
	ProgressPercentage *float64
	ErrorMessage       *string
	Attempts           int
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// ProcessingJobRepo управляет записями задач обработки.
type ProcessingJobRepo interface {
	CreateJob(job ProcessingJob) (ProcessingJob, error)
	GetJob(id string) (ProcessingJob, error)
	// FindActiveJob возвращает задачу эпизода в статусе pending или running.
	FindActiveJob(postGUID string) (ProcessingJob, bool, error)
	// FindLatestJob возвращает последнюю созданную задачу эпизода в любом статусе.
	FindLatestJob(postGUID string) (ProcessingJob, bool, error)
	// ClaimJob атомарно переводит задачу из pending или running в running;
	// false означает, что задача уже завершена.
	ClaimJob(id string) (ProcessingJob, bool, error)
	// RegisterJobAttempt увеличивает счётчик доставок и возвращает номер попытки.
	RegisterJobAttempt(id string) (int, error)
	UpdateJobProgress(id string, step int, stepName string, progress float64) error
	CompleteJob(id string) error
	FailJob(id string, errorMessage string) error
	ListActiveJobs(limit int) ([]ProcessingJob, error)
	ListJobHistory(filter JobHistoryFilter) ([]ProcessingJob, error)
	SummarizeJobs() (JobSummary, error)
}

// JobHistoryFilter ограничивает выборку истории задач.
type JobHistoryFilter struct {
	Limit         int
	Status        JobStatus
	TriggerSource TriggerSource
}

// JobSummary содержит сводку по задачам для операционного API.
type JobSummary struct {
	Total           int
	Completed       int
	Failed          int
	ByTriggerSource map[string]int
}

// JobMessage — сообщение очереди о необходимости обработать эпизод.
type JobMessage struct {
	JobID             string        `json:"job_id"`
	PostGUID          string        `json:"post_guid"`
	TriggerSource     TriggerSource `json:"trigger_source"`
	TriggeredByUserID *int64        `json:"triggered_by_user_id,omitempty"`
	Priority          int           `json:"priority,omitempty"`
	RequestedAt       time.Time     `json:"requested_at"`
}

// JobQueue описывает очередь задач обработки.
type JobQueue interface {
	Enqueue(ctx context.Context, msg JobMessage) error
	Receive(ctx context.Context) (JobMessage, JobAckFunc, error)
}

// JobAckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type JobAckFunc func(success bool) error
