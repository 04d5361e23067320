package domain

import (
	"context"
	"time"
)

// AccessEventType описывает вид события доступа.
type AccessEventType string

const (
	AccessEventAudioDownload   AccessEventType = "AUDIO_DOWNLOAD"
	AccessEventTriggerOpen     AccessEventType = "TRIGGER_OPEN"
	AccessEventProcessStarted  AccessEventType = "PROCESS_STARTED"
	AccessEventProcessComplete AccessEventType = "PROCESS_COMPLETE"
	AccessEventFailed          AccessEventType = "FAILED"
)

// AccessDecision фиксирует, чем закончился запрос к аудио.
type AccessDecision string

const (
	DecisionServedAudio       AccessDecision = "SERVED_AUDIO"
	DecisionTriggered         AccessDecision = "TRIGGERED"
	DecisionNotReadyNoTrigger AccessDecision = "NOT_READY_NO_TRIGGER"
	DecisionJobExists         AccessDecision = "JOB_EXISTS"
	DecisionCooldownActive    AccessDecision = "COOLDOWN_ACTIVE"
)

// DownloadSource различает скачивания через RSS и через веб.
type DownloadSource string

const (
	DownloadSourceRSS DownloadSource = "rss"
	DownloadSourceWeb DownloadSource = "web"
)

// AccessEvent — неизменяемая запись о решении по запросу доступа.
// События только добавляются, никогда не обновляются и не удаляются.
type AccessEvent struct {
	UserID         *int64
	PostID         *int64
	FeedID         *int64
	EventType      AccessEventType
	AuthType       AuthType
	DownloadSource DownloadSource
	Decision       AccessDecision
	IsProcessed    bool
	FileSizeBytes  *int64
	ClientIP       string
	UserAgent      string
	OccurredAt     time.Time
}

// AccessEventRepo сохраняет события доступа.
type AccessEventRepo interface {
	RecordAccessEvent(ctx context.Context, event AccessEvent) error
}
