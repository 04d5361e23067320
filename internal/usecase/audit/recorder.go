package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"podstrip/internal/domain"
)

// Recorder пишет события доступа по принципу fire-and-forget: отказ записи
// аудита никогда не блокирует и не роняет основной путь запроса.
type Recorder struct {
	events domain.AccessEventRepo
	log    zerolog.Logger
}

// NewRecorder создаёт рекордер.
func NewRecorder(events domain.AccessEventRepo, logger zerolog.Logger) *Recorder {
	return &Recorder{events: events, log: logger}
}

// Record сохраняет событие, проглатывая ошибку в лог.
func (r *Recorder) Record(ctx context.Context, event domain.AccessEvent) {
	if r == nil || r.events == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := r.events.RecordAccessEvent(ctx, event); err != nil {
		r.log.Error().Err(err).Str("event_type", string(event.EventType)).Str("decision", string(event.Decision)).Msg("audit: не удалось сохранить событие доступа")
	}
}
