package decision

import (
	"fmt"
	"time"

	"podstrip/internal/domain"
)

const (
	// DefaultCooldown — минимальный интервал между созданиями задач одного эпизода.
	DefaultCooldown = 600 * time.Second

	jobExistsRetryAfter   = 120
	cooldownRetryAfterMax = 300
)

// GuardReason объясняет, почему запуск новой задачи запрещён.
type GuardReason string

const (
	GuardReasonJobExists GuardReason = "job_exists"
	GuardReasonCooldown  GuardReason = "cooldown"
)

// GuardVerdict — решение стража дедупликации и кулдауна.
type GuardVerdict struct {
	CanTrigger        bool
	Reason            GuardReason
	RetryAfterSeconds int
}

// Guard решает, можно ли создать новую задачу обработки эпизода.
// Страж не держит состояния: и дедупликация, и кулдаун читаются из
// долговременного хранилища задач, поэтому решение одинаково для всех
// инстансов и переживает перезапуск.
type Guard struct {
	jobs     domain.ProcessingJobRepo
	cooldown time.Duration
	now      func() time.Time
}

// NewGuard создаёт стража. cooldown <= 0 включает значение по умолчанию.
func NewGuard(jobs domain.ProcessingJobRepo, cooldown time.Duration) *Guard {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Guard{jobs: jobs, cooldown: cooldown, now: time.Now}
}

// Evaluate проверяет дедупликацию и кулдаун для эпизода.
func (g *Guard) Evaluate(postGUID string) (GuardVerdict, error) {
	_, found, err := g.jobs.FindActiveJob(postGUID)
	if err != nil {
		return GuardVerdict{}, fmt.Errorf("поиск активной задачи: %w", err)
	}
	if found {
		return GuardVerdict{Reason: GuardReasonJobExists, RetryAfterSeconds: jobExistsRetryAfter}, nil
	}

	latest, found, err := g.jobs.FindLatestJob(postGUID)
	if err != nil {
		return GuardVerdict{}, fmt.Errorf("поиск последней задачи: %w", err)
	}
	if found {
		elapsed := g.now().UTC().Sub(latest.CreatedAt)
		if elapsed < g.cooldown {
			remaining := int((g.cooldown - elapsed).Seconds())
			if remaining < 1 {
				remaining = 1
			}
			if remaining > cooldownRetryAfterMax {
				remaining = cooldownRetryAfterMax
			}
			return GuardVerdict{Reason: GuardReasonCooldown, RetryAfterSeconds: remaining}, nil
		}
	}

	return GuardVerdict{CanTrigger: true}, nil
}
