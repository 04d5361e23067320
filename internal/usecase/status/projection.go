package status

import "podstrip/internal/domain"

// Таблица имён шагов конвейера обработки по индексу.
var stepNames = [...]string{
	"Waiting",
	"Downloading audio",
	"Transcribing",
	"Identifying ads",
	"Removing ads",
}

// DefaultTotalSteps — число шагов конвейера, когда задача его не сообщила.
const DefaultTotalSteps = 4

// Payload — стабильный статус для опроса клиентом. Все поля всегда
// определены: клиент опрашивает эндпоинт каждые ~2 секунды и не обязан
// защищаться от null.
type Payload struct {
	State              string  `json:"state"`
	Processed          bool    `json:"processed"`
	CurrentStep        int     `json:"current_step"`
	TotalSteps         int     `json:"total_steps"`
	StepName           string  `json:"step_name"`
	ProgressPercentage float64 `json:"progress_percentage"`
	Message            string  `json:"message,omitempty"`
}

// Project отображает сырую запись задачи в статус для клиента.
// Функция чистая и тотальная: любой вход даёт корректный Payload.
// job == nil означает, что задач по эпизоду нет.
func Project(job *domain.ProcessingJob, ready bool) Payload {
	if job == nil {
		if ready {
			return Payload{State: "ready", Processed: true, TotalSteps: DefaultTotalSteps, StepName: stepNames[0]}
		}
		return Payload{State: "not_started", TotalSteps: DefaultTotalSteps, StepName: stepNames[0]}
	}

	payload := Payload{
		CurrentStep: intOrZero(job.CurrentStep),
		TotalSteps:  DefaultTotalSteps,
	}
	if job.TotalSteps != nil && *job.TotalSteps > 0 {
		payload.TotalSteps = *job.TotalSteps
	}
	payload.StepName = stepName(job.StepName, payload.CurrentStep)
	payload.ProgressPercentage = progress(job, payload.CurrentStep, payload.TotalSteps)

	switch job.Status {
	case domain.JobStatusPending:
		payload.State = "queued"
	case domain.JobStatusRunning:
		payload.State = "processing"
	case domain.JobStatusCompleted:
		payload.State = "ready"
		payload.Processed = true
		payload.CurrentStep = payload.TotalSteps
		payload.ProgressPercentage = 100
	case domain.JobStatusFailed:
		payload.State = "failed"
		payload.Message = "Unknown error"
		if job.ErrorMessage != nil && *job.ErrorMessage != "" {
			payload.Message = *job.ErrorMessage
		}
	default:
		// cancelled и skipped не должны навсегда замораживать опрос:
		// эпизод можно запустить заново.
		payload.State = "not_started"
		payload.CurrentStep = 0
		payload.StepName = stepNames[0]
		payload.ProgressPercentage = 0
	}
	return payload
}

func stepName(explicit *string, step int) string {
	if explicit != nil && *explicit != "" {
		return *explicit
	}
	if step >= 0 && step < len(stepNames) {
		return stepNames[step]
	}
	return stepNames[len(stepNames)-1]
}

func progress(job *domain.ProcessingJob, step, total int) float64 {
	var value float64
	if job.ProgressPercentage != nil {
		value = *job.ProgressPercentage
	} else if total > 0 {
		value = float64(step) / float64(total) * 100
	}
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func intOrZero(v *int) int {
	if v == nil || *v < 0 {
		return 0
	}
	return *v
}
