package decision

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"podstrip/internal/domain"
)

// Подсказки retry-after для исходов, которые велят клиенту прийти позже.
const (
	readOnlyRetryAfter      = 300
	triggerAcceptedRetry    = 60
	internalErrorRetryAfter = 60
)

// Outcome — закрытое перечисление исходов машинного пути скачивания.
type Outcome int

const (
	OutcomeServeAudio Outcome = iota
	OutcomeProbeNoop
	OutcomeNotFound
	OutcomeForbidden
	OutcomeNotAuthorized
	OutcomeReadOnlyRefusal
	OutcomeJobExists
	OutcomeCooldown
	OutcomeTriggerAccepted
	OutcomeInternalError
)

// String возвращает имя исхода для логов и метрик.
func (o Outcome) String() string {
	switch o {
	case OutcomeServeAudio:
		return "serve_audio"
	case OutcomeProbeNoop:
		return "probe_noop"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeForbidden:
		return "forbidden"
	case OutcomeNotAuthorized:
		return "not_authorized"
	case OutcomeReadOnlyRefusal:
		return "read_only_refusal"
	case OutcomeJobExists:
		return "job_exists"
	case OutcomeCooldown:
		return "cooldown"
	case OutcomeTriggerAccepted:
		return "trigger_accepted"
	default:
		return "internal_error"
	}
}

// DownloadDecision — результат DecideDownload.
type DownloadDecision struct {
	Outcome           Outcome
	RetryAfterSeconds int
	Episode           domain.Episode
}

// TriggerState — закрытое перечисление состояний человеческой trigger-страницы.
type TriggerState int

const (
	TriggerStarted TriggerState = iota
	TriggerInProgress
	TriggerReady
	TriggerCooldown
	TriggerCombinedRefused
	TriggerNotEnabled
	TriggerAccessDenied
	TriggerNotFound
	TriggerInternalError
)

// String возвращает имя состояния для логов и метрик.
func (s TriggerState) String() string {
	switch s {
	case TriggerStarted:
		return "started"
	case TriggerInProgress:
		return "in_progress"
	case TriggerReady:
		return "ready"
	case TriggerCooldown:
		return "cooldown"
	case TriggerCombinedRefused:
		return "combined_refused"
	case TriggerNotEnabled:
		return "not_enabled"
	case TriggerAccessDenied:
		return "access_denied"
	case TriggerNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}

// TriggerDecision — результат DecideTrigger.
type TriggerDecision struct {
	State             TriggerState
	RetryAfterSeconds int
	Episode           domain.Episode
}

// RequestMeta — атрибуты запроса для аудита.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
}

// JobStarter запускает новую задачу обработки: строка в БД плюс сообщение
// в очередь. Сама обработка идёт асинхронно в воркере.
type JobStarter interface {
	Start(ctx context.Context, postGUID string, source domain.TriggerSource, triggeredBy *int64, priority int) (domain.ProcessingJob, error)
}

// AuditRecorder пишет событие доступа, не возвращая ошибку наверх.
type AuditRecorder interface {
	Record(ctx context.Context, event domain.AccessEvent)
}

// Engine — центральный автомат решений по запросам к аудио эпизодов.
type Engine struct {
	episodes  domain.EpisodeRepo
	readiness *ReadinessOracle
	guard     *Guard
	starter   JobStarter
	audit     AuditRecorder
	log       zerolog.Logger
}

// NewEngine создаёт движок решений.
func NewEngine(episodes domain.EpisodeRepo, readiness *ReadinessOracle, guard *Guard, starter JobStarter, audit AuditRecorder, logger zerolog.Logger) *Engine {
	return &Engine{episodes: episodes, readiness: readiness, guard: guard, starter: starter, audit: audit, log: logger}
}

// DecideDownload — машинный вход: решает судьбу запроса подкаст-клиента к
// аудио эпизода. Никогда не возвращает ошибку и не паникует: любой сбой
// коллаборатора превращается в OutcomeInternalError с retry-подсказкой,
// потому что упавший обработчик для клиента неотличим от «задача молча не
// запустилась», и клиент будет вечно ретраить сломанный сервер.
func (e *Engine) DecideDownload(ctx context.Context, guid string, token *domain.CapabilityToken, class RequestClass, meta RequestMeta) (decision DownloadDecision) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("guid", guid).Msg("decision: паника при обработке запроса скачивания")
			decision = DownloadDecision{Outcome: OutcomeInternalError, RetryAfterSeconds: internalErrorRetryAfter}
		}
	}()
	decision, err := e.decideDownload(ctx, guid, token, class, meta)
	if err != nil {
		e.log.Error().Err(err).Str("guid", guid).Msg("decision: ошибка при обработке запроса скачивания")
		return DownloadDecision{Outcome: OutcomeInternalError, RetryAfterSeconds: internalErrorRetryAfter}
	}
	return decision
}

func (e *Engine) decideDownload(ctx context.Context, guid string, token *domain.CapabilityToken, class RequestClass, meta RequestMeta) (DownloadDecision, error) {
	episode, err := e.episodes.GetEpisodeByGUID(guid)
	if err != nil {
		if errors.Is(err, domain.ErrEpisodeNotFound) {
			return DownloadDecision{Outcome: OutcomeNotFound}, nil
		}
		return DownloadDecision{}, err
	}

	if !episode.Whitelisted {
		return DownloadDecision{Outcome: OutcomeForbidden, Episode: episode}, nil
	}

	if e.readiness.Ready(episode) {
		if token == nil || !token.CanRead(episode.FeedID) {
			return DownloadDecision{Outcome: OutcomeNotAuthorized, Episode: episode}, nil
		}
		return DownloadDecision{Outcome: OutcomeServeAudio, Episode: episode}, nil
	}

	// Проба намеренно невидима: ни записи в аудит, ни касания задач.
	if class == ClassProbe {
		return DownloadDecision{Outcome: OutcomeProbeNoop, Episode: episode}, nil
	}

	if token == nil || !token.CanRead(episode.FeedID) {
		return DownloadDecision{Outcome: OutcomeNotAuthorized, Episode: episode}, nil
	}

	if token.IsCombined() {
		// Общий фид охватывает все подписки пользователя: разреши он запуск,
		// один refresh веером запускал бы обработку каждого эпизода.
		e.recordDecision(ctx, episode, token, domain.AccessEventAudioDownload, domain.DecisionNotReadyNoTrigger, meta)
		return DownloadDecision{Outcome: OutcomeReadOnlyRefusal, RetryAfterSeconds: readOnlyRetryAfter, Episode: episode}, nil
	}

	verdict, err := e.guard.Evaluate(episode.GUID)
	if err != nil {
		return DownloadDecision{}, err
	}
	switch {
	case verdict.CanTrigger:
		_, err := e.starter.Start(ctx, episode.GUID, domain.TriggerSourceOnDemandRSS, &token.UserID, domain.JobPriorityInteractive)
		if err != nil {
			return DownloadDecision{}, err
		}
		e.recordDecision(ctx, episode, token, domain.AccessEventAudioDownload, domain.DecisionTriggered, meta)
		return DownloadDecision{Outcome: OutcomeTriggerAccepted, RetryAfterSeconds: triggerAcceptedRetry, Episode: episode}, nil
	case verdict.Reason == GuardReasonJobExists:
		e.recordDecision(ctx, episode, token, domain.AccessEventAudioDownload, domain.DecisionJobExists, meta)
		return DownloadDecision{Outcome: OutcomeJobExists, RetryAfterSeconds: verdict.RetryAfterSeconds, Episode: episode}, nil
	default:
		e.recordDecision(ctx, episode, token, domain.AccessEventAudioDownload, domain.DecisionCooldownActive, meta)
		return DownloadDecision{Outcome: OutcomeCooldown, RetryAfterSeconds: verdict.RetryAfterSeconds, Episode: episode}, nil
	}
}

// DecideTrigger — человеческий вход через ссылку в RSS. В отличие от
// скачивания: общий токен отклоняется явной страницей, токен чужого фида —
// отказом в доступе, невключённый эпизод объясняется отдельно, а готовый
// эпизод показывает страницу со ссылкой, а не поток байтов.
func (e *Engine) DecideTrigger(ctx context.Context, guid string, token domain.CapabilityToken, meta RequestMeta) (decision TriggerDecision) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("guid", guid).Msg("decision: паника при обработке trigger-запроса")
			decision = TriggerDecision{State: TriggerInternalError}
		}
	}()
	decision, err := e.decideTrigger(ctx, guid, token, meta)
	if err != nil {
		e.log.Error().Err(err).Str("guid", guid).Msg("decision: ошибка при обработке trigger-запроса")
		return TriggerDecision{State: TriggerInternalError}
	}
	return decision
}

func (e *Engine) decideTrigger(ctx context.Context, guid string, token domain.CapabilityToken, meta RequestMeta) (TriggerDecision, error) {
	episode, err := e.episodes.GetEpisodeByGUID(guid)
	if err != nil {
		if errors.Is(err, domain.ErrEpisodeNotFound) {
			return TriggerDecision{State: TriggerNotFound}, nil
		}
		return TriggerDecision{}, err
	}

	if token.IsCombined() {
		e.recordDecision(ctx, episode, &token, domain.AccessEventTriggerOpen, domain.DecisionNotReadyNoTrigger, meta)
		return TriggerDecision{State: TriggerCombinedRefused, Episode: episode}, nil
	}
	if *token.FeedID != episode.FeedID {
		return TriggerDecision{State: TriggerAccessDenied, Episode: episode}, nil
	}
	if !episode.Whitelisted {
		return TriggerDecision{State: TriggerNotEnabled, Episode: episode}, nil
	}

	if e.readiness.Ready(episode) {
		e.recordDecision(ctx, episode, &token, domain.AccessEventTriggerOpen, domain.DecisionServedAudio, meta)
		return TriggerDecision{State: TriggerReady, Episode: episode}, nil
	}

	verdict, err := e.guard.Evaluate(episode.GUID)
	if err != nil {
		return TriggerDecision{}, err
	}
	switch {
	case verdict.CanTrigger:
		_, err := e.starter.Start(ctx, episode.GUID, domain.TriggerSourceTriggerLink, &token.UserID, domain.JobPriorityInteractive)
		if err != nil {
			return TriggerDecision{}, err
		}
		e.recordDecision(ctx, episode, &token, domain.AccessEventTriggerOpen, domain.DecisionTriggered, meta)
		return TriggerDecision{State: TriggerStarted, RetryAfterSeconds: triggerAcceptedRetry, Episode: episode}, nil
	case verdict.Reason == GuardReasonJobExists:
		e.recordDecision(ctx, episode, &token, domain.AccessEventTriggerOpen, domain.DecisionJobExists, meta)
		return TriggerDecision{State: TriggerInProgress, RetryAfterSeconds: verdict.RetryAfterSeconds, Episode: episode}, nil
	default:
		e.recordDecision(ctx, episode, &token, domain.AccessEventTriggerOpen, domain.DecisionCooldownActive, meta)
		return TriggerDecision{State: TriggerCooldown, RetryAfterSeconds: verdict.RetryAfterSeconds, Episode: episode}, nil
	}
}

func (e *Engine) recordDecision(ctx context.Context, episode domain.Episode, token *domain.CapabilityToken, eventType domain.AccessEventType, dec domain.AccessDecision, meta RequestMeta) {
	if e.audit == nil {
		return
	}
	event := domain.AccessEvent{
		PostID:         &episode.ID,
		FeedID:         &episode.FeedID,
		EventType:      eventType,
		AuthType:       domain.AuthTypeNone,
		DownloadSource: domain.DownloadSourceRSS,
		Decision:       dec,
		ClientIP:       meta.ClientIP,
		UserAgent:      meta.UserAgent,
		OccurredAt:     time.Now().UTC(),
	}
	if token != nil {
		event.UserID = &token.UserID
		event.AuthType = token.AuthType()
	}
	e.audit.Record(ctx, event)
}
