package http

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"podstrip/internal/domain"
	"podstrip/internal/infra/metrics"
	"podstrip/internal/usecase/audit"
	authusecase "podstrip/internal/usecase/auth"
	"podstrip/internal/usecase/decision"
	jobsusecase "podstrip/internal/usecase/jobs"
	statusproj "podstrip/internal/usecase/status"
)

// Handler связывает HTTP-поверхность с движком решений.
type Handler struct {
	auth       *authusecase.Service
	engine     *decision.Engine
	readiness  *decision.ReadinessOracle
	jobs       *jobsusecase.Service
	episodes   domain.EpisodeRepo
	storage    domain.AudioStorage
	audit      *audit.Recorder
	adminToken string
	log        zerolog.Logger
}

// NewHandler создаёт обработчики API.
func NewHandler(auth *authusecase.Service, engine *decision.Engine, readiness *decision.ReadinessOracle, jobs *jobsusecase.Service, episodes domain.EpisodeRepo, storage domain.AudioStorage, auditRecorder *audit.Recorder, adminToken string, logger zerolog.Logger) *Handler {
	return &Handler{
		auth:       auth,
		engine:     engine,
		readiness:  readiness,
		jobs:       jobs,
		episodes:   episodes,
		storage:    storage,
		audit:      auditRecorder,
		adminToken: adminToken,
		log:        logger,
	}
}

// Register вешает маршруты на роутер.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.handleHealth)

	r.Get("/api/posts/{guid}/download", h.handleDownload)
	r.Head("/api/posts/{guid}/download", h.handleDownload)
	r.Get("/api/posts/{guid}/download/original", h.handleDownloadOriginal)

	// Старые переписанные фиды всё ещё указывают сюда.
	r.Get("/post/{guid}.mp3", h.handleDownload)
	r.Head("/post/{guid}.mp3", h.handleDownload)
	r.Get("/post/{guid}/original.mp3", h.handleDownloadOriginal)

	r.Get("/trigger", h.handleTriggerPage)
	r.Get("/api/trigger/status", h.handleTriggerStatus)

	r.Get("/api/jobs/active", h.requireAdmin(h.handleJobsActive))
	r.Get("/api/jobs/history", h.requireAdmin(h.handleJobsHistory))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Аутентификация по query-параметрам ---

// authOutcome — результат разбора feed_token/feed_secret из запроса.
// handled == true означает, что ответ об ошибке уже записан.
type authOutcome struct {
	token   *domain.CapabilityToken
	handled bool
}

func (h *Handler) authenticateQuery(w http.ResponseWriter, r *http.Request, asHTML bool) authOutcome {
	tokenID := r.URL.Query().Get("feed_token")
	secret := r.URL.Query().Get("feed_secret")
	if tokenID == "" && secret == "" {
		// Запрос без учётных данных идёт дальше неаутентифицированным:
		// движок сам решит между 404, 204 и 401 в правильном порядке.
		return authOutcome{}
	}

	clientID := clientIP(r)
	token, retryAfter, err := h.auth.Authenticate(tokenID, secret, clientID)
	switch {
	case err == nil:
		return authOutcome{token: &token}
	case errors.Is(err, authusecase.ErrTooManyAttempts):
		setNoStore(w)
		setRetryAfter(w, retryAfter)
		h.log.Info().Str("client", clientID).Str("path", r.URL.Path).Int("retry_after", retryAfter).Msg("http: клиент заблокирован лимитером аутентификации")
		if asHTML {
			renderTriggerPage(w, h.log, http.StatusTooManyRequests, triggerPage{
				Title:   "Too Many Attempts",
				Badge:   "err",
				Heading: "Too many authentication attempts",
				Message: fmt.Sprintf("Please wait about %d seconds and try again.", retryAfter),
			})
		} else {
			writeStateError(w, http.StatusTooManyRequests, "Too many authentication attempts")
		}
		return authOutcome{handled: true}
	case errors.Is(err, authusecase.ErrInvalidToken):
		setNoStore(w)
		setRetryAfter(w, retryAfter)
		h.log.Info().Str("path", r.URL.Path).Str("guid", r.URL.Query().Get("guid")).Str("token", safeToken(tokenID)).Msg("http: неудачная аутентификация по токену")
		if asHTML {
			renderTriggerPage(w, h.log, http.StatusUnauthorized, triggerPage{
				Title:   "Access Denied",
				Badge:   "err",
				Heading: "Invalid access link",
				Message: "This link is invalid or has been revoked. Open the episode from your podcast feed again.",
			})
		} else {
			writeStateError(w, http.StatusUnauthorized, "Invalid or missing feed token")
		}
		return authOutcome{handled: true}
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("http: ошибка аутентификации")
		if asHTML {
			renderTriggerPage(w, h.log, http.StatusInternalServerError, triggerPage{
				Title:   "Error",
				Badge:   "err",
				Heading: "Something went wrong",
				Message: "Please try again in a minute.",
			})
		} else {
			setRetryAfter(w, 60)
			writeStateError(w, http.StatusServiceUnavailable, "Temporary server error, retry later")
		}
		return authOutcome{handled: true}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// safeToken обрезает токен для логов до безопасных префикса и суффикса.
func safeToken(token string) string {
	if len(token) < 10 {
		return token
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func requestMeta(r *http.Request) decision.RequestMeta {
	return decision.RequestMeta{ClientIP: clientIP(r), UserAgent: r.UserAgent()}
}

// --- Скачивание ---

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	res := h.authenticateQuery(w, r, false)
	if res.handled {
		return
	}

	class := decision.Classify(r.Method, r.Header.Get("Range"))
	d := h.engine.DecideDownload(r.Context(), guid, res.token, class, requestMeta(r))
	metrics.IncDecision("download", d.Outcome.String())

	switch d.Outcome {
	case decision.OutcomeServeAudio:
		h.serveAudio(w, r, d.Episode, res.token, true)
	case decision.OutcomeProbeNoop:
		w.WriteHeader(http.StatusNoContent)
	case decision.OutcomeNotFound:
		writeStateError(w, http.StatusNotFound, "Episode not found")
	case decision.OutcomeForbidden:
		writeStateError(w, http.StatusForbidden, "Episode not whitelisted")
	case decision.OutcomeNotAuthorized:
		setNoStore(w)
		writeStateError(w, http.StatusUnauthorized, "Invalid or missing feed token")
	default:
		// Все варианты «ещё не готово» для машин выглядят одинаково:
		// 503 с подсказкой, когда прийти снова. Различия живут в аудите.
		setRetryAfter(w, d.RetryAfterSeconds)
		writeStateError(w, http.StatusServiceUnavailable, "Episode not yet processed, retry later")
	}
}

func (h *Handler) handleDownloadOriginal(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	res := h.authenticateQuery(w, r, false)
	if res.handled {
		return
	}

	episode, err := h.episodes.GetEpisodeByGUID(guid)
	if err != nil {
		if errors.Is(err, domain.ErrEpisodeNotFound) {
			writeStateError(w, http.StatusNotFound, "Episode not found")
			return
		}
		h.log.Error().Err(err).Str("guid", guid).Msg("http: ошибка чтения эпизода")
		setRetryAfter(w, 60)
		writeStateError(w, http.StatusServiceUnavailable, "Temporary server error, retry later")
		return
	}
	if !episode.Whitelisted {
		writeStateError(w, http.StatusForbidden, "Episode not whitelisted")
		return
	}
	if res.token == nil || !res.token.CanRead(episode.FeedID) {
		setNoStore(w)
		writeStateError(w, http.StatusUnauthorized, "Invalid or missing feed token")
		return
	}
	if episode.UnprocessedAudioPath == "" || !h.storage.Exists(episode.UnprocessedAudioPath) {
		writeStateError(w, http.StatusNotFound, "Original audio not found")
		return
	}
	h.serveAudio(w, r, episode, res.token, false)
}

func (h *Handler) serveAudio(w http.ResponseWriter, r *http.Request, episode domain.Episode, token *domain.CapabilityToken, processed bool) {
	path := episode.ProcessedAudioPath
	suffix := ".mp3"
	if !processed {
		path = episode.UnprocessedAudioPath
		suffix = "_original.mp3"
	}

	// Готовность перепроверяется непосредственно перед отдачей:
	// файл мог исчезнуть после решения движка.
	full, err := h.storage.Resolve(path)
	if err != nil || !h.storage.Exists(path) {
		h.log.Warn().Str("guid", episode.GUID).Str("path", path).Msg("http: аудио пропало между решением и отдачей")
		setRetryAfter(w, 60)
		writeStateError(w, http.StatusServiceUnavailable, "Episode not yet processed, retry later")
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sanitizeFilename(episode.Title)+suffix+`"`)
	http.ServeFile(w, r, full)

	if r.Method != http.MethodGet {
		return
	}
	if err := h.episodes.IncrementDownloadCount(episode.GUID); err != nil {
		h.log.Error().Err(err).Str("guid", episode.GUID).Msg("http: не удалось увеличить счётчик скачиваний")
	}

	event := domain.AccessEvent{
		PostID:         &episode.ID,
		FeedID:         &episode.FeedID,
		EventType:      domain.AccessEventAudioDownload,
		AuthType:       domain.AuthTypeNone,
		DownloadSource: domain.DownloadSourceWeb,
		Decision:       domain.DecisionServedAudio,
		IsProcessed:    processed,
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
		OccurredAt:     time.Now().UTC(),
	}
	if token != nil {
		event.UserID = &token.UserID
		event.AuthType = token.AuthType()
		event.DownloadSource = domain.DownloadSourceRSS
	}
	if size, err := h.storage.Size(path); err == nil {
		event.FileSizeBytes = &size
		metrics.AudioBytesServed.Add(float64(size))
	}
	h.audit.Record(r.Context(), event)
}

func sanitizeFilename(title string) string {
	if title == "" {
		return "episode"
	}
	replacer := strings.NewReplacer(`"`, "", "\\", "", "/", "-", "\n", " ", "\r", " ")
	return replacer.Replace(title)
}

// --- Trigger-страница ---

func (h *Handler) handleTriggerPage(w http.ResponseWriter, r *http.Request) {
	guid := r.URL.Query().Get("guid")
	tokenID := r.URL.Query().Get("feed_token")
	secret := r.URL.Query().Get("feed_secret")
	if guid == "" || tokenID == "" || secret == "" {
		renderTriggerPage(w, h.log, http.StatusBadRequest, triggerPage{
			Title:   "Missing Parameters",
			Badge:   "err",
			Heading: "This link is incomplete",
			Message: "Open the processing link from your podcast feed again.",
		})
		return
	}

	res := h.authenticateQuery(w, r, true)
	if res.handled {
		return
	}

	d := h.engine.DecideTrigger(r.Context(), guid, *res.token, requestMeta(r))
	metrics.IncDecision("trigger", d.State.String())

	pollURL := buildURL("/api/trigger/status", guid, tokenID, secret)
	downloadURL := buildURL("/api/posts/"+url.PathEscape(guid)+"/download", "", tokenID, secret)

	switch d.State {
	case decision.TriggerStarted:
		renderTriggerPage(w, h.log, http.StatusOK, triggerPage{
			Title:        "Processing Started",
			Badge:        "busy",
			Heading:      "Ad removal has started",
			Message:      "This usually takes a few minutes. The page will refresh itself when the episode is ready.",
			EpisodeTitle: d.Episode.Title,
			ShowProgress: true,
			PollURL:      pollURL,
		})
	case decision.TriggerInProgress:
		renderTriggerPage(w, h.log, http.StatusOK, triggerPage{
			Title:        "Processing In Progress",
			Badge:        "busy",
			Heading:      "This episode is already being processed",
			Message:      "Hang tight — the page will refresh itself when the episode is ready.",
			EpisodeTitle: d.Episode.Title,
			ShowProgress: true,
			PollURL:      pollURL,
		})
	case decision.TriggerReady:
		renderTriggerPage(w, h.log, http.StatusOK, triggerPage{
			Title:        "Episode Ready",
			Badge:        "ok",
			Heading:      "Ad-free audio is ready",
			Message:      "Download the episode or play it from your podcast app.",
			EpisodeTitle: d.Episode.Title,
			DownloadURL:  downloadURL,
		})
	case decision.TriggerCooldown:
		renderTriggerPage(w, h.log, http.StatusOK, triggerPage{
			Title:        "Please Wait",
			Badge:        "busy",
			Heading:      "A recent processing attempt just finished",
			Message:      fmt.Sprintf("Try again in about %d seconds.", d.RetryAfterSeconds),
			EpisodeTitle: d.Episode.Title,
		})
	case decision.TriggerCombinedRefused:
		renderTriggerPage(w, h.log, http.StatusForbidden, triggerPage{
			Title:   "Cannot Trigger",
			Badge:   "err",
			Heading: "Cannot trigger processing from the combined feed",
			Message: "The combined feed is read-only. Open this episode from the show's own feed to start processing.",
		})
	case decision.TriggerNotEnabled:
		renderTriggerPage(w, h.log, http.StatusConflict, triggerPage{
			Title:        "Episode Not Enabled",
			Badge:        "err",
			Heading:      "This episode is not enabled for ad removal",
			Message:      "The show owner has not enabled processing for this episode.",
			EpisodeTitle: d.Episode.Title,
		})
	case decision.TriggerAccessDenied:
		renderTriggerPage(w, h.log, http.StatusForbidden, triggerPage{
			Title:   "Access Denied",
			Badge:   "err",
			Heading: "This link does not grant access to this episode",
			Message: "The access link belongs to a different feed.",
		})
	case decision.TriggerNotFound:
		renderTriggerPage(w, h.log, http.StatusNotFound, triggerPage{
			Title:   "Episode Not Found",
			Badge:   "err",
			Heading: "We could not find this episode",
			Message: "It may have been removed from the feed.",
		})
	default:
		renderTriggerPage(w, h.log, http.StatusInternalServerError, triggerPage{
			Title:   "Error",
			Badge:   "err",
			Heading: "Something went wrong",
			Message: "Please try again in a minute.",
		})
	}
}

func buildURL(path, guid, tokenID, secret string) string {
	values := url.Values{}
	if guid != "" {
		values.Set("guid", guid)
	}
	values.Set("feed_token", tokenID)
	values.Set("feed_secret", secret)
	return path + "?" + values.Encode()
}

// --- Опрос статуса ---

func (h *Handler) handleTriggerStatus(w http.ResponseWriter, r *http.Request) {
	setNoStore(w)

	guid := r.URL.Query().Get("guid")
	tokenID := r.URL.Query().Get("feed_token")
	secret := r.URL.Query().Get("feed_secret")
	if guid == "" || tokenID == "" || secret == "" {
		writeStateError(w, http.StatusBadRequest, "Missing required parameters")
		return
	}

	res := h.authenticateQuery(w, r, false)
	if res.handled {
		return
	}

	episode, err := h.episodes.GetEpisodeByGUID(guid)
	if err != nil {
		if errors.Is(err, domain.ErrEpisodeNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"state": "not_found", "processed": false})
			return
		}
		// Опрашивающий клиент не должен ломаться от внутренней ошибки.
		h.log.Error().Err(err).Str("guid", guid).Msg("http: ошибка чтения эпизода для статуса")
		writeJSON(w, http.StatusOK, map[string]any{"state": "error", "processed": false})
		return
	}
	if !res.token.CanRead(episode.FeedID) {
		writeStateError(w, http.StatusForbidden, "Access denied")
		return
	}

	job, err := h.jobs.LatestFor(guid)
	if err != nil {
		h.log.Error().Err(err).Str("guid", guid).Msg("http: ошибка чтения задачи для статуса")
		writeJSON(w, http.StatusOK, map[string]any{"state": "error", "processed": false})
		return
	}
	writeJSON(w, http.StatusOK, statusproj.Project(job, h.readiness.Ready(episode)))
}

// --- Операционное API задач ---

func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Без настроенного ADMIN_TOKEN операционные эндпоинты не существуют.
		if h.adminToken == "" {
			http.NotFound(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(h.adminToken)) != 1 {
			writeStateError(w, http.StatusUnauthorized, "Invalid admin token")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleJobsActive(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 100)
	jobs, err := h.jobs.ListActive(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("http: ошибка выборки активных задач")
		writeStateError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobsToJSON(jobs)})
}

func (h *Handler) handleJobsHistory(w http.ResponseWriter, r *http.Request) {
	filter := domain.JobHistoryFilter{
		Limit:         parseLimit(r.URL.Query().Get("limit"), 50),
		Status:        domain.JobStatus(r.URL.Query().Get("status")),
		TriggerSource: domain.TriggerSource(r.URL.Query().Get("trigger_source")),
	}
	jobs, summary, err := h.jobs.History(filter)
	if err != nil {
		h.log.Error().Err(err).Msg("http: ошибка выборки истории задач")
		writeStateError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": jobsToJSON(jobs),
		"summary": map[string]any{
			"total":             summary.Total,
			"completed":         summary.Completed,
			"failed":            summary.Failed,
			"by_trigger_source": summary.ByTriggerSource,
		},
	})
}

func parseLimit(raw string, fallback int) int {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func jobsToJSON(jobs []domain.ProcessingJob) []map[string]any {
	out := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, map[string]any{
			"id":                   job.ID,
			"post_guid":            job.PostGUID,
			"status":               string(job.Status),
			"trigger_source":       string(job.TriggerSource),
			"triggered_by_user_id": job.TriggeredByUserID,
			"current_step":         job.CurrentStep,
			"total_steps":          job.TotalSteps,
			"step_name":            job.StepName,
			"progress_percentage":  job.ProgressPercentage,
			"error_message":        job.ErrorMessage,
			"attempts":             job.Attempts,
			"created_at":           formatTime(&job.CreatedAt),
			"started_at":           formatTime(job.StartedAt),
			"completed_at":         formatTime(job.CompletedAt),
		})
	}
	return out
}

func formatTime(ts *time.Time) any {
	if ts == nil || ts.IsZero() {
		return nil
	}
	return ts.UTC().Format(time.RFC3339)
}
