package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"podstrip/internal/domain"
	"podstrip/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.EpisodeRepo       = (*Postgres)(nil)
	_ domain.TokenRepo         = (*Postgres)(nil)
	_ domain.ProcessingJobRepo = (*Postgres)(nil)
	_ domain.AccessEventRepo   = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// --- Эпизоды ---

const episodeColumns = `id, guid, feed_id, title, whitelisted, COALESCE(processed_audio_path, ''), COALESCE(unprocessed_audio_path, ''), COALESCE(download_url, ''), download_count, created_at`

func scanEpisode(row pgx.Row) (domain.Episode, error) {
	var e domain.Episode
	err := row.Scan(&e.ID, &e.GUID, &e.FeedID, &e.Title, &e.Whitelisted, &e.ProcessedAudioPath, &e.UnprocessedAudioPath, &e.DownloadURL, &e.DownloadCount, &e.CreatedAt)
	return e, err
}

// GetEpisodeByGUID реализует domain.EpisodeRepo.
func (p *Postgres) GetEpisodeByGUID(guid string) (domain.Episode, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	episode, err := scanEpisode(p.pool.QueryRow(ctx, `
SELECT `+episodeColumns+`
FROM episodes
WHERE guid = $1
`, guid))
	metrics.ObserveNetworkRequest("postgres", "episodes_get", "episodes", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Episode{}, domain.ErrEpisodeNotFound
		}
		return domain.Episode{}, err
	}
	return episode, nil
}

// SetProcessedAudioPath публикует путь обработанного аудио эпизода.
func (p *Postgres) SetProcessedAudioPath(guid, path string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE episodes SET processed_audio_path = $2 WHERE guid = $1
`, guid, path)
	metrics.ObserveNetworkRequest("postgres", "episodes_set_processed", "episodes", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEpisodeNotFound
	}
	return nil
}

// IncrementDownloadCount увеличивает счётчик скачиваний эпизода.
func (p *Postgres) IncrementDownloadCount(guid string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE episodes SET download_count = download_count + 1 WHERE guid = $1
`, guid)
	metrics.ObserveNetworkRequest("postgres", "episodes_inc_downloads", "episodes", start, err)
	return err
}

// ListUnprocessedWhitelisted возвращает эпизоды без обработанного аудио.
func (p *Postgres) ListUnprocessedWhitelisted(limit int) ([]domain.Episode, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+episodeColumns+`
FROM episodes
WHERE whitelisted AND (processed_audio_path IS NULL OR processed_audio_path = '')
ORDER BY created_at DESC
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "episodes_list_unprocessed", "episodes", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var episodes []domain.Episode
	for rows.Next() {
		episode, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, episode)
	}
	return episodes, rows.Err()
}

// --- Токены доступа ---

const tokenColumns = `id, token_id, token_hash, token_secret, feed_id, user_id, created_at, last_used_at, revoked`

func scanToken(row pgx.Row) (domain.CapabilityToken, error) {
	var (
		t        domain.CapabilityToken
		feedID   sql.NullInt64
		lastUsed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TokenID, &t.SecretHash, &t.Secret, &feedID, &t.UserID, &t.CreatedAt, &lastUsed, &t.Revoked)
	if err != nil {
		return domain.CapabilityToken{}, err
	}
	if feedID.Valid {
		id := feedID.Int64
		t.FeedID = &id
	}
	if lastUsed.Valid {
		ts := lastUsed.Time
		t.LastUsedAt = &ts
	}
	return t, nil
}

// GetByTokenID реализует domain.TokenRepo.
func (p *Postgres) GetByTokenID(tokenID string) (domain.CapabilityToken, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	token, err := scanToken(p.pool.QueryRow(ctx, `
SELECT `+tokenColumns+`
FROM feed_access_tokens
WHERE token_id = $1
`, tokenID))
	metrics.ObserveNetworkRequest("postgres", "tokens_get", "feed_access_tokens", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CapabilityToken{}, domain.ErrTokenNotFound
		}
		return domain.CapabilityToken{}, err
	}
	return token, nil
}

// FindActiveToken возвращает действующий токен пары (user, feed).
func (p *Postgres) FindActiveToken(userID int64, feedID *int64) (domain.CapabilityToken, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var feedValue sql.NullInt64
	if feedID != nil {
		feedValue = sql.NullInt64{Int64: *feedID, Valid: true}
	}
	start := time.Now()
	token, err := scanToken(p.pool.QueryRow(ctx, `
SELECT `+tokenColumns+`
FROM feed_access_tokens
WHERE user_id = $1 AND feed_id IS NOT DISTINCT FROM $2 AND NOT revoked
ORDER BY created_at DESC
LIMIT 1
`, userID, feedValue))
	metrics.ObserveNetworkRequest("postgres", "tokens_find_active", "feed_access_tokens", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CapabilityToken{}, domain.ErrTokenNotFound
		}
		return domain.CapabilityToken{}, err
	}
	return token, nil
}

// CreateToken сохраняет новый токен.
func (p *Postgres) CreateToken(token domain.CapabilityToken) (domain.CapabilityToken, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var feedValue sql.NullInt64
	if token.FeedID != nil {
		feedValue = sql.NullInt64{Int64: *token.FeedID, Valid: true}
	}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO feed_access_tokens (token_id, token_hash, token_secret, feed_id, user_id)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at
`, token.TokenID, token.SecretHash, token.Secret, feedValue, token.UserID).Scan(&token.ID, &token.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "tokens_insert", "feed_access_tokens", start, err)
	if err != nil {
		return domain.CapabilityToken{}, err
	}
	return token, nil
}

// TouchLastUsed обновляет отметку последнего использования токена.
func (p *Postgres) TouchLastUsed(tokenID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE feed_access_tokens SET last_used_at = now() WHERE token_id = $1
`, tokenID)
	metrics.ObserveNetworkRequest("postgres", "tokens_touch", "feed_access_tokens", start, err)
	return err
}

// RevokeToken отзывает токен, не удаляя запись.
func (p *Postgres) RevokeToken(tokenID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE feed_access_tokens SET revoked = TRUE WHERE token_id = $1
`, tokenID)
	metrics.ObserveNetworkRequest("postgres", "tokens_revoke", "feed_access_tokens", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTokenNotFound
	}
	return nil
}

// ListTokens возвращает токены пользователя.
func (p *Postgres) ListTokens(userID int64) ([]domain.CapabilityToken, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+tokenColumns+`
FROM feed_access_tokens
WHERE user_id = $1
ORDER BY created_at
`, userID)
	metrics.ObserveNetworkRequest("postgres", "tokens_list", "feed_access_tokens", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []domain.CapabilityToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// --- Задачи обработки ---

const jobColumns = `id, post_guid, status, trigger_source, triggered_by_user_id, current_step, total_steps, step_name, progress_percentage, error_message, attempts, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (domain.ProcessingJob, error) {
	var (
		j           domain.ProcessingJob
		triggeredBy sql.NullInt64
		currentStep sql.NullInt32
		totalSteps  sql.NullInt32
		stepName    sql.NullString
		progressPct sql.NullFloat64
		errMessage  sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.PostGUID, &j.Status, &j.TriggerSource, &triggeredBy, &currentStep, &totalSteps, &stepName, &progressPct, &errMessage, &j.Attempts, &j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if triggeredBy.Valid {
		id := triggeredBy.Int64
		j.TriggeredByUserID = &id
	}
	if currentStep.Valid {
		v := int(currentStep.Int32)
		j.CurrentStep = &v
	}
	if totalSteps.Valid {
		v := int(totalSteps.Int32)
		j.TotalSteps = &v
	}
	if stepName.Valid {
		v := stepName.String
		j.StepName = &v
	}
	if progressPct.Valid {
		v := progressPct.Float64
		j.ProgressPercentage = &v
	}
	if errMessage.Valid {
		v := errMessage.String
		j.ErrorMessage = &v
	}
	if startedAt.Valid {
		ts := startedAt.Time
		j.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		j.CompletedAt = &ts
	}
	return j, nil
}

// CreateJob сохраняет новую задачу обработки.
func (p *Postgres) CreateJob(job domain.ProcessingJob) (domain.ProcessingJob, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var triggeredBy sql.NullInt64
	if job.TriggeredByUserID != nil {
		triggeredBy = sql.NullInt64{Int64: *job.TriggeredByUserID, Valid: true}
	}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO processing_jobs (id, post_guid, status, trigger_source, triggered_by_user_id)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at
`, job.ID, job.PostGUID, job.Status, job.TriggerSource, triggeredBy).Scan(&job.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "jobs_insert", "processing_jobs", start, err)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	return job, nil
}

// GetJob возвращает задачу по идентификатору.
func (p *Postgres) GetJob(id string) (domain.ProcessingJob, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	job, err := scanJob(p.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM processing_jobs
WHERE id = $1
`, id))
	metrics.ObserveNetworkRequest("postgres", "jobs_get", "processing_jobs", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessingJob{}, domain.ErrJobNotFound
		}
		return domain.ProcessingJob{}, err
	}
	return job, nil
}

// FindActiveJob возвращает pending/running задачу эпизода.
func (p *Postgres) FindActiveJob(postGUID string) (domain.ProcessingJob, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	job, err := scanJob(p.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM processing_jobs
WHERE post_guid = $1 AND status IN ('pending', 'running')
ORDER BY created_at DESC
LIMIT 1
`, postGUID))
	metrics.ObserveNetworkRequest("postgres", "jobs_find_active", "processing_jobs", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessingJob{}, false, nil
		}
		return domain.ProcessingJob{}, false, err
	}
	return job, true, nil
}

// FindLatestJob возвращает последнюю созданную задачу эпизода.
// Кулдаун считается именно от durable created_at этой записи: решение
// одинаково для всех инстансов и не сбрасывается перезапуском.
func (p *Postgres) FindLatestJob(postGUID string) (domain.ProcessingJob, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	job, err := scanJob(p.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM processing_jobs
WHERE post_guid = $1
ORDER BY created_at DESC
LIMIT 1
`, postGUID))
	metrics.ObserveNetworkRequest("postgres", "jobs_find_latest", "processing_jobs", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessingJob{}, false, nil
		}
		return domain.ProcessingJob{}, false, err
	}
	return job, true, nil
}

// ClaimJob атомарно переводит задачу в running. Повторная доставка после
// падения воркера заново забирает зависшую running-задачу; завершённые
// задачи не затрагиваются.
func (p *Postgres) ClaimJob(id string) (domain.ProcessingJob, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	job, err := scanJob(p.pool.QueryRow(ctx, `
UPDATE processing_jobs
SET status = 'running', started_at = now(), current_step = 0, progress_percentage = 0
WHERE id = $1 AND status IN ('pending', 'running')
RETURNING `+jobColumns+`
`, id))
	metrics.ObserveNetworkRequest("postgres", "jobs_claim", "processing_jobs", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessingJob{}, false, nil
		}
		return domain.ProcessingJob{}, false, err
	}
	return job, true, nil
}

// RegisterJobAttempt увеличивает счётчик доставок задачи.
func (p *Postgres) RegisterJobAttempt(id string) (int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var attempt int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
UPDATE processing_jobs SET attempts = attempts + 1 WHERE id = $1
RETURNING attempts
`, id).Scan(&attempt)
	metrics.ObserveNetworkRequest("postgres", "jobs_attempt", "processing_jobs", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrJobNotFound
		}
		return 0, err
	}
	return attempt, nil
}

// UpdateJobProgress обновляет шаг выполнения задачи.
func (p *Postgres) UpdateJobProgress(id string, step int, stepName string, progress float64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE processing_jobs
SET current_step = $2, step_name = $3, progress_percentage = $4
WHERE id = $1
`, id, step, stepName, progress)
	metrics.ObserveNetworkRequest("postgres", "jobs_progress", "processing_jobs", start, err)
	return err
}

// CompleteJob завершает задачу.
func (p *Postgres) CompleteJob(id string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE processing_jobs
SET status = 'completed', progress_percentage = 100, completed_at = now()
WHERE id = $1
`, id)
	metrics.ObserveNetworkRequest("postgres", "jobs_complete", "processing_jobs", start, err)
	return err
}

// FailJob помечает задачу проваленной.
func (p *Postgres) FailJob(id string, errorMessage string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE processing_jobs
SET status = 'failed', error_message = $2, completed_at = now()
WHERE id = $1
`, id, errorMessage)
	metrics.ObserveNetworkRequest("postgres", "jobs_fail", "processing_jobs", start, err)
	return err
}

// ListActiveJobs возвращает pending/running задачи.
func (p *Postgres) ListActiveJobs(limit int) ([]domain.ProcessingJob, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	if limit <= 0 || limit > 200 {
		limit = 100
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM processing_jobs
WHERE status IN ('pending', 'running')
ORDER BY created_at DESC
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "jobs_list_active", "processing_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobHistory возвращает историю задач с фильтрами.
func (p *Postgres) ListJobHistory(filter domain.JobHistoryFilter) ([]domain.ProcessingJob, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM processing_jobs
WHERE ($2 = '' OR status = $2)
  AND ($3 = '' OR trigger_source = $3)
ORDER BY created_at DESC
LIMIT $1
`, limit, string(filter.Status), string(filter.TriggerSource))
	metrics.ObserveNetworkRequest("postgres", "jobs_history", "processing_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// SummarizeJobs строит сводку по задачам.
func (p *Postgres) SummarizeJobs() (domain.JobSummary, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	summary := domain.JobSummary{ByTriggerSource: make(map[string]int)}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT count(*),
       count(*) FILTER (WHERE status = 'completed'),
       count(*) FILTER (WHERE status = 'failed')
FROM processing_jobs
`).Scan(&summary.Total, &summary.Completed, &summary.Failed)
	metrics.ObserveNetworkRequest("postgres", "jobs_summary", "processing_jobs", start, err)
	if err != nil {
		return domain.JobSummary{}, err
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT COALESCE(NULLIF(trigger_source, ''), 'unknown'), count(*)
FROM processing_jobs
GROUP BY 1
`)
	metrics.ObserveNetworkRequest("postgres", "jobs_summary_sources", "processing_jobs", start, err)
	if err != nil {
		return domain.JobSummary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			source string
			count  int
		)
		if err := rows.Scan(&source, &count); err != nil {
			return domain.JobSummary{}, err
		}
		summary.ByTriggerSource[source] = count
	}
	return summary, rows.Err()
}

func collectJobs(rows pgx.Rows) ([]domain.ProcessingJob, error) {
	var jobs []domain.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- События доступа ---

// RecordAccessEvent сохраняет событие доступа. Таблица append-only.
func (p *Postgres) RecordAccessEvent(ctx context.Context, event domain.AccessEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var userID, postID, feedID, fileSize sql.NullInt64
	if event.UserID != nil {
		userID = sql.NullInt64{Int64: *event.UserID, Valid: true}
	}
	if event.PostID != nil {
		postID = sql.NullInt64{Int64: *event.PostID, Valid: true}
	}
	if event.FeedID != nil {
		feedID = sql.NullInt64{Int64: *event.FeedID, Valid: true}
	}
	if event.FileSizeBytes != nil {
		fileSize = sql.NullInt64{Int64: *event.FileSizeBytes, Valid: true}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO access_events (user_id, post_id, feed_id, event_type, auth_type, download_source, decision, is_processed, file_size_bytes, client_ip, user_agent, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, userID, postID, feedID, event.EventType, event.AuthType, event.DownloadSource, event.Decision, event.IsProcessed, fileSize, event.ClientIP, event.UserAgent, event.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "access_events_insert", "access_events", start, err)
	return err
}
