package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"podstrip/internal/adapters/storage"
	"podstrip/internal/domain"
	"podstrip/internal/usecase/audit"
	authusecase "podstrip/internal/usecase/auth"
	"podstrip/internal/usecase/decision"
	jobsusecase "podstrip/internal/usecase/jobs"
)

type memEpisodes struct {
	episodes map[string]domain.Episode
	counts   map[string]int
}

func (m *memEpisodes) GetEpisodeByGUID(guid string) (domain.Episode, error) {
	episode, ok := m.episodes[guid]
	if !ok {
		return domain.Episode{}, domain.ErrEpisodeNotFound
	}
	return episode, nil
}
func (m *memEpisodes) SetProcessedAudioPath(string, string) error { return nil }
func (m *memEpisodes) IncrementDownloadCount(guid string) error {
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[guid]++
	return nil
}
func (m *memEpisodes) ListUnprocessedWhitelisted(int) ([]domain.Episode, error) { return nil, nil }

type memTokens struct {
	tokens map[string]domain.CapabilityToken
}

func (m *memTokens) GetByTokenID(tokenID string) (domain.CapabilityToken, error) {
	token, ok := m.tokens[tokenID]
	if !ok {
		return domain.CapabilityToken{}, domain.ErrTokenNotFound
	}
	return token, nil
}
func (m *memTokens) FindActiveToken(int64, *int64) (domain.CapabilityToken, error) {
	return domain.CapabilityToken{}, domain.ErrTokenNotFound
}
func (m *memTokens) CreateToken(token domain.CapabilityToken) (domain.CapabilityToken, error) {
	return token, nil
}
func (m *memTokens) TouchLastUsed(string) error              { return nil }
func (m *memTokens) RevokeToken(string) error                { return nil }
func (m *memTokens) ListTokens(int64) ([]domain.CapabilityToken, error) { return nil, nil }

type memJobs struct {
	active  *domain.ProcessingJob
	latest  *domain.ProcessingJob
	created []domain.ProcessingJob
}

func (m *memJobs) CreateJob(job domain.ProcessingJob) (domain.ProcessingJob, error) {
	m.created = append(m.created, job)
	return job, nil
}
func (m *memJobs) GetJob(string) (domain.ProcessingJob, error) {
	return domain.ProcessingJob{}, domain.ErrJobNotFound
}
func (m *memJobs) FindActiveJob(string) (domain.ProcessingJob, bool, error) {
	if m.active == nil {
		return domain.ProcessingJob{}, false, nil
	}
	return *m.active, true, nil
}
func (m *memJobs) FindLatestJob(string) (domain.ProcessingJob, bool, error) {
	if m.latest == nil {
		return domain.ProcessingJob{}, false, nil
	}
	return *m.latest, true, nil
}
func (m *memJobs) ClaimJob(string) (domain.ProcessingJob, bool, error) {
	return domain.ProcessingJob{}, false, nil
}
func (m *memJobs) RegisterJobAttempt(string) (int, error)               { return 1, nil }
func (m *memJobs) UpdateJobProgress(string, int, string, float64) error { return nil }
func (m *memJobs) CompleteJob(string) error                             { return nil }
func (m *memJobs) FailJob(string, string) error                         { return nil }
func (m *memJobs) ListActiveJobs(int) ([]domain.ProcessingJob, error) {
	if m.active == nil {
		return nil, nil
	}
	return []domain.ProcessingJob{*m.active}, nil
}
func (m *memJobs) ListJobHistory(domain.JobHistoryFilter) ([]domain.ProcessingJob, error) {
	return nil, nil
}
func (m *memJobs) SummarizeJobs() (domain.JobSummary, error) {
	return domain.JobSummary{Total: 1, ByTriggerSource: map[string]int{}}, nil
}

type memEvents struct {
	events []domain.AccessEvent
}

func (m *memEvents) RecordAccessEvent(_ context.Context, event domain.AccessEvent) error {
	m.events = append(m.events, event)
	return nil
}

type memQueue struct {
	messages []domain.JobMessage
}

func (m *memQueue) Enqueue(_ context.Context, msg domain.JobMessage) error {
	m.messages = append(m.messages, msg)
	return nil
}
func (m *memQueue) Receive(context.Context) (domain.JobMessage, domain.JobAckFunc, error) {
	return domain.JobMessage{}, nil, context.Canceled
}

type fixture struct {
	router   chi.Router
	episodes *memEpisodes
	jobs     *memJobs
	events   *memEvents
	queue    *memQueue
}

const (
	testTokenID      = "tok"
	testSecret       = "s3cret"
	testCombinedID   = "comb"
	testAdminToken   = "admin-token"
	testFeedID int64 = 10
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "processed"), 0o755); err != nil {
		t.Fatalf("не удалось создать каталог: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "processed", "ready.mp3"), []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("не удалось записать файл: %v", err)
	}
	audioStorage, err := storage.NewLocal(root)
	if err != nil {
		t.Fatalf("не удалось создать хранилище: %v", err)
	}

	episodes := &memEpisodes{episodes: map[string]domain.Episode{
		"ready":   {ID: 1, GUID: "ready", FeedID: testFeedID, Title: "Готовый выпуск", Whitelisted: true, ProcessedAudioPath: "processed/ready.mp3", UnprocessedAudioPath: "raw/ready.mp3"},
		"raw":     {ID: 2, GUID: "raw", FeedID: testFeedID, Title: "Сырой выпуск", Whitelisted: true, UnprocessedAudioPath: "raw/raw.mp3"},
		"blocked": {ID: 3, GUID: "blocked", FeedID: testFeedID, Title: "Выключенный"},
	}}

	feedID := testFeedID
	tokens := &memTokens{tokens: map[string]domain.CapabilityToken{
		testTokenID:    {ID: 1, TokenID: testTokenID, SecretHash: authusecase.HashSecret(testSecret), FeedID: &feedID, UserID: 7},
		testCombinedID: {ID: 2, TokenID: testCombinedID, SecretHash: authusecase.HashSecret(testSecret), UserID: 7},
	}}

	jobs := &memJobs{}
	events := &memEvents{}
	queue := &memQueue{}

	authService := authusecase.NewService(tokens, nil)
	auditRecorder := audit.NewRecorder(events, zerolog.Nop())
	jobsService := jobsusecase.NewService(jobs, queue, episodes, zerolog.Nop())
	readiness := decision.NewReadinessOracle(audioStorage)
	engine := decision.NewEngine(episodes, readiness, decision.NewGuard(jobs, 0), jobsService, auditRecorder, zerolog.Nop())

	handler := NewHandler(authService, engine, readiness, jobsService, episodes, audioStorage, auditRecorder, testAdminToken, zerolog.Nop())
	router := chi.NewRouter()
	handler.Register(router)

	return &fixture{router: router, episodes: episodes, jobs: jobs, events: events, queue: queue}
}

func (f *fixture) do(t *testing.T, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func withAuth(target string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "feed_token=" + testTokenID + "&feed_secret=" + testSecret
}

func TestDownloadServesReadyEpisode(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, withAuth("/api/posts/ready/download"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("ожидали audio/mpeg, получили %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, ".mp3") {
		t.Fatalf("ожидали имя файла в Content-Disposition, получили %q", cd)
	}
	if rec.Body.String() != "audio-bytes" {
		t.Fatalf("тело не совпадает с файлом")
	}
	if f.episodes.counts["ready"] != 1 {
		t.Fatalf("счётчик скачиваний должен увеличиться")
	}
	if len(f.events.events) != 1 || f.events.events[0].EventType != domain.AccessEventAudioDownload {
		t.Fatalf("ожидали событие AUDIO_DOWNLOAD, получили %+v", f.events.events)
	}
}

func TestDownloadHeadOnReadyDoesNotCount(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodHead, withAuth("/api/posts/ready/download"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if f.episodes.counts["ready"] != 0 {
		t.Fatalf("HEAD не должен увеличивать счётчик")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("HEAD не должен оставлять событий")
	}
}

func TestDownloadTriggersProcessing(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, withAuth("/api/posts/raw/download"), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ожидали 503, получили %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "60" {
		t.Fatalf("ожидали Retry-After 60, получили %q", ra)
	}
	if len(f.queue.messages) != 1 {
		t.Fatalf("ожидали сообщение в очереди")
	}
	if len(f.jobs.created) != 1 || f.jobs.created[0].TriggerSource != domain.TriggerSourceOnDemandRSS {
		t.Fatalf("ожидали задачу on_demand_rss, получили %+v", f.jobs.created)
	}
}

func TestDownloadProbeIsNoop(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, withAuth("/api/posts/raw/download"), map[string]string{"Range": "bytes=0-1023"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ожидали 204, получили %d", rec.Code)
	}
	if len(f.queue.messages) != 0 {
		t.Fatalf("проба не должна запускать обработку")
	}
}

func TestDownloadCombinedTokenReadOnly(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/posts/raw/download?feed_token="+testCombinedID+"&feed_secret="+testSecret, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ожидали 503, получили %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "300" {
		t.Fatalf("ожидали Retry-After 300, получили %q", ra)
	}
	if len(f.queue.messages) != 0 {
		t.Fatalf("общий токен не должен запускать обработку")
	}
}

func TestDownloadStatusCodes(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, withAuth("/api/posts/missing/download"), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, withAuth("/api/posts/blocked/download"), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("ожидали 403, получили %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/posts/ready/download", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401 без токена, получили %d", rec.Code)
	}
}

func TestDownloadInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/posts/ready/download?feed_token="+testTokenID+"&feed_secret=wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401, получили %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("ответ об ошибке аутентификации должен быть no-store, получили %q", cc)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело должно быть JSON: %v", err)
	}
	if body["state"] != "error" {
		t.Fatalf("ожидали state=error, получили %+v", body)
	}
}

func TestLegacyDownloadRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, withAuth("/post/ready.mp3"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200 на старом маршруте, получили %d", rec.Code)
	}
}

func TestTriggerPageStates(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/trigger", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("без параметров ожидали 400, получили %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, withAuth("/trigger?guid=raw"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Fatalf("ожидали HTML, получили %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "started") && !strings.Contains(rec.Body.String(), "Ad removal has started") {
		t.Fatalf("страница должна сообщать о запуске")
	}
	if len(f.jobs.created) != 1 || f.jobs.created[0].TriggerSource != domain.TriggerSourceTriggerLink {
		t.Fatalf("ожидали задачу trigger_link, получили %+v", f.jobs.created)
	}

	rec = f.do(t, http.MethodGet, "/trigger?guid=raw&feed_token="+testCombinedID+"&feed_secret="+testSecret, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("общий токен должен получить 403, получили %d", rec.Code)
	}
}

func TestTriggerStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.jobs.latest = &domain.ProcessingJob{ID: "j1", PostGUID: "raw", Status: domain.JobStatusRunning}

	rec := f.do(t, http.MethodGet, withAuth("/api/trigger/status?guid=raw"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("статус всегда no-store, получили %q", cc)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело должно быть JSON: %v", err)
	}
	if body["state"] != "processing" {
		t.Fatalf("ожидали state=processing, получили %+v", body)
	}

	rec = f.do(t, http.MethodGet, withAuth("/api/trigger/status?guid=missing"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("неизвестный guid должен дать 404, получили %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/trigger/status?guid=raw", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("без токена ожидали 400, получили %d", rec.Code)
	}
}

func TestJobsEndpointsRequireAdmin(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/api/jobs/active", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("без токена ожидали 401, получили %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/jobs/active", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("с неверным токеном ожидали 401, получили %d", rec.Code)
	}

	f.jobs.active = &domain.ProcessingJob{ID: "j1", PostGUID: "raw", Status: domain.JobStatusRunning}
	rec := f.do(t, http.MethodGet, "/api/jobs/active", map[string]string{"Authorization": "Bearer " + testAdminToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело должно быть JSON: %v", err)
	}
	jobs, ok := body["jobs"].([]any)
	if !ok || len(jobs) != 1 {
		t.Fatalf("ожидали одну задачу, получили %+v", body)
	}
}

func TestOriginalDownloadNotFoundWithoutFile(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, withAuth("/api/posts/raw/download/original"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("без исходного файла ожидали 404, получили %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
}
