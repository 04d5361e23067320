package decision

import (
	"errors"
	"testing"
	"time"

	"podstrip/internal/domain"
)

// stubJobs — хранилище задач в памяти для тестов стража и движка.
type stubJobs struct {
	active *domain.ProcessingJob
	latest *domain.ProcessingJob
	err    error
}

func (s *stubJobs) CreateJob(job domain.ProcessingJob) (domain.ProcessingJob, error) {
	return job, nil
}
func (s *stubJobs) GetJob(string) (domain.ProcessingJob, error) {
	return domain.ProcessingJob{}, domain.ErrJobNotFound
}
func (s *stubJobs) FindActiveJob(string) (domain.ProcessingJob, bool, error) {
	if s.err != nil {
		return domain.ProcessingJob{}, false, s.err
	}
	if s.active == nil {
		return domain.ProcessingJob{}, false, nil
	}
	return *s.active, true, nil
}
func (s *stubJobs) FindLatestJob(string) (domain.ProcessingJob, bool, error) {
	if s.err != nil {
		return domain.ProcessingJob{}, false, s.err
	}
	if s.latest == nil {
		return domain.ProcessingJob{}, false, nil
	}
	return *s.latest, true, nil
}
func (s *stubJobs) ClaimJob(string) (domain.ProcessingJob, bool, error) {
	return domain.ProcessingJob{}, false, nil
}
func (s *stubJobs) RegisterJobAttempt(string) (int, error)          { return 1, nil }
func (s *stubJobs) UpdateJobProgress(string, int, string, float64) error { return nil }
func (s *stubJobs) CompleteJob(string) error                        { return nil }
func (s *stubJobs) FailJob(string, string) error                    { return nil }
func (s *stubJobs) ListActiveJobs(int) ([]domain.ProcessingJob, error) {
	return nil, nil
}
func (s *stubJobs) ListJobHistory(domain.JobHistoryFilter) ([]domain.ProcessingJob, error) {
	return nil, nil
}
func (s *stubJobs) SummarizeJobs() (domain.JobSummary, error) { return domain.JobSummary{}, nil }

func TestGuardAllowsWhenNoHistory(t *testing.T) {
	guard := NewGuard(&stubJobs{}, 0)
	verdict, err := guard.Evaluate("g1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !verdict.CanTrigger {
		t.Fatalf("ожидали разрешение на запуск")
	}
}

func TestGuardBlocksActiveJob(t *testing.T) {
	jobs := &stubJobs{active: &domain.ProcessingJob{ID: "j1", Status: domain.JobStatusRunning}}
	guard := NewGuard(jobs, 0)
	verdict, err := guard.Evaluate("g1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if verdict.CanTrigger {
		t.Fatalf("ожидали запрет при активной задаче")
	}
	if verdict.Reason != GuardReasonJobExists {
		t.Fatalf("ожидали причину job_exists, получили %s", verdict.Reason)
	}
	if verdict.RetryAfterSeconds != 120 {
		t.Fatalf("ожидали retry-after 120, получили %d", verdict.RetryAfterSeconds)
	}
}

func TestGuardCooldownRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := &stubJobs{latest: &domain.ProcessingJob{
		ID:        "j1",
		Status:    domain.JobStatusFailed,
		CreatedAt: now.Add(-400 * time.Second),
	}}
	guard := NewGuard(jobs, 600*time.Second)
	guard.now = func() time.Time { return now }

	verdict, err := guard.Evaluate("g1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if verdict.CanTrigger {
		t.Fatalf("ожидали запрет в окне кулдауна")
	}
	if verdict.Reason != GuardReasonCooldown {
		t.Fatalf("ожидали причину cooldown, получили %s", verdict.Reason)
	}
	if verdict.RetryAfterSeconds != 200 {
		t.Fatalf("ожидали остаток 200, получили %d", verdict.RetryAfterSeconds)
	}
}

func TestGuardCooldownClampsRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := &stubJobs{latest: &domain.ProcessingJob{
		ID:        "j1",
		Status:    domain.JobStatusCompleted,
		CreatedAt: now.Add(-10 * time.Second),
	}}
	guard := NewGuard(jobs, 600*time.Second)
	guard.now = func() time.Time { return now }

	verdict, err := guard.Evaluate("g1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if verdict.RetryAfterSeconds != 300 {
		t.Fatalf("остаток должен быть обрезан до 300, получили %d", verdict.RetryAfterSeconds)
	}
}

func TestGuardAllowsAfterCooldownExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := &stubJobs{latest: &domain.ProcessingJob{
		ID:        "j1",
		Status:    domain.JobStatusFailed,
		CreatedAt: now.Add(-601 * time.Second),
	}}
	guard := NewGuard(jobs, 600*time.Second)
	guard.now = func() time.Time { return now }

	verdict, err := guard.Evaluate("g1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !verdict.CanTrigger {
		t.Fatalf("ожидали разрешение после истечения кулдауна")
	}
}

// Свежесозданный страж над тем же хранилищем даёт тот же вердикт: и
// дедупликация, и кулдаун живут в хранилище, а не в памяти процесса.
func TestGuardSurvivesRestart(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := &stubJobs{latest: &domain.ProcessingJob{
		ID:        "j1",
		Status:    domain.JobStatusFailed,
		CreatedAt: now.Add(-100 * time.Second),
	}}

	first := NewGuard(jobs, 600*time.Second)
	first.now = func() time.Time { return now }
	second := NewGuard(jobs, 600*time.Second)
	second.now = func() time.Time { return now }

	v1, err := first.Evaluate("g1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	v2, err := second.Evaluate("g1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("вердикты разошлись: %+v и %+v", v1, v2)
	}
	if v1.CanTrigger {
		t.Fatalf("ожидали запрет в окне кулдауна")
	}
}

func TestGuardPropagatesStoreError(t *testing.T) {
	jobs := &stubJobs{err: errors.New("db down")}
	guard := NewGuard(jobs, 0)
	if _, err := guard.Evaluate("g1"); err == nil {
		t.Fatalf("ожидали ошибку хранилища")
	}
}
