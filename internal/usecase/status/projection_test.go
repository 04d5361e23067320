package status

import (
	"testing"

	"podstrip/internal/domain"
)

func intPtr(v int) *int             { return &v }
func strPtr(v string) *string       { return &v }
func floatPtr(v float64) *float64   { return &v }

func TestProjectNoJob(t *testing.T) {
	got := Project(nil, false)
	if got.State != "not_started" || got.Processed {
		t.Fatalf("ожидали not_started, получили %+v", got)
	}
	if got.TotalSteps != DefaultTotalSteps || got.StepName != "Waiting" {
		t.Fatalf("ожидали шаги по умолчанию, получили %+v", got)
	}

	got = Project(nil, true)
	if got.State != "ready" || !got.Processed {
		t.Fatalf("ожидали ready для готового эпизода без задач, получили %+v", got)
	}
}

func TestProjectRunningJob(t *testing.T) {
	job := &domain.ProcessingJob{
		Status:             domain.JobStatusRunning,
		CurrentStep:        intPtr(2),
		StepName:           strPtr("Transcribing"),
		ProgressPercentage: floatPtr(50),
	}
	got := Project(job, false)
	if got.State != "processing" {
		t.Fatalf("ожидали processing, получили %s", got.State)
	}
	if got.CurrentStep != 2 || got.StepName != "Transcribing" || got.ProgressPercentage != 50 {
		t.Fatalf("неожиданная проекция: %+v", got)
	}
}

func TestProjectFillsDefaults(t *testing.T) {
	job := &domain.ProcessingJob{Status: domain.JobStatusRunning, CurrentStep: intPtr(3)}
	got := Project(job, false)
	if got.StepName != "Identifying ads" {
		t.Fatalf("ожидали имя шага из таблицы, получили %q", got.StepName)
	}
	if got.ProgressPercentage != 75 {
		t.Fatalf("ожидали прогресс 75 из шага, получили %v", got.ProgressPercentage)
	}
}

func TestProjectClampsProgress(t *testing.T) {
	job := &domain.ProcessingJob{Status: domain.JobStatusRunning, ProgressPercentage: floatPtr(250)}
	if got := Project(job, false); got.ProgressPercentage != 100 {
		t.Fatalf("ожидали обрезку до 100, получили %v", got.ProgressPercentage)
	}
	job.ProgressPercentage = floatPtr(-5)
	if got := Project(job, false); got.ProgressPercentage != 0 {
		t.Fatalf("ожидали обрезку до 0, получили %v", got.ProgressPercentage)
	}
}

func TestProjectCompletedJob(t *testing.T) {
	job := &domain.ProcessingJob{Status: domain.JobStatusCompleted, CurrentStep: intPtr(1)}
	got := Project(job, true)
	if got.State != "ready" || !got.Processed {
		t.Fatalf("ожидали ready, получили %+v", got)
	}
	if got.ProgressPercentage != 100 || got.CurrentStep != got.TotalSteps {
		t.Fatalf("завершённая задача должна показывать 100%%: %+v", got)
	}
}

func TestProjectFailedJob(t *testing.T) {
	job := &domain.ProcessingJob{Status: domain.JobStatusFailed}
	got := Project(job, false)
	if got.State != "failed" || got.Message != "Unknown error" {
		t.Fatalf("ожидали failed с сообщением по умолчанию, получили %+v", got)
	}

	job.ErrorMessage = strPtr("Audio processing failed")
	got = Project(job, false)
	if got.Message != "Audio processing failed" {
		t.Fatalf("ожидали сообщение задачи, получили %q", got.Message)
	}
}

func TestProjectCancelledLooksLikeNotStarted(t *testing.T) {
	for _, status := range []domain.JobStatus{domain.JobStatusCancelled, domain.JobStatusSkipped} {
		job := &domain.ProcessingJob{Status: status, CurrentStep: intPtr(2), ProgressPercentage: floatPtr(40)}
		got := Project(job, false)
		if got.State != "not_started" || got.CurrentStep != 0 || got.ProgressPercentage != 0 {
			t.Fatalf("статус %s должен проецироваться в not_started: %+v", status, got)
		}
	}
}
