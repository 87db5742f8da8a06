package jobcache

import (
	"testing"
	"time"

	"scenejobs/internal/domain"
)

func TestFailedExpiresBeforeCompleted(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range []TTLPolicy{DefaultTTLPolicy(), {}, {Failed: time.Hour, Completed: 2 * time.Hour}} {
		failed := p.ExpiresAt(domain.JobStatusFailed, now)
		completed := p.ExpiresAt(domain.JobStatusCompleted, now)
		if !failed.Before(completed) {
			t.Fatalf("policy %+v: failed %v not before completed %v", p, failed, completed)
		}
	}
	p := DefaultTTLPolicy()
	if got := p.ExpiresAt(domain.JobStatusInProgress, now); !got.Equal(now.Add(48 * time.Hour)) {
		t.Fatalf("partial job expiry = %v", got)
	}
}

func TestMergeKeepsUnspecifiedFields(t *testing.T) {
	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	existing := &domain.CachedJob{
		ID:        "job-1",
		SourceRef: "s3://bucket/video.mp4",
		Summary:   domain.Summary{Mode: domain.JobModeStoryboard, TargetSceneCount: 12, Voice: "aria", CreatedAt: created},
		Scenes:    []domain.Scene{{Number: 1}, {Number: 2}},
		Status:    domain.JobStatusFailed,
		Error:     &domain.ErrorBlock{Code: domain.CodeRateLimit, Retryable: true},
		Logs:      []domain.LogEntry{{ID: "l1", Status: domain.LogStatusPending}},
		Resume:    &domain.ResumeBlock{CompletedBatches: 1, TotalBatches: 4, SourceDurationSecs: 120},
	}
	update := &domain.CachedJob{
		ID:     "job-1",
		Status: domain.JobStatusInProgress,
		Logs: []domain.LogEntry{
			{ID: "l1", Status: domain.LogStatusCompleted},
			{ID: "l2", Status: domain.LogStatusPending},
		},
		Resume: &domain.ResumeBlock{CompletedBatches: 2, TotalBatches: 4},
	}

	got := Merge(existing, update)
	if got.SourceRef != existing.SourceRef || got.Summary.Voice != "aria" || got.Summary.TargetSceneCount != 12 {
		t.Fatalf("lost unspecified fields: %+v", got)
	}
	if len(got.Scenes) != 2 || !got.Summary.CreatedAt.Equal(created) {
		t.Fatalf("scenes/created not kept: %+v", got)
	}
	if got.Error != nil {
		t.Fatalf("error block should clear for in-progress status: %+v", got.Error)
	}
	if len(got.Logs) != 2 || got.Logs[0].Status != domain.LogStatusCompleted {
		t.Fatalf("logs = %+v", got.Logs)
	}
	if got.Resume.CompletedBatches != 2 || got.Resume.SourceDurationSecs != 120 {
		t.Fatalf("resume = %+v", got.Resume)
	}
	if existing.Resume.CompletedBatches != 1 || len(existing.Logs) != 1 {
		t.Fatal("existing snapshot was mutated")
	}
}

func TestMergeWithoutExisting(t *testing.T) {
	update := &domain.CachedJob{ID: "job-1", Status: domain.JobStatusPending}
	got := Merge(nil, update)
	if got == update || got.ID != "job-1" {
		t.Fatalf("Merge(nil, u) = %+v", got)
	}
}

func TestRepairPendingLogsAndProcessingText(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	job := &domain.CachedJob{
		ID:      "job-1",
		Status:  domain.JobStatusCompleted,
		Summary: domain.Summary{ProcessingTime: "Batch 3/4 (75%)", CreatedAt: start},
		Logs: []domain.LogEntry{
			{ID: "a", Status: domain.LogStatusPending, StartedAt: start},
			{ID: "b", Status: domain.LogStatusCompleted, StartedAt: start.Add(40 * time.Second), DurationMs: 30000},
			{ID: "c", Status: domain.LogStatusPending, StartedAt: start.Add(80 * time.Second)},
		},
		UpdatedAt: start.Add(125 * time.Second),
	}
	if !Repair(job, start.Add(time.Hour), DefaultPendingLogGrace) {
		t.Fatal("expected repair")
	}
	if l := job.Logs[0]; l.Status != domain.LogStatusCompleted || !l.Estimated || l.DurationMs != 40000 {
		t.Fatalf("log a = %+v", l)
	}
	if l := job.Logs[1]; l.Estimated || l.DurationMs != 30000 {
		t.Fatalf("log b touched: %+v", l)
	}
	if l := job.Logs[2]; l.DurationMs != 45000 {
		t.Fatalf("log c = %+v", l)
	}
	if job.Summary.ProcessingTime != "2m 05s" {
		t.Fatalf("processing time = %q", job.Summary.ProcessingTime)
	}
	if Repair(job, start.Add(time.Hour), DefaultPendingLogGrace) {
		t.Fatal("second repair should be a no-op")
	}
}

func TestRepairLeavesActiveJobsAlone(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	job := &domain.CachedJob{
		ID:        "job-1",
		Status:    domain.JobStatusInProgress,
		Summary:   domain.Summary{ProcessingTime: "Batch 1/4"},
		Logs:      []domain.LogEntry{{ID: "a", Status: domain.LogStatusPending, StartedAt: now}},
		Resume:    &domain.ResumeBlock{CompletedBatches: 1, TotalBatches: 4},
		UpdatedAt: now,
	}
	if Repair(job, now.Add(time.Minute), DefaultPendingLogGrace) {
		t.Fatalf("active job repaired: %+v", job)
	}
}

func TestRepairFixesOrphan(t *testing.T) {
	job := &domain.CachedJob{
		ID:     "job-1",
		Status: domain.JobStatusInProgress,
		Scenes: []domain.Scene{{Number: 1}, {Number: 2}},
		Resume: &domain.ResumeBlock{CompletedBatches: 2, TotalBatches: 2},
	}
	if !Repair(job, time.Now(), DefaultPendingLogGrace) || job.Status != domain.JobStatusCompleted {
		t.Fatalf("orphan not fixed: %s", job.Status)
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := map[time.Duration]string{
		42 * time.Second:                 "42s",
		3*time.Minute + 7*time.Second:    "3m 07s",
		2*time.Hour + 5*time.Minute:      "2h 05m",
		1500 * time.Millisecond:          "2s",
	}
	for d, want := range tests {
		if got := FormatElapsed(d); got != want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", d, got, want)
		}
	}
}
