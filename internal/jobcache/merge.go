// Package jobcache persists job snapshots in a local and a remote tier with
// status-dependent expiry and a background retry queue for remote writes.
package jobcache

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"scenejobs/internal/domain"
)

// ErrRemoteAuth marks a remote write rejected because the credential is
// invalid. The retry queue is cleared when it sees one.
var ErrRemoteAuth = errors.New("jobcache: remote authentication failed")

const (
	DefaultFailedTTL    = 48 * time.Hour
	DefaultCompletedTTL = 7 * 24 * time.Hour
)

// TTLPolicy holds the two expiry classes. Anything not completed uses the
// short Failed TTL.
type TTLPolicy struct {
	Failed    time.Duration
	Completed time.Duration
}

// DefaultTTLPolicy returns 48h for failed or partial jobs and 7d for
// completed ones.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{Failed: DefaultFailedTTL, Completed: DefaultCompletedTTL}
}

func (p TTLPolicy) normalized() TTLPolicy {
	if p.Failed <= 0 {
		p.Failed = DefaultFailedTTL
	}
	if p.Completed <= 0 {
		p.Completed = DefaultCompletedTTL
	}
	return p
}

// ExpiresAt computes the expiry of a snapshot with status written at now.
func (p TTLPolicy) ExpiresAt(status domain.JobStatus, now time.Time) time.Time {
	p = p.normalized()
	if status == domain.JobStatusCompleted {
		return now.Add(p.Completed)
	}
	return now.Add(p.Failed)
}

// Merge overlays update on existing. Zero-valued fields of update keep the
// stored value; logs are merged by id. The error block follows the status:
// a non-failed status clears it.
func Merge(existing, update *domain.CachedJob) *domain.CachedJob {
	if update == nil {
		return existing
	}
	if existing == nil {
		out := *update
		return &out
	}
	out := *existing
	if update.ID != "" {
		out.ID = update.ID
	}
	if update.SourceRef != "" {
		out.SourceRef = update.SourceRef
	}
	if update.Config != nil {
		out.Config = update.Config
	}
	out.Summary = mergeSummary(existing.Summary, update.Summary)
	if update.Scenes != nil {
		out.Scenes = update.Scenes
		out.Summary.ActualSceneCount = len(update.Scenes)
	}
	if update.Characters != nil {
		out.Characters = update.Characters
	}
	if update.Status != "" {
		out.Status = update.Status
	}
	switch {
	case update.Error != nil:
		out.Error = update.Error
	case update.Status != "" && update.Status != domain.JobStatusFailed:
		out.Error = nil
	}
	if update.Logs != nil {
		out.Logs = mergeLogs(existing.Logs, update.Logs)
	}
	if update.Resume != nil {
		out.Resume = mergeResume(existing.Resume, update.Resume)
	}
	if !update.ExpiresAt.IsZero() {
		out.ExpiresAt = update.ExpiresAt
	}
	if !update.UpdatedAt.IsZero() {
		out.UpdatedAt = update.UpdatedAt
	}
	return &out
}

func mergeSummary(old, upd domain.Summary) domain.Summary {
	out := old
	if upd.Mode != "" {
		out.Mode = upd.Mode
	}
	if upd.TargetSceneCount != 0 {
		out.TargetSceneCount = upd.TargetSceneCount
	}
	if upd.ActualSceneCount != 0 {
		out.ActualSceneCount = upd.ActualSceneCount
	}
	if upd.Voice != "" {
		out.Voice = upd.Voice
	}
	if upd.ProcessingTime != "" {
		out.ProcessingTime = upd.ProcessingTime
	}
	if !upd.CreatedAt.IsZero() {
		out.CreatedAt = upd.CreatedAt
	}
	return out
}

func mergeLogs(old, upd []domain.LogEntry) []domain.LogEntry {
	out := append([]domain.LogEntry(nil), old...)
	index := make(map[string]int, len(out))
	for i, l := range out {
		if l.ID != "" {
			index[l.ID] = i
		}
	}
	for _, l := range upd {
		if i, ok := index[l.ID]; ok && l.ID != "" {
			out[i] = l
			continue
		}
		index[l.ID] = len(out)
		out = append(out, l)
	}
	return out
}

func mergeResume(old, upd *domain.ResumeBlock) *domain.ResumeBlock {
	out := *upd
	if old != nil && out.SourceDurationSecs == 0 {
		out.SourceDurationSecs = old.SourceDurationSecs
	}
	return &out
}

// stamp sets the write-time fields of a merged snapshot.
func stamp(job *domain.CachedJob, ttl TTLPolicy, now time.Time) {
	job.UpdatedAt = now
	job.ExpiresAt = ttl.ExpiresAt(job.Status, now)
}

// expired reports whether the snapshot is past its expiry at now.
func expired(job *domain.CachedJob, now time.Time) bool {
	return !job.ExpiresAt.IsZero() && now.After(job.ExpiresAt)
}

var batchProgressText = regexp.MustCompile(`^Batch \d+/\d+`)

// DefaultPendingLogGrace is how long a snapshot must be idle before its
// pending log entries are treated as abandoned.
const DefaultPendingLogGrace = 10 * time.Minute

// Repair fixes what a dropped stream leaves behind in a stored snapshot:
// pending log entries become completed with an estimated duration, and a
// finished job's "Batch X/Y" processing text becomes the elapsed time. It
// also corrects orphaned jobs. It reports whether anything changed.
func Repair(job *domain.CachedJob, now time.Time, grace time.Duration) bool {
	changed := job.FixOrphan()
	idle := job.Status.Terminal() || now.Sub(job.UpdatedAt) > grace
	if idle {
		for i := range job.Logs {
			l := &job.Logs[i]
			if l.Status != domain.LogStatusPending {
				continue
			}
			end := job.UpdatedAt
			if i+1 < len(job.Logs) && !job.Logs[i+1].StartedAt.IsZero() {
				end = job.Logs[i+1].StartedAt
			}
			if !l.StartedAt.IsZero() && end.After(l.StartedAt) {
				l.DurationMs = end.Sub(l.StartedAt).Milliseconds()
			}
			l.Status = domain.LogStatusCompleted
			l.Estimated = true
			changed = true
		}
	}
	if job.Status == domain.JobStatusCompleted && batchProgressText.MatchString(job.Summary.ProcessingTime) {
		start := job.Summary.CreatedAt
		if start.IsZero() && job.Config != nil {
			start = job.Config.CreatedAt
		}
		if !start.IsZero() && job.UpdatedAt.After(start) {
			job.Summary.ProcessingTime = FormatElapsed(job.UpdatedAt.Sub(start))
			changed = true
		}
	}
	return changed
}

// FormatElapsed renders a processing time such as "42s" or "3m 07s".
func FormatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm", int(d.Hours()), int(d.Minutes())%60)
}
