package syncdelta

import (
	"context"
	"fmt"
	"math"
	"time"

	"attendsync/internal/apperror"
	"attendsync/internal/attendance"
)

// StatsSource computes attendance statistics for a student.
type StatsSource interface {
	Stats(ctx context.Context, studentID int64, since time.Time, detailed bool) (attendance.Stats, error)
}

// Health grades a student's sync state.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// DefaultStatusWindow is used when no since date is given.
const DefaultStatusWindow = 30 * 24 * time.Hour

// Recommendation is a hint shown to the student.
type Recommendation struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

// SyncHealth is the health block of a status report.
type SyncHealth struct {
	Status              Health     `json:"status"`
	LastSuccessfulSync  *time.Time `json:"last_successful_sync"`
	NextSyncRecommended time.Time  `json:"next_sync_recommended"`
}

// Status is the sync-status report of one student.
type Status struct {
	Since            time.Time        `json:"since_date"`
	Until            time.Time        `json:"until_date"`
	Statistics       attendance.Stats `json:"sync_statistics"`
	VerificationRate float64          `json:"verification_rate"`
	Health           SyncHealth       `json:"sync_health"`
	AttentionNeeded  []Attention      `json:"attention_required,omitempty"`
	Recommendations  []Recommendation `json:"recommendations"`
	RecordStatus     map[string]int   `json:"record_status"`
}

// Attention is one record the student should look at.
type Attention struct {
	RecordID       string `json:"id"`
	LectureID      int64  `json:"lecture_id"`
	IssueType      string `json:"issue_type"`
	ConflictID     string `json:"conflict_id,omitempty"`
	RequiresAction bool   `json:"requires_action"`
}

// Status reports the student's records since the given time (the last 30
// days when since is zero) and how healthy the student's sync is.
func (e *Engine) Status(ctx context.Context, studentID int64, since time.Time, detailed bool) (Status, error) {
	if e.stats == nil {
		return Status{}, apperror.ErrInternal.WithMessage("sync status is not configured")
	}
	now := e.now().UTC()
	if since.IsZero() {
		since = now.Add(-DefaultStatusWindow)
	}
	if since.After(now) {
		return Status{}, apperror.Validation("since_date must not be in the future")
	}

	st, err := e.stats.Stats(ctx, studentID, since, detailed)
	if err != nil {
		return Status{}, err
	}
	last, ok, err := e.cursors.Last(ctx, studentID)
	if err != nil {
		return Status{}, err
	}

	out := Status{
		Since:      since,
		Until:      now,
		Statistics: st,
		RecordStatus: map[string]int{
			string(attendance.StatusAccepted):   st.Accepted,
			string(attendance.StatusRejected):   st.Rejected,
			string(attendance.StatusConflicted): st.Conflicted,
		},
		Recommendations: []Recommendation{},
	}
	if st.Accepted > 0 {
		out.VerificationRate = math.Round(st.CompletionRate()*100) / 100
	}
	out.Health.Status = grade(st)
	out.Health.NextSyncRecommended = now.Add(time.Hour)
	if ok && !last.Timestamp.IsZero() {
		t := last.Timestamp
		out.Health.LastSuccessfulSync = &t
	}

	for _, r := range st.NeedsAttention {
		a := Attention{RecordID: r.ID, LectureID: r.LectureID, ConflictID: r.ConflictID}
		if r.Status == attendance.StatusConflicted {
			a.IssueType, a.RequiresAction = "sync_conflict", true
		} else {
			a.IssueType = "verification_incomplete"
		}
		out.AttentionNeeded = append(out.AttentionNeeded, a)
	}

	if st.OpenConflicts > 0 {
		out.Recommendations = append(out.Recommendations, Recommendation{
			Type:     "conflicts_open",
			Message:  fmt.Sprintf("%d attendance conflicts need a resolution strategy", st.OpenConflicts),
			Priority: "high",
		})
	}
	if incomplete := st.Accepted - st.VerificationCompleted; incomplete > 0 {
		out.Recommendations = append(out.Recommendations, Recommendation{
			Type:     "verification_incomplete",
			Message:  fmt.Sprintf("%d accepted records are missing a verification factor", incomplete),
			Priority: "low",
		})
	}
	if out.Health.LastSuccessfulSync == nil || now.Sub(*out.Health.LastSuccessfulSync) > 24*time.Hour {
		out.Recommendations = append(out.Recommendations, Recommendation{
			Type:     "sync_required",
			Message:  "no sync acknowledged in the last 24 hours",
			Priority: "medium",
		})
	}
	return out, nil
}

func grade(st attendance.Stats) Health {
	switch {
	case st.OpenConflicts > 5 || st.Rejected > 50:
		return HealthCritical
	case st.OpenConflicts > 0 || st.Rejected > 10:
		return HealthWarning
	}
	return HealthHealthy
}
