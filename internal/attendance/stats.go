package attendance

import (
	"context"
	"time"
)

// Stats summarises a student's records over a period.
type Stats struct {
	Since                 time.Time      `json:"since"`
	Total                 int            `json:"total_records"`
	Accepted              int            `json:"accepted"`
	Rejected              int            `json:"rejected"`
	Conflicted            int            `json:"conflicted"`
	OnTime                int            `json:"on_time"`
	Late                  int            `json:"late"`
	VerificationCompleted int            `json:"verification_completed"`
	OpenConflicts         int            `json:"open_conflicts"`
	LastCheckIn           *time.Time     `json:"last_check_in,omitempty"`
	Reasons               map[Reason]int `json:"reasons,omitempty"`
	NeedsAttention        []Record       `json:"needs_attention,omitempty"`
}

// CompletionRate is the percentage of accepted records with every factor
// verified.
func (s Stats) CompletionRate() float64 {
	if s.Accepted == 0 {
		return 0
	}
	return float64(s.VerificationCompleted) / float64(s.Accepted) * 100
}

// Stats computes statistics for records checked in since the given time.
// detailed adds the rejection reasons histogram and the records that need
// attention: conflicted ones and accepted ones missing a verification factor.
func (s *Service) Stats(ctx context.Context, studentID int64, since time.Time, detailed bool) (Stats, error) {
	recs, err := s.store.Since(ctx, studentID, since)
	if err != nil {
		return Stats{}, err
	}
	open, err := s.store.Conflicts(ctx, ConflictFilter{StudentID: studentID, State: ConflictOpen})
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Since: since, Total: len(recs), OpenConflicts: len(open)}
	if detailed {
		st.Reasons = make(map[Reason]int)
	}
	for _, r := range recs {
		switch r.Status {
		case StatusAccepted:
			st.Accepted++
			if r.VerificationCompleted() {
				st.VerificationCompleted++
			}
			switch r.Type {
			case TypeOnTime:
				st.OnTime++
			case TypeLate:
				st.Late++
			}
		case StatusRejected:
			st.Rejected++
		case StatusConflicted:
			st.Conflicted++
		}
		if st.LastCheckIn == nil || r.CheckInTime.After(*st.LastCheckIn) {
			t := r.CheckInTime
			st.LastCheckIn = &t
		}
		if !detailed {
			continue
		}
		if r.Status == StatusRejected {
			reason := r.Reason
			if reason == ReasonNone {
				reason = r.StatusReason
			}
			st.Reasons[reason]++
		}
		if r.Status == StatusConflicted || (r.Status == StatusAccepted && !r.VerificationCompleted()) {
			st.NeedsAttention = append(st.NeedsAttention, r)
		}
	}
	return st, nil
}
