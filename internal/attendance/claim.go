package attendance

import (
	"math"
	"time"
)

// Claim is one offline-recorded check-in as uploaded by a device.
type Claim struct {
	LocalID     string    `json:"local_id" validate:"required,max=128"`
	LectureID   int64     `json:"lecture_id" validate:"required,gt=0"`
	QRSessionID string    `json:"qr_session_id" validate:"required,max=128"`
	QRToken     string    `json:"qr_token,omitempty"`
	Latitude    float64   `json:"recorded_latitude" validate:"gte=-90,lte=90"`
	Longitude   float64   `json:"recorded_longitude" validate:"gte=-180,lte=180"`
	Altitude    *float64  `json:"recorded_altitude,omitempty"`
	Accuracy    float64   `json:"gps_accuracy" validate:"gte=0,lte=10000"`
	CheckInTime time.Time `json:"check_in_time" validate:"required"`
	// FaceVerified is the device's face match result, taken as given.
	FaceVerified bool `json:"face_verified"`
}

// Batch is one upload.
type Batch struct {
	ID       string  `json:"batch_id"`
	DeviceID string  `json:"device_id"`
	Claims   []Claim `json:"attendance_records"`
}

// RecordResult is the outcome of one claim.
type RecordResult struct {
	Index          int    `json:"index"`
	LocalID        string `json:"local_id"`
	Status         Status `json:"status"`
	Reason         Reason `json:"reason,omitempty"`
	Message        string `json:"message,omitempty"`
	RecordID       string `json:"attendance_id,omitempty"`
	ConflictID     string `json:"conflict_id,omitempty"`
	AttendanceType Type   `json:"attendance_type,omitempty"`
	Verified       bool   `json:"verification_completed"`
	// Duplicate marks a replay of an earlier submission of the same local id.
	Duplicate bool `json:"duplicate"`
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Total       int            `json:"total_records"`
	Accepted    int            `json:"accepted"`
	Rejected    int            `json:"rejected"`
	Conflicted  int            `json:"conflicted"`
	SuccessRate float64        `json:"success_rate"`
	Reasons     map[Reason]int `json:"reasons"`
}

// BatchResult is returned for every batch, including replays.
type BatchResult struct {
	BatchID string         `json:"batch_id"`
	Results []RecordResult `json:"upload_results"`
	Summary Summary        `json:"summary"`
}

func summarize(results []RecordResult) Summary {
	s := Summary{Total: len(results), Reasons: make(map[Reason]int)}
	for _, r := range results {
		switch r.Status {
		case StatusAccepted:
			s.Accepted++
		case StatusConflicted:
			s.Conflicted++
		default:
			s.Rejected++
		}
		if r.Reason != ReasonNone {
			s.Reasons[r.Reason]++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = math.Round(float64(s.Accepted)/float64(s.Total)*10000) / 100
	}
	return s
}
