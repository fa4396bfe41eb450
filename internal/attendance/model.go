package attendance

import (
	"errors"
	"time"
)

// Status is the current standing of a record. Only the resolver changes it
// after ingestion.
type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusConflicted Status = "conflicted"
)

// Reason is a machine-readable rejection or transition cause.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonValidation        Reason = "validation_error"
	ReasonLectureNotFound   Reason = "lecture_not_found"
	ReasonOutsideWindow     Reason = "outside_window"
	ReasonQRInvalid         Reason = "qr_invalid"
	ReasonLocationInvalid   Reason = "location_invalid"
	ReasonRoomMisconfigured Reason = "room_misconfigured"
	ReasonInternal          Reason = "internal_error"
	ReasonDuplicateStudent  Reason = "duplicate_student"
	ReasonSuperseded        Reason = "superseded"
	ReasonMerged            Reason = "merged"
)

// Type tells whether an accepted check-in was on time.
type Type string

const (
	TypeOnTime Type = "on_time"
	TypeLate   Type = "late"
)

// Record is one attendance claim as stored. Records are never deleted.
type Record struct {
	ID               string    `json:"id"`
	StudentID        int64     `json:"student_id"`
	LectureID        int64     `json:"lecture_id"`
	LocalID          string    `json:"local_id"`
	DeviceID         string    `json:"device_id,omitempty"`
	BatchID          string    `json:"batch_id,omitempty"`
	QRSessionID      string    `json:"qr_session_id,omitempty"`
	Latitude         float64   `json:"recorded_latitude"`
	Longitude        float64   `json:"recorded_longitude"`
	Altitude         *float64  `json:"recorded_altitude,omitempty"`
	Accuracy         float64   `json:"gps_accuracy"`
	CheckInTime      time.Time `json:"check_in_time"`
	LocationVerified bool      `json:"location_verified"`
	QRVerified       bool      `json:"qr_verified"`
	FaceVerified     bool      `json:"face_verified"`
	HorizontalMargin *float64  `json:"horizontal_margin,omitempty"`
	VerticalMargin   *float64  `json:"vertical_margin,omitempty"`
	Type             Type      `json:"attendance_type,omitempty"`
	// Outcome, Reason and Message are the decision taken at ingestion and
	// never change. Status and StatusReason follow later resolutions.
	Outcome      Status    `json:"outcome"`
	Reason       Reason    `json:"reason,omitempty"`
	Message      string    `json:"message,omitempty"`
	Status       Status    `json:"status"`
	StatusReason Reason    `json:"status_reason,omitempty"`
	ConflictID   string    `json:"conflict_id,omitempty"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VerificationCompleted reports whether every factor was verified.
func (r Record) VerificationCompleted() bool {
	return r.LocationVerified && r.QRVerified && r.FaceVerified
}

// ConflictState is open until a strategy is applied.
type ConflictState string

const (
	ConflictOpen     ConflictState = "open"
	ConflictResolved ConflictState = "resolved"
)

// Conflict records that a second record arrived for a (student, lecture)
// that already had an accepted one.
type Conflict struct {
	ID                string        `json:"conflict_id"`
	StudentID         int64         `json:"student_id"`
	LectureID         int64         `json:"lecture_id"`
	OriginalID        string        `json:"original_record_id"`
	ChallengerID      string        `json:"challenger_record_id"`
	ChallengerLocalID string        `json:"challenger_local_id"`
	DetectedAt        time.Time     `json:"detected_at"`
	State             ConflictState `json:"state"`
	Strategy          Strategy      `json:"strategy,omitempty"`
	ResolvedRecordID  string        `json:"resolved_record_id,omitempty"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
}

var (
	// ErrNotFound is returned for unknown records and conflicts.
	ErrNotFound = errors.New("attendance: not found")
	// ErrDuplicateLocalID is returned when (student, local_id) already exists.
	ErrDuplicateLocalID = errors.New("attendance: local id already recorded")
)
