// Package catalog holds the reference data the attendance core reads but does
// not own: rooms, subjects, schedules, lectures and students.
package catalog

import (
	"context"
	"errors"
	"time"

	"attendsync/internal/geofence"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("catalog: not found")
	// ErrInvalid wraps every rejected registry write.
	ErrInvalid = errors.New("catalog: invalid entity")
)

// Room is a physical room with its boundary and altitude band.
type Room struct {
	ID             int64            `json:"id" yaml:"id"`
	Name           string           `json:"name" yaml:"name"`
	Building       string           `json:"building" yaml:"building"`
	Floor          int              `json:"floor" yaml:"floor"`
	Boundary       []geofence.Point `json:"gps_boundaries" yaml:"boundary"`
	CenterLat      float64          `json:"center_latitude" yaml:"center_lat"`
	CenterLon      float64          `json:"center_longitude" yaml:"center_lon"`
	GroundAltitude float64          `json:"ground_reference_altitude" yaml:"ground_altitude"`
	FloorAltitude  float64          `json:"floor_altitude" yaml:"floor_altitude"`
	CeilingHeight  float64          `json:"ceiling_height" yaml:"ceiling_height"`
	Width          float64          `json:"-" yaml:"width_m"`
	Height         float64          `json:"-" yaml:"height_m"`
	Capacity       int              `json:"capacity" yaml:"capacity"`
	Active         bool             `json:"is_active" yaml:"active"`
	Version        int64            `json:"version" yaml:"-"`
	UpdatedAt      time.Time        `json:"updated_at" yaml:"-"`
}

// Fence returns the geofence view of the room.
func (r Room) Fence() geofence.Fence {
	return geofence.Fence{
		Vertices:      r.Boundary,
		FloorAltitude: r.FloorAltitude,
		CeilingHeight: r.CeilingHeight,
	}
}

// Subject is a taught course.
type Subject struct {
	ID          int64     `json:"id" yaml:"id"`
	Code        string    `json:"code" yaml:"code"`
	Name        string    `json:"name" yaml:"name"`
	Department  string    `json:"department" yaml:"department"`
	CreditHours int       `json:"credit_hours" yaml:"credit_hours"`
	StudyYear   int       `json:"study_year" yaml:"study_year"`
	Active      bool      `json:"is_active" yaml:"active"`
	Version     int64     `json:"version" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Schedule is a weekly slot binding a subject, teacher, room and section.
type Schedule struct {
	ID        int64     `json:"id" yaml:"id"`
	SubjectID int64     `json:"subject_id" yaml:"subject_id"`
	TeacherID int64     `json:"teacher_id" yaml:"teacher_id"`
	RoomID    int64     `json:"room_id" yaml:"room_id"`
	Section   string    `json:"section" yaml:"section"`
	StudyYear int       `json:"study_year" yaml:"study_year"`
	Weekday   int       `json:"day_of_week" yaml:"weekday"`
	StartTime string    `json:"start_time" yaml:"start_time"`
	EndTime   string    `json:"end_time" yaml:"end_time"`
	Active    bool      `json:"is_active" yaml:"active"`
	Version   int64     `json:"version" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// LectureStatus is the lifecycle state of a lecture.
type LectureStatus string

const (
	LectureScheduled LectureStatus = "scheduled"
	LectureActive    LectureStatus = "active"
	LectureCompleted LectureStatus = "completed"
	LectureCancelled LectureStatus = "cancelled"
)

// Lecture is one concrete occurrence of a schedule. Subject, room, teacher
// and section are copied from the schedule when the lecture is created.
type Lecture struct {
	ID                   int64         `json:"id" yaml:"id"`
	ScheduleID           int64         `json:"schedule_id" yaml:"schedule_id"`
	SubjectID            int64         `json:"subject_id" yaml:"subject_id"`
	RoomID               int64         `json:"room_id" yaml:"room_id"`
	TeacherID            int64         `json:"teacher_id" yaml:"teacher_id"`
	Section              string        `json:"section" yaml:"section"`
	StudyYear            int           `json:"study_year" yaml:"study_year"`
	ScheduledStart       time.Time     `json:"scheduled_start" yaml:"scheduled_start"`
	ScheduledEnd         time.Time     `json:"scheduled_end" yaml:"scheduled_end"`
	LateThresholdMinutes int           `json:"late_threshold_minutes" yaml:"late_threshold_minutes"`
	Status               LectureStatus `json:"status" yaml:"status"`
	QREnabled            bool          `json:"qr_enabled" yaml:"qr_enabled"`
	Version              int64         `json:"version" yaml:"-"`
	UpdatedAt            time.Time     `json:"updated_at" yaml:"-"`
}

// LateAfter is the instant after which a check-in counts as late.
func (l Lecture) LateAfter() time.Time {
	return l.ScheduledStart.Add(time.Duration(l.LateThresholdMinutes) * time.Minute)
}

// Student is the sync-relevant part of a student profile.
type Student struct {
	ID           int64     `json:"id" yaml:"id"`
	UniversityID string    `json:"university_id" yaml:"university_id"`
	FullName     string    `json:"full_name" yaml:"full_name"`
	Section      string    `json:"section" yaml:"section"`
	StudyYear    int       `json:"study_year" yaml:"study_year"`
	Version      int64     `json:"version" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// Reader is the read side used by the attendance core and the sync engine.
type Reader interface {
	Lecture(ctx context.Context, id int64) (Lecture, error)
	Room(ctx context.Context, id int64) (Room, error)
	Student(ctx context.Context, id int64) (Student, error)
	// Schedules returns every schedule (active or not) of a section and year.
	Schedules(ctx context.Context, section string, studyYear int) ([]Schedule, error)
	Subjects(ctx context.Context, ids []int64) ([]Subject, error)
	Rooms(ctx context.Context, ids []int64) ([]Room, error)
	LecturesBySchedule(ctx context.Context, scheduleIDs []int64) ([]Lecture, error)
}

// Store is a Reader that can also persist entities.
type Store interface {
	Reader
	Schedule(ctx context.Context, id int64) (Schedule, error)
	SaveRoom(ctx context.Context, r Room) error
	SaveSubject(ctx context.Context, s Subject) error
	SaveSchedule(ctx context.Context, s Schedule) error
	SaveLecture(ctx context.Context, l Lecture) error
	SaveStudent(ctx context.Context, s Student) error
}
