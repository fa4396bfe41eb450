package catalog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attendsync/internal/geofence"
	"attendsync/internal/version"
)

// Registry writes catalog entities, stamping each write with the next version
// of its kind so the sync engine can see it.
type Registry struct {
	store    Store
	versions version.Counter
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(store Store, versions version.Counter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, versions: versions, logger: logger.Named("catalog"), now: time.Now}
}

// PutRoom stores a room. A room given only by width and height gets a
// rectangular boundary around its center.
func (r *Registry) PutRoom(ctx context.Context, room Room) (Room, error) {
	if room.ID <= 0 {
		return Room{}, fmt.Errorf("%w: room id required", ErrInvalid)
	}
	if len(room.Boundary) == 0 && room.Width > 0 && room.Height > 0 {
		room.Boundary = geofence.Rectangle(geofence.Point{Lat: room.CenterLat, Lon: room.CenterLon}, room.Width, room.Height)
	}
	if err := geofence.CheckPolygon(room.Boundary); err != nil {
		return Room{}, fmt.Errorf("%w: room %d: %w", ErrInvalid, room.ID, err)
	}
	if room.CeilingHeight <= 0 {
		return Room{}, fmt.Errorf("%w: room %d: ceiling height must be positive", ErrInvalid, room.ID)
	}
	v, release, err := r.versions.Next(ctx, version.Rooms)
	if err != nil {
		return Room{}, err
	}
	defer release()
	room.Version, room.UpdatedAt = v, r.now().UTC()
	if err := r.store.SaveRoom(ctx, room); err != nil {
		return Room{}, err
	}
	r.logger.Debug("room saved", zap.Int64("room_id", room.ID), zap.Int64("version", v))
	return room, nil
}

// PutSubject stores a subject.
func (r *Registry) PutSubject(ctx context.Context, s Subject) (Subject, error) {
	if s.ID <= 0 || s.Code == "" {
		return Subject{}, fmt.Errorf("%w: subject id and code required", ErrInvalid)
	}
	v, release, err := r.versions.Next(ctx, version.Subjects)
	if err != nil {
		return Subject{}, err
	}
	defer release()
	s.Version, s.UpdatedAt = v, r.now().UTC()
	return s, r.store.SaveSubject(ctx, s)
}

// PutSchedule stores a schedule.
func (r *Registry) PutSchedule(ctx context.Context, s Schedule) (Schedule, error) {
	if s.ID <= 0 || s.SubjectID <= 0 || s.RoomID <= 0 {
		return Schedule{}, fmt.Errorf("%w: schedule id, subject and room required", ErrInvalid)
	}
	if s.Weekday < 0 || s.Weekday > 6 {
		return Schedule{}, fmt.Errorf("%w: schedule %d: weekday out of range", ErrInvalid, s.ID)
	}
	if _, err := time.Parse("15:04", s.StartTime); err != nil {
		return Schedule{}, fmt.Errorf("%w: schedule %d: start time: %w", ErrInvalid, s.ID, err)
	}
	if _, err := time.Parse("15:04", s.EndTime); err != nil {
		return Schedule{}, fmt.Errorf("%w: schedule %d: end time: %w", ErrInvalid, s.ID, err)
	}
	v, release, err := r.versions.Next(ctx, version.Schedules)
	if err != nil {
		return Schedule{}, err
	}
	defer release()
	s.Version, s.UpdatedAt = v, r.now().UTC()
	return s, r.store.SaveSchedule(ctx, s)
}

// PutLecture stores a lecture, copying subject, room, teacher and section
// from its schedule when they are not set.
func (r *Registry) PutLecture(ctx context.Context, l Lecture) (Lecture, error) {
	if l.ID <= 0 || l.ScheduleID <= 0 {
		return Lecture{}, fmt.Errorf("%w: lecture id and schedule required", ErrInvalid)
	}
	if !l.ScheduledEnd.After(l.ScheduledStart) {
		return Lecture{}, fmt.Errorf("%w: lecture %d: end must be after start", ErrInvalid, l.ID)
	}
	if l.RoomID == 0 || l.SubjectID == 0 || l.Section == "" {
		sched, err := r.store.Schedule(ctx, l.ScheduleID)
		if err != nil {
			return Lecture{}, err
		}
		if l.RoomID == 0 {
			l.RoomID = sched.RoomID
		}
		if l.SubjectID == 0 {
			l.SubjectID = sched.SubjectID
		}
		if l.TeacherID == 0 {
			l.TeacherID = sched.TeacherID
		}
		if l.Section == "" {
			l.Section, l.StudyYear = sched.Section, sched.StudyYear
		}
	}
	if l.Status == "" {
		l.Status = LectureScheduled
	}
	if l.LateThresholdMinutes <= 0 {
		l.LateThresholdMinutes = 15
	}
	v, release, err := r.versions.Next(ctx, version.Lectures)
	if err != nil {
		return Lecture{}, err
	}
	defer release()
	l.Version, l.UpdatedAt = v, r.now().UTC()
	return l, r.store.SaveLecture(ctx, l)
}

// PutStudent stores a student profile. Any change widens or narrows the
// student's sync scope, so clients resync fully afterwards.
func (r *Registry) PutStudent(ctx context.Context, s Student) (Student, error) {
	if s.ID <= 0 || s.Section == "" {
		return Student{}, fmt.Errorf("%w: student id and section required", ErrInvalid)
	}
	v, release, err := r.versions.Next(ctx, version.Students)
	if err != nil {
		return Student{}, err
	}
	defer release()
	s.Version, s.UpdatedAt = v, r.now().UTC()
	return s, r.store.SaveStudent(ctx, s)
}

