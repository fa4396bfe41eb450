package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"attendsync/internal/geofence"
)

// Postgres persists the catalog in Postgres.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a repo.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const roomColumns = `id, name, building, floor, boundary, center_lat, center_lon, ground_altitude,
	floor_altitude, ceiling_height, capacity, active, version, updated_at`

const lectureColumns = `id, schedule_id, subject_id, room_id, teacher_id, section, study_year,
	scheduled_start, scheduled_end, late_threshold_minutes, status, qr_enabled, version, updated_at`

const scheduleColumns = `id, subject_id, teacher_id, room_id, section, study_year, weekday,
	start_time, end_time, active, version, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (Room, error) {
	var (
		r   Room
		raw []byte
	)
	if err := s.Scan(&r.ID, &r.Name, &r.Building, &r.Floor, &raw, &r.CenterLat, &r.CenterLon, &r.GroundAltitude,
		&r.FloorAltitude, &r.CeilingHeight, &r.Capacity, &r.Active, &r.Version, &r.UpdatedAt); err != nil {
		return Room{}, err
	}
	var pts []geofence.Point
	if err := json.Unmarshal(raw, &pts); err != nil {
		return Room{}, fmt.Errorf("room %d boundary: %w", r.ID, err)
	}
	r.Boundary = pts
	return r, nil
}

func scanLecture(s scanner) (Lecture, error) {
	var l Lecture
	err := s.Scan(&l.ID, &l.ScheduleID, &l.SubjectID, &l.RoomID, &l.TeacherID, &l.Section, &l.StudyYear,
		&l.ScheduledStart, &l.ScheduledEnd, &l.LateThresholdMinutes, &l.Status, &l.QREnabled, &l.Version, &l.UpdatedAt)
	return l, err
}

func scanSchedule(s scanner) (Schedule, error) {
	var sc Schedule
	err := s.Scan(&sc.ID, &sc.SubjectID, &sc.TeacherID, &sc.RoomID, &sc.Section, &sc.StudyYear, &sc.Weekday,
		&sc.StartTime, &sc.EndTime, &sc.Active, &sc.Version, &sc.UpdatedAt)
	return sc, err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Lecture returns a lecture by id.
func (p *Postgres) Lecture(ctx context.Context, id int64) (Lecture, error) {
	l, err := scanLecture(p.db.QueryRowContext(ctx, `SELECT `+lectureColumns+` FROM lectures WHERE id = $1`, id))
	return l, notFound(err)
}

// Room returns a room by id.
func (p *Postgres) Room(ctx context.Context, id int64) (Room, error) {
	r, err := scanRoom(p.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	return r, notFound(err)
}

// Schedule returns a schedule by id.
func (p *Postgres) Schedule(ctx context.Context, id int64) (Schedule, error) {
	s, err := scanSchedule(p.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	return s, notFound(err)
}

// Student returns a student profile by id.
func (p *Postgres) Student(ctx context.Context, id int64) (Student, error) {
	var s Student
	err := p.db.QueryRowContext(ctx, `
		SELECT id, university_id, full_name, section, study_year, version, updated_at
		FROM students WHERE id = $1
	`, id).Scan(&s.ID, &s.UniversityID, &s.FullName, &s.Section, &s.StudyYear, &s.Version, &s.UpdatedAt)
	return s, notFound(err)
}

// Schedules returns the schedules of a section and study year.
func (p *Postgres) Schedules(ctx context.Context, section string, studyYear int) ([]Schedule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE section = $1 AND study_year = $2
		ORDER BY id
	`, section, studyYear)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Subjects returns the subjects with the given ids.
func (p *Postgres) Subjects(ctx context.Context, ids []int64) ([]Subject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, code, name, department, credit_hours, study_year, active, version, updated_at
		FROM subjects WHERE id = ANY($1)
		ORDER BY id
	`, dedupe(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subject
	for rows.Next() {
		var s Subject
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Department, &s.CreditHours, &s.StudyYear, &s.Active, &s.Version, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Rooms returns the rooms with the given ids.
func (p *Postgres) Rooms(ctx context.Context, ids []int64) ([]Room, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ANY($1) ORDER BY id`, dedupe(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LecturesBySchedule returns the lectures of the given schedules.
func (p *Postgres) LecturesBySchedule(ctx context.Context, scheduleIDs []int64) ([]Lecture, error) {
	if len(scheduleIDs) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+lectureColumns+` FROM lectures
		WHERE schedule_id = ANY($1)
		ORDER BY id
	`, dedupe(scheduleIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Lecture
	for rows.Next() {
		l, err := scanLecture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SaveRoom upserts a room.
func (p *Postgres) SaveRoom(ctx context.Context, r Room) error {
	boundary, err := json.Marshal(r.Boundary)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rooms (`+roomColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, building = EXCLUDED.building, floor = EXCLUDED.floor,
			boundary = EXCLUDED.boundary, center_lat = EXCLUDED.center_lat, center_lon = EXCLUDED.center_lon,
			ground_altitude = EXCLUDED.ground_altitude, floor_altitude = EXCLUDED.floor_altitude,
			ceiling_height = EXCLUDED.ceiling_height, capacity = EXCLUDED.capacity, active = EXCLUDED.active,
			version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
	`, r.ID, r.Name, r.Building, r.Floor, string(boundary), r.CenterLat, r.CenterLon, r.GroundAltitude,
		r.FloorAltitude, r.CeilingHeight, r.Capacity, r.Active, r.Version, r.UpdatedAt)
	return err
}

// SaveSubject upserts a subject.
func (p *Postgres) SaveSubject(ctx context.Context, s Subject) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subjects (id, code, name, department, credit_hours, study_year, active, version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code, name = EXCLUDED.name, department = EXCLUDED.department,
			credit_hours = EXCLUDED.credit_hours, study_year = EXCLUDED.study_year, active = EXCLUDED.active,
			version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
	`, s.ID, s.Code, s.Name, s.Department, s.CreditHours, s.StudyYear, s.Active, s.Version, s.UpdatedAt)
	return err
}

// SaveSchedule upserts a schedule.
func (p *Postgres) SaveSchedule(ctx context.Context, s Schedule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			subject_id = EXCLUDED.subject_id, teacher_id = EXCLUDED.teacher_id, room_id = EXCLUDED.room_id,
			section = EXCLUDED.section, study_year = EXCLUDED.study_year, weekday = EXCLUDED.weekday,
			start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time, active = EXCLUDED.active,
			version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
	`, s.ID, s.SubjectID, s.TeacherID, s.RoomID, s.Section, s.StudyYear, s.Weekday,
		s.StartTime, s.EndTime, s.Active, s.Version, s.UpdatedAt)
	return err
}

// SaveLecture upserts a lecture.
func (p *Postgres) SaveLecture(ctx context.Context, l Lecture) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO lectures (`+lectureColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			schedule_id = EXCLUDED.schedule_id, subject_id = EXCLUDED.subject_id, room_id = EXCLUDED.room_id,
			teacher_id = EXCLUDED.teacher_id, section = EXCLUDED.section, study_year = EXCLUDED.study_year,
			scheduled_start = EXCLUDED.scheduled_start, scheduled_end = EXCLUDED.scheduled_end,
			late_threshold_minutes = EXCLUDED.late_threshold_minutes, status = EXCLUDED.status,
			qr_enabled = EXCLUDED.qr_enabled, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
	`, l.ID, l.ScheduleID, l.SubjectID, l.RoomID, l.TeacherID, l.Section, l.StudyYear,
		l.ScheduledStart, l.ScheduledEnd, l.LateThresholdMinutes, string(l.Status), l.QREnabled, l.Version, l.UpdatedAt)
	return err
}

// SaveStudent upserts a student profile.
func (p *Postgres) SaveStudent(ctx context.Context, s Student) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO students (id, university_id, full_name, section, study_year, version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			university_id = EXCLUDED.university_id, full_name = EXCLUDED.full_name,
			section = EXCLUDED.section, study_year = EXCLUDED.study_year,
			version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
	`, s.ID, s.UniversityID, s.FullName, s.Section, s.StudyYear, s.Version, s.UpdatedAt)
	return err
}
