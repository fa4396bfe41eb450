package catalog

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu        sync.RWMutex
	rooms     map[int64]Room
	subjects  map[int64]Subject
	schedules map[int64]Schedule
	lectures  map[int64]Lecture
	students  map[int64]Student
}

func NewMemory() *Memory {
	return &Memory{
		rooms:     make(map[int64]Room),
		subjects:  make(map[int64]Subject),
		schedules: make(map[int64]Schedule),
		lectures:  make(map[int64]Lecture),
		students:  make(map[int64]Student),
	}
}

func (m *Memory) Lecture(_ context.Context, id int64) (Lecture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lectures[id]
	if !ok {
		return Lecture{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) Room(_ context.Context, id int64) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Student(_ context.Context, id int64) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Schedule(_ context.Context, id int64) (Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Schedules(_ context.Context, section string, studyYear int) ([]Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Schedule
	for _, s := range m.schedules {
		if s.Section == section && s.StudyYear == studyYear {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Subjects(_ context.Context, ids []int64) ([]Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subject
	for _, id := range dedupe(ids) {
		if s, ok := m.subjects[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) Rooms(_ context.Context, ids []int64) ([]Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Room
	for _, id := range dedupe(ids) {
		if r, ok := m.rooms[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) LecturesBySchedule(_ context.Context, scheduleIDs []int64) ([]Lecture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[int64]bool, len(scheduleIDs))
	for _, id := range scheduleIDs {
		want[id] = true
	}
	var out []Lecture
	for _, l := range m.lectures {
		if want[l.ScheduleID] {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveRoom(_ context.Context, r Room) error {
	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveSubject(_ context.Context, s Subject) error {
	m.mu.Lock()
	m.subjects[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveSchedule(_ context.Context, s Schedule) error {
	m.mu.Lock()
	m.schedules[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveLecture(_ context.Context, l Lecture) error {
	m.mu.Lock()
	m.lectures[l.ID] = l
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveStudent(_ context.Context, s Student) error {
	m.mu.Lock()
	m.students[s.ID] = s
	m.mu.Unlock()
	return nil
}

// dedupe returns the distinct ids in ascending order.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
