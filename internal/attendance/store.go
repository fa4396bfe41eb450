package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StatusChange moves one record to a new status.
type StatusChange struct {
	RecordID string
	Status   Status
	Reason   Reason
	Version  int64
}

// ResolutionWrite is everything one resolution commits together.
type ResolutionWrite struct {
	Conflict Conflict
	Changes  []StatusChange
	Insert   *Record
}

// ConflictFilter selects conflicts. Zero fields match everything.
type ConflictFilter struct {
	StudentID int64
	LectureID int64
	State     ConflictState
}

// Store persists records and conflicts.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	ByLocalID(ctx context.Context, studentID int64, localID string) (Record, error)
	// Accepted lists the accepted records of a (student, lecture) pair.
	Accepted(ctx context.Context, studentID, lectureID int64) ([]Record, error)
	// Insert stores a record, failing with ErrDuplicateLocalID when the
	// student already used the local id.
	Insert(ctx context.Context, r Record) error
	// InsertConflicted stores a conflicted record and its case atomically.
	InsertConflicted(ctx context.Context, r Record, c Conflict) error
	Conflict(ctx context.Context, id string) (Conflict, error)
	Conflicts(ctx context.Context, f ConflictFilter) ([]Conflict, error)
	// ApplyResolution commits status changes, the optional synthesized
	// record and the resolved case in one transaction.
	ApplyResolution(ctx context.Context, w ResolutionWrite) error
	// Changed lists a student's records with version > since, ascending.
	Changed(ctx context.Context, studentID, since int64) ([]Record, error)
	// Since lists a student's records checked in at or after t.
	Since(ctx context.Context, studentID int64, t time.Time) ([]Record, error)
}

type localKey struct {
	student int64
	local   string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	byLocal   map[localKey]string
	conflicts map[string]Conflict
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		byLocal:   make(map[localKey]string),
		conflicts: make(map[string]Conflict),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) ByLocalID(_ context.Context, studentID int64, localID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byLocal[localKey{studentID, localID}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.records[id], nil
}

func (m *MemoryStore) Accepted(_ context.Context, studentID, lectureID int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.StudentID == studentID && r.LectureID == lectureID && r.Status == StatusAccepted {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(r)
}

func (m *MemoryStore) insertLocked(r Record) error {
	k := localKey{r.StudentID, r.LocalID}
	if _, ok := m.byLocal[k]; ok {
		return ErrDuplicateLocalID
	}
	m.byLocal[k] = r.ID
	m.records[r.ID] = r
	return nil
}

func (m *MemoryStore) InsertConflicted(_ context.Context, r Record, c Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertLocked(r); err != nil {
		return err
	}
	m.conflicts[c.ID] = c
	return nil
}

func (m *MemoryStore) Conflict(_ context.Context, id string) (Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return Conflict{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) Conflicts(_ context.Context, f ConflictFilter) ([]Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Conflict
	for _, c := range m.conflicts {
		if f.StudentID != 0 && c.StudentID != f.StudentID {
			continue
		}
		if f.LectureID != 0 && c.LectureID != f.LectureID {
			continue
		}
		if f.State != "" && c.State != f.State {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ApplyResolution(_ context.Context, w ResolutionWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range w.Changes {
		if _, ok := m.records[ch.RecordID]; !ok {
			return ErrNotFound
		}
	}
	if w.Insert != nil {
		if err := m.insertLocked(*w.Insert); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	for _, ch := range w.Changes {
		r := m.records[ch.RecordID]
		r.Status, r.StatusReason, r.Version, r.UpdatedAt = ch.Status, ch.Reason, ch.Version, now
		m.records[ch.RecordID] = r
	}
	m.conflicts[w.Conflict.ID] = w.Conflict
	return nil
}

func (m *MemoryStore) Changed(_ context.Context, studentID, since int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.StudentID == studentID && r.Version > since {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryStore) Since(_ context.Context, studentID int64, t time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.StudentID == studentID && !r.CheckInTime.Before(t) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckInTime.Before(out[j].CheckInTime) })
	return out, nil
}
