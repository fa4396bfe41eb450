// Package keylock provides row-lock equivalents keyed by string: at most one
// holder per key, independent keys never contend.
package keylock

import (
	"context"
	"fmt"
	"sync"
)

// Locker acquires exclusive ownership of a key. The returned function
// releases it and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Key helpers keep lock names consistent across packages.
func QRLecture(lectureID int64) string { return fmt.Sprintf("qr:lecture:%d", lectureID) }

func Attendance(studentID, lectureID int64) string {
	return fmt.Sprintf("attendance:%d:%d", studentID, lectureID)
}

func Conflict(conflictID string) string { return "conflict:" + conflictID }

// Local is an in-process Locker. Entries are reference counted and removed
// when the last waiter leaves, so the map only holds keys in use.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// held reports the number of keys currently tracked.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
