// Package syncdelta computes what a device has to download to catch up with
// the server, based on per-type version cursors.
package syncdelta

import (
	"encoding/base64"
	"encoding/json"
	"slices"
	"time"

	"attendsync/internal/apperror"
	"attendsync/internal/version"
)

// Cursor records the highest version of each kind a device has consumed.
// Clients treat the encoded form as opaque.
type Cursor struct {
	Versions map[version.Kind]int64 `json:"v"`
	// Known is the reference data the device already holds. Entities that
	// enter the student's scope later are sent whatever their version.
	Known Known `json:"k"`
	// Clock counts the cursors issued to the student.
	Clock     int64     `json:"c"`
	Timestamp time.Time `json:"t"`
}

// Known lists entity ids by kind.
type Known struct {
	Subjects  []int64 `json:"s,omitempty"`
	Rooms     []int64 `json:"r,omitempty"`
	Schedules []int64 `json:"d,omitempty"`
}

type idSet map[int64]struct{}

func setOf(ids []int64) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s idSet) has(id int64) bool {
	_, ok := s[id]
	return ok
}

// sorted returns the ids ascending.
func (s idSet) sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// IsZero reports whether the cursor has never consumed anything.
func (c Cursor) IsZero() bool {
	for _, v := range c.Versions {
		if v > 0 {
			return false
		}
	}
	return true
}

func (c Cursor) version(k version.Kind) int64 {
	return c.Versions[k]
}

// Encode returns the base64url token for c.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token. The empty token is the zero cursor.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{Versions: map[version.Kind]int64{}}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, apperror.Wrap(err, apperror.CodeValidation, "data_version is not a valid sync cursor", apperror.ErrValidation.HTTPStatus)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, apperror.Wrap(err, apperror.CodeValidation, "data_version is not a valid sync cursor", apperror.ErrValidation.HTTPStatus)
	}
	if c.Versions == nil {
		c.Versions = map[version.Kind]int64{}
	}
	for _, v := range c.Versions {
		if v < 0 {
			return Cursor{}, apperror.Validation("data_version is not a valid sync cursor")
		}
	}
	return c, nil
}

// merge keeps the larger version of each kind.
func merge(a, b Cursor) Cursor {
	out := Cursor{Versions: make(map[version.Kind]int64, len(a.Versions)), Clock: a.Clock, Timestamp: a.Timestamp}
	for k, v := range a.Versions {
		out.Versions[k] = v
	}
	for k, v := range b.Versions {
		if v > out.Versions[k] {
			out.Versions[k] = v
		}
	}
	if b.Clock > out.Clock {
		out.Clock = b.Clock
	}
	if b.Timestamp.After(out.Timestamp) {
		out.Timestamp = b.Timestamp
	}
	return out
}
