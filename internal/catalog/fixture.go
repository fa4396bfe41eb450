package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Fixture is a catalog snapshot in YAML, applied through the registry so
// every entity gets a fresh version.
type Fixture struct {
	Rooms     []Room     `yaml:"rooms"`
	Subjects  []Subject  `yaml:"subjects"`
	Schedules []Schedule `yaml:"schedules"`
	Lectures  []Lecture  `yaml:"lectures"`
	Students  []Student  `yaml:"students"`
}

// DecodeFixture reads a fixture. Unknown keys are rejected.
func DecodeFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	return f, nil
}

// Apply writes the fixture in dependency order and returns how many entities
// it stored. It stops at the first failure.
func (f Fixture) Apply(ctx context.Context, reg *Registry) (int, error) {
	n := 0
	for _, r := range f.Rooms {
		if _, err := reg.PutRoom(ctx, r); err != nil {
			return n, err
		}
		n++
	}
	for _, s := range f.Subjects {
		if _, err := reg.PutSubject(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	for _, s := range f.Schedules {
		if _, err := reg.PutSchedule(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	for _, l := range f.Lectures {
		if _, err := reg.PutLecture(ctx, l); err != nil {
			return n, err
		}
		n++
	}
	for _, s := range f.Students {
		if _, err := reg.PutStudent(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
