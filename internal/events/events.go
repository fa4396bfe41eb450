// Package events carries domain events between the API and the worker.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	ConflictDetected Type = "conflict.detected"
	ConflictResolved Type = "conflict.resolved"
)

// Message is one event on the wire.
type Message struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// New builds a message with a fresh id. key orders messages in partitioned
// backends.
func New(typ Type, key string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         uuid.NewString(),
		Type:       typ,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Conflict is the payload of both conflict events.
type Conflict struct {
	ConflictID       string `json:"conflict_id"`
	StudentID        int64  `json:"student_id"`
	LectureID        int64  `json:"lecture_id"`
	OriginalID       string `json:"original_record_id"`
	ChallengerID     string `json:"challenger_record_id"`
	Strategy         string `json:"strategy,omitempty"`
	ResolvedRecordID string `json:"resolved_record_id,omitempty"`
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publisher
	Consume(ctx context.Context) (<-chan Message, error)
}

// Discard drops every message.
type Discard struct{}

func (Discard) Publish(context.Context, Message) error { return nil }
