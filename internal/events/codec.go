package events

import (
	"encoding/json"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

var errNoGroup = errors.New("events: kafka consumer needs a group id")

const (
	headerType = "event_type"
	headerID   = "event_id"
)

func toKafka(msg Message) kafkago.Message {
	return kafkago.Message{
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Time:  msg.OccurredAt,
		Headers: []kafkago.Header{
			{Key: headerType, Value: []byte(msg.Type)},
			{Key: headerID, Value: []byte(msg.ID)},
		},
	}
}

func fromKafka(km kafkago.Message) (Message, error) {
	msg := Message{Key: string(km.Key), OccurredAt: km.Time.UTC()}
	for _, h := range km.Headers {
		switch h.Key {
		case headerType:
			msg.Type = Type(h.Value)
		case headerID:
			msg.ID = string(h.Value)
		}
	}
	if msg.Type == "" {
		return Message{}, errors.New("events: message without event_type header")
	}
	if !json.Valid(km.Value) {
		return Message{}, errors.New("events: payload is not json")
	}
	msg.Payload = json.RawMessage(km.Value)
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	return msg, nil
}
