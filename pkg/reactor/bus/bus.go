package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind tells receivers how to apply an Envelope.
type Kind string

const (
	// KindJoin announces a session entering a room. Members answer with their presence.
	KindJoin Kind = "join"
	// KindPresence carries the sender's full presence for a room.
	KindPresence Kind = "presence"
	// KindLeave removes the sender from a room.
	KindLeave Kind = "leave"
	// KindTopic is a broadcast on a room topic.
	KindTopic Kind = "topic"
)

// Envelope is one room event exchanged between reactor sessions.
type Envelope struct {
	Kind       Kind           `json:"kind"`
	SessionID  string         `json:"session_id"`
	RoomType   string         `json:"room_type,omitempty"`
	RoomID     string         `json:"room_id"`
	Topic      string         `json:"topic,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Handler receives every envelope published on the bus, including the subscriber's own.
type Handler func(Envelope)

// Bus fans room events out to every subscribed session.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes to h until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

func encode(env Envelope) ([]byte, error) {
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", env.Kind, err)
	}
	return data, nil
}

func decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, nil
}
