// Package events defines the event schema the session broker publishes on
// the platform bus. Schema version: 1.0.0
package events

import "time"

// EventType constants for session lifecycle events.
const (
	EventSessionStarted     = "session.started"
	EventSessionStopped     = "session.stopped"
	EventSessionExpired     = "session.expired"
	EventSessionFlagChecked = "session.flag_checked"
)

// NATS subject constants
const (
	SubjectSessionEvents = "session.events"
)

// SessionEvent is the canonical session lifecycle event envelope.
type SessionEvent struct {
	EventType   string                 `json:"event_type"`
	SessionID   string                 `json:"session_id"`
	ContainerID string                 `json:"container_id,omitempty"`
	ChallengeID string                 `json:"challenge_id,omitempty"`
	Timestamp   string                 `json:"timestamp"`
	Source      string                 `json:"source"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// NewSessionEvent constructs a SessionEvent with current UTC timestamp.
func NewSessionEvent(eventType, sessionID, containerID string) SessionEvent {
	return SessionEvent{
		EventType:   eventType,
		SessionID:   sessionID,
		ContainerID: containerID,
		Source:      "session-broker",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Payload:     make(map[string]interface{}),
	}
}
