package realtime

import "github.com/charlesng35/sentinel/internal/auth"

// SessionEvent is the payload of a StreamSessions message. Tokens are never included.
type SessionEvent struct {
	SessionID   string `json:"session_id"`
	MFAVerified bool   `json:"mfa_verified,omitempty"`
}

// ForwardSessions publishes every event to the connections of its identity until events is
// closed.
func ForwardSessions(events <-chan auth.SessionChanged, hub *Hub) {
	for ev := range events {
		payload := SessionEvent{SessionID: ev.SessionID}
		if ev.Session != nil {
			payload.MFAVerified = ev.Session.MFAVerified
		}
		hub.Publish(ev.IdentityID, Message{
			Stream: StreamSessions,
			Event:  string(ev.Event),
			Data:   payload,
		})
	}
}
