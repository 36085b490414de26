package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sentinel/internal/auth"
)

func dialHub(t *testing.T, hub *Hub, identityID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(identityID, w, r)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.Connections(identityID) > 0 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubPublishesOnlyToIdentity(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)

	alice := dialHub(t, hub, "alice")
	bob := dialHub(t, hub, "bob")

	hub.Publish("alice", Message{Stream: StreamSessions, Event: "signed_in"})
	hub.Publish("bob", Message{Stream: StreamSessions, Event: "signed_out"})

	require.Equal(t, "signed_in", readMessage(t, alice).Event)
	require.Equal(t, "signed_out", readMessage(t, bob).Event)
}

func TestHubAnswersPing(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)

	conn := dialHub(t, hub, "alice")
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.Equal(t, "pong", readMessage(t, conn).Event)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "alice")

	hub.Close()
	require.Zero(t, hub.Connections("alice"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestForwardSessionsPublishesEvents(t *testing.T) {
	hub := NewHub()
	t.Cleanup(hub.Close)
	conn := dialHub(t, hub, "alice")

	events := make(chan auth.SessionChanged, 2)
	events <- auth.SessionChanged{Event: auth.EventSessionExpired, SessionID: "orphan"}
	events <- auth.SessionChanged{
		Event:      auth.EventSignedIn,
		SessionID:  "s-1",
		IdentityID: "alice",
		Session:    &auth.Session{ID: "s-1", AccessToken: "secret", MFAVerified: true},
	}
	close(events)
	ForwardSessions(events, hub)

	msg := readMessage(t, conn)
	require.Equal(t, StreamSessions, msg.Stream)
	require.Equal(t, string(auth.EventSignedIn), msg.Event)

	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "s-1", data["session_id"])
	require.Equal(t, true, data["mfa_verified"])
	require.NotContains(t, data, "access_token")
}

func TestCheckOriginAllowsSameHostAndLoopback(t *testing.T) {
	hub := NewHub()
	check := hub.upgrader.CheckOrigin

	req := httptest.NewRequest(http.MethodGet, "http://sentinel.example.com/api/auth/events", nil)
	req.Host = "sentinel.example.com:8080"

	req.Header.Set("Origin", "https://sentinel.example.com")
	require.True(t, check(req))

	req.Header.Set("Origin", "http://localhost:5173")
	require.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.net")
	require.False(t, check(req))
}
