package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// testRealtimeServer spins up a websocket endpoint that records every
// inbound message and lets the test script canned replies back.
func testRealtimeServer(t *testing.T, onMessage func(conn *websocket.Conn, msg map[string]any)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if onMessage != nil {
				onMessage(conn, msg)
			}
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestOpenAISessionSendsSessionUpdateOnConnect(t *testing.T) {
	received := make(chan map[string]any, 4)
	srv := testRealtimeServer(t, func(conn *websocket.Conn, msg map[string]any) {
		received <- msg
	})
	defer srv.Close()

	sess := NewOpenAISession(Config{PersonaPrompt: "You sell widgets.", Now: func() time.Time {
		return time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC)
	}})
	sess.baseURL = wsURL(srv.URL)

	err := sess.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	select {
	case msg := <-received:
		require.Equal(t, "session.update", msg["type"])
		session := msg["session"].(map[string]any)
		require.Contains(t, session["instructions"], "widgets")
		require.Contains(t, session["instructions"], "Thursday, August 6, 2026")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session.update")
	}
}

func TestOpenAISessionDispatchesFunctionCallOnlyFromResponseDone(t *testing.T) {
	srv := testRealtimeServer(t, func(conn *websocket.Conn, msg map[string]any) {
		if msg["type"] == "session.update" {
			done := map[string]any{
				"type": "response.done",
				"response": map[string]any{
					"output": []map[string]any{
						{
							"type":      "function_call",
							"call_id":   "call_1",
							"name":      "hangup",
							"arguments": `{"reason":"done talking"}`,
						},
					},
				},
			}
			b, _ := json.Marshal(done)
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
	})
	defer srv.Close()

	sess := NewOpenAISession(Config{})
	sess.baseURL = wsURL(srv.URL)
	require.NoError(t, sess.Connect(context.Background()))
	defer func() { _ = sess.Close() }()

	var gotHangup, gotDone bool
	deadline := time.After(2 * time.Second)
	for !gotHangup || !gotDone {
		select {
		case ev := <-sess.Events():
			switch ev.Type {
			case EventHangupRequested:
				gotHangup = true
				require.Equal(t, "done talking", ev.Reason)
			case EventResponseDone:
				gotDone = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for hangup dispatch")
		}
	}
}

func TestOpenAISessionWaitsForSessionUpdatedBeforeSendingGreeting(t *testing.T) {
	greetingReceived := make(chan time.Time, 1)
	var ackSentAt time.Time
	srv := testRealtimeServer(t, func(conn *websocket.Conn, msg map[string]any) {
		switch msg["type"] {
		case "session.update":
			time.Sleep(150 * time.Millisecond)
			ackSentAt = time.Now()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
		case "conversation.item.create":
			greetingReceived <- time.Now()
		}
	})
	defer srv.Close()

	sess := NewOpenAISession(Config{InitialGreeting: "Hello there"})
	sess.baseURL = wsURL(srv.URL)
	require.NoError(t, sess.Connect(context.Background()))
	defer func() { _ = sess.Close() }()

	select {
	case receivedAt := <-greetingReceived:
		require.False(t, receivedAt.Before(ackSentAt), "greeting must not be sent before session.updated is observed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for greeting")
	}
}

func TestOpenAISessionConnectAbortsIfSessionUpdatedNeverArrives(t *testing.T) {
	srv := testRealtimeServer(t, nil)
	defer srv.Close()

	sess := NewOpenAISession(Config{InitialGreeting: "Hello there"})
	sess.baseURL = wsURL(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := sess.Connect(ctx)
	require.Error(t, err)
}

func TestOpenAISessionSendAudioBeforeConnectIsNoop(t *testing.T) {
	sess := NewOpenAISession(Config{})
	require.NoError(t, sess.SendAudio([]byte{0xFF, 0xFF}))
}
