package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultRealtimeBaseURL = "wss://api.openai.com/v1/realtime"

// OpenAISession drives OpenAI's realtime speech-to-speech websocket. Event
// dispatch (the switch over inbound event "type") is grounded on how
// OpenAI-realtime client SDKs structure their listener callback: one big
// switch keyed on event type, with function-call dispatch gated to
// response.done so a tool call never fires twice within one response.
type OpenAISession struct {
	cfg     Config
	baseURL string

	mu       sync.Mutex
	conn     *websocket.Conn
	events   chan Event
	closed   bool
	closeErr error

	sessionUpdated     chan struct{}
	sessionUpdatedOnce sync.Once

	transcriptAccum map[string]*strings.Builder
}

func NewOpenAISession(cfg Config) *OpenAISession {
	base := defaultRealtimeBaseURL
	return &OpenAISession{
		cfg:             cfg,
		baseURL:         base,
		events:          make(chan Event, 64),
		sessionUpdated:  make(chan struct{}),
		transcriptAccum: make(map[string]*strings.Builder),
	}
}

func (s *OpenAISession) Events() <-chan Event { return s.events }

func (s *OpenAISession) Connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if s.cfg.Model != "" {
		q.Set("model", s.cfg.Model)
	}
	if s.cfg.Temperature > 0 {
		q.Set("temperature", strconv.FormatFloat(s.cfg.Temperature, 'f', -1, 64))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(connectCtx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial realtime websocket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop()

	select {
	case <-time.After(postConnectDelay):
	case <-connectCtx.Done():
		return connectCtx.Err()
	}

	if err := s.sendSessionUpdate(); err != nil {
		return err
	}

	if strings.TrimSpace(s.cfg.InitialGreeting) != "" {
		select {
		case <-s.sessionUpdated:
		case <-connectCtx.Done():
			return connectCtx.Err()
		}
		if err := s.sendInitialGreeting(); err != nil {
			return err
		}
	}

	return nil
}

func (s *OpenAISession) sendSessionUpdate() error {
	instructions := composeInstructions(s.cfg.PersonaPrompt, s.cfg.Now)

	payload := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions": instructions,
			"input_audio_format":  "pcmu",
			"output_audio_format": "pcmu",
			"turn_detection": map[string]any{
				"type":               "semantic_vad",
				"interrupt_response": true,
			},
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"tools": []map[string]any{
				{
					"type":        "function",
					"name":        "hangup",
					"description": "End the call.",
					"parameters": map[string]any{
						"type":       "object",
						"properties": map[string]any{"reason": map[string]any{"type": "string"}},
						"required":   []string{"reason"},
					},
				},
				{
					"type":        "function",
					"name":        "send_dtmf",
					"description": "Press buttons on the keypad.",
					"parameters": map[string]any{
						"type":       "object",
						"properties": map[string]any{"digits": map[string]any{"type": "string"}},
						"required":   []string{"digits"},
					},
				},
			},
		},
	}
	return s.send(payload)
}

func (s *OpenAISession) sendInitialGreeting() error {
	directive := fmt.Sprintf("[SYSTEM: the call has just been answered. Say exactly: %q]", s.cfg.InitialGreeting)
	if err := s.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": directive},
			},
		},
	}); err != nil {
		return err
	}
	time.Sleep(greetingDelay)
	return s.send(map[string]any{"type": "response.create"})
}

func (s *OpenAISession) SendAudio(pcmu []byte) error {
	s.mu.Lock()
	connected := s.conn != nil && !s.closed
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcmu),
	})
}

func (s *OpenAISession) send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("model session not connected")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("model session not connected")
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *OpenAISession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (s *OpenAISession) readLoop() {
	defer s.emitClosed()
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed || conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.closeErr = err
			s.mu.Unlock()
			return
		}
		s.handleMessage(data)
	}
}

func (s *OpenAISession) emitClosed() {
	s.mu.Lock()
	err := s.closeErr
	s.mu.Unlock()
	s.emit(Event{Type: EventClosed, Err: err})
	close(s.events)
}

func (s *OpenAISession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Backpressure on an unread event channel should never happen in
		// practice (the bridge drains it continuously); drop rather than
		// block the read loop indefinitely.
	}
}

func (s *OpenAISession) handleMessage(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "session.updated":
		s.sessionUpdatedOnce.Do(func() { close(s.sessionUpdated) })
	case "input_audio_buffer.speech_started":
		s.emit(Event{Type: EventSpeechStart})

	case "response.output_audio.delta":
		var payload struct {
			Delta string `json:"delta"`
		}
		if json.Unmarshal(data, &payload) == nil {
			if audio, err := base64.StdEncoding.DecodeString(payload.Delta); err == nil {
				s.emit(Event{Type: EventAudioOutput, Audio: audio})
			}
		}

	case "response.output_audio_transcript.done":
		var payload struct {
			Transcript string `json:"transcript"`
		}
		if json.Unmarshal(data, &payload) == nil {
			s.emit(Event{Type: EventAssistantTranscript, Text: payload.Transcript})
		}

	case "conversation.item.input_audio_transcription.delta":
		var payload struct {
			ItemID string `json:"item_id"`
			Delta  string `json:"delta"`
		}
		if json.Unmarshal(data, &payload) == nil {
			s.mu.Lock()
			b, ok := s.transcriptAccum[payload.ItemID]
			if !ok {
				b = &strings.Builder{}
				s.transcriptAccum[payload.ItemID] = b
			}
			b.WriteString(payload.Delta)
			s.mu.Unlock()
		}

	case "conversation.item.input_audio_transcription.completed":
		var payload struct {
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		if json.Unmarshal(data, &payload) == nil {
			text := payload.Transcript
			s.mu.Lock()
			if b, ok := s.transcriptAccum[payload.ItemID]; ok {
				if text == "" {
					text = b.String()
				}
				delete(s.transcriptAccum, payload.ItemID)
			}
			s.mu.Unlock()
			s.emit(Event{Type: EventUserTranscript, Text: text})
		}

	case "response.done":
		s.dispatchFunctionCalls(data)
		s.emit(Event{Type: EventResponseDone})
	}
}

// dispatchFunctionCalls walks response.output and dispatches by name,
// acknowledging each with a conversation.item.create carrying a
// function_call_output. This runs only from response.done, never from
// function_call_arguments.done or output_item.done, so a tool call is
// never triggered twice within one response.
func (s *OpenAISession) dispatchFunctionCalls(data []byte) {
	var payload struct {
		Response struct {
			Output []struct {
				Type      string `json:"type"`
				CallID    string `json:"call_id"`
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"output"`
		} `json:"response"`
	}
	if json.Unmarshal(data, &payload) != nil {
		return
	}

	for _, item := range payload.Response.Output {
		if item.Type != "function_call" {
			continue
		}
		var args map[string]any
		_ = json.Unmarshal([]byte(item.Arguments), &args)

		switch item.Name {
		case "hangup":
			reason, _ := args["reason"].(string)
			s.emit(Event{Type: EventHangupRequested, Reason: reason})
		case "send_dtmf":
			digits, _ := args["digits"].(string)
			s.emit(Event{Type: EventDTMFRequested, Digits: digits})
		}

		_ = s.send(map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type":    "function_call_output",
				"call_id": item.CallID,
				"output":  "{\"ok\":true}",
			},
		})
	}
}
