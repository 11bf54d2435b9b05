// Package bridge implements the per-call audio bridge: it accepts the
// carrier's media-stream websocket upgrade, pumps audio in both directions
// against a model session, and serializes the two playback-disruptive side
// effects (hangup, DTMF injection) behind a mark/echo barrier so the human
// always hears the bot's last sentence first.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawd-ai/supercall/internal/callmgr"
	"github.com/clawd-ai/supercall/internal/model"
	"github.com/clawd-ai/supercall/internal/mulaw"
)

// Deps carries the narrow capability handles from the call manager
// (never the manager itself, per the cyclic-reference design note) plus
// everything needed to construct a model session.
type Deps struct {
	Logger *slog.Logger

	GetPersonaPrompt func(providerCallID string) (prompt, greeting, callID string, ok bool)
	EndCall          func(ctx context.Context, callID string) error
	AddTranscript    func(callID string, speaker callmgr.Speaker, text string)
	SetPlaybackState func(callID string, state callmgr.State)

	NewSession func(cfg model.Config) model.Session

	ModelAPIKey      string
	ModelName        string
	ModelTemperature float64

	StreamFrameBytes int
	HangupTimeout    time.Duration
	DTMFTimeout      time.Duration
}

// Bridge accepts carrier media-stream upgrades. One Bridge serves every
// call; per-call state lives in the stream struct created per connection.
type Bridge struct {
	deps     Deps
	upgrader websocket.Upgrader

	mu            sync.Mutex
	byProviderID  map[string]bool // providerCallID -> stream is live (first-wins)
}

func New(deps Deps) *Bridge {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.StreamFrameBytes <= 0 {
		deps.StreamFrameBytes = 160
	}
	if deps.HangupTimeout <= 0 {
		deps.HangupTimeout = 30 * time.Second
	}
	if deps.DTMFTimeout <= 0 {
		deps.DTMFTimeout = 5 * time.Second
	}
	return &Bridge{
		deps:         deps,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		byProviderID: make(map[string]bool),
	}
}

// ServeHTTP upgrades the carrier's media-stream connection and runs the
// per-call pump until the stream closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.deps.Logger.Warn("media stream upgrade failed", "error", err)
		return
	}
	s := &stream{
		bridge:  b,
		conn:    conn,
		barrier: newPlaybackBarrier(),
	}
	s.run()
}

type stream struct {
	bridge  *Bridge
	conn    *websocket.Conn
	barrier *playbackBarrier

	streamSID      string
	providerCallID string
	callID         string
	owned          bool // true once this stream has won the byProviderID race

	mu      sync.Mutex
	session model.Session
}

func (s *stream) run() {
	defer s.teardown()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame mediaFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Event {
		case "start":
			if !s.handleStart(frame) {
				return
			}
		case "media":
			s.handleMedia(frame)
		case "mark":
			if frame.Mark != nil {
				s.barrier.Echo(frame.Mark.Name)
			}
		case "stop":
			return
		}
	}
}

func (s *stream) handleStart(frame mediaFrame) bool {
	if frame.Start == nil {
		return false
	}
	providerCallID := frame.Start.CallSID
	s.streamSID = frame.Start.StreamSID

	b := s.bridge
	b.mu.Lock()
	if b.byProviderID[providerCallID] {
		b.mu.Unlock()
		b.deps.Logger.Info("duplicate media stream upgrade rejected", "providerCallId", providerCallID)
		return false
	}
	b.byProviderID[providerCallID] = true
	b.mu.Unlock()

	s.providerCallID = providerCallID
	s.owned = true

	prompt, greeting, callID, ok := b.deps.GetPersonaPrompt(s.providerCallID)
	if !ok {
		b.deps.Logger.Warn("media stream started for unknown call", "providerCallId", s.providerCallID)
		return false
	}
	s.callID = callID

	sess := b.deps.NewSession(model.Config{
		APIKey:          b.deps.ModelAPIKey,
		Model:           b.deps.ModelName,
		Temperature:     b.deps.ModelTemperature,
		PersonaPrompt:   prompt,
		InitialGreeting: greeting,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		b.deps.Logger.Error("model session connect failed", "callId", callID, "error", err)
		return false
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	if b.deps.SetPlaybackState != nil {
		b.deps.SetPlaybackState(callID, callmgr.StateActive)
	}

	go s.pumpModelEvents(sess)
	return true
}

func (s *stream) handleMedia(frame mediaFrame) {
	if frame.Media == nil {
		return
	}
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return
	}
	pcmu, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
	if err != nil {
		return
	}
	_ = sess.SendAudio(pcmu)
}

func (s *stream) pumpModelEvents(sess model.Session) {
	for ev := range sess.Events() {
		switch ev.Type {
		case model.EventAudioOutput:
			s.setPlaybackState(callmgr.StateSpeaking)
			s.sendMedia(ev.Audio)
		case model.EventSpeechStart:
			s.setPlaybackState(callmgr.StateListening)
		case model.EventResponseDone:
			s.setPlaybackState(callmgr.StateListening)
		case model.EventUserTranscript:
			if s.bridge.deps.AddTranscript != nil {
				s.bridge.deps.AddTranscript(s.callID, callmgr.SpeakerUser, ev.Text)
			}
		case model.EventAssistantTranscript:
			if s.bridge.deps.AddTranscript != nil {
				s.bridge.deps.AddTranscript(s.callID, callmgr.SpeakerBot, ev.Text)
			}
		case model.EventHangupRequested:
			go s.handleHangupRequested(ev.Reason)
		case model.EventDTMFRequested:
			go s.handleDTMFRequested(ev.Digits)
		}
	}
}

func (s *stream) setPlaybackState(state callmgr.State) {
	if s.bridge.deps.SetPlaybackState != nil {
		s.bridge.deps.SetPlaybackState(s.callID, state)
	}
}

func (s *stream) sendMedia(pcmu []byte) {
	payload := base64.StdEncoding.EncodeToString(pcmu)
	frame := outboundMediaFrame(s.streamSID, payload)
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *stream) sendMark(name string) {
	frame := outboundMarkFrame(s.streamSID, name)
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, b)
}

// handleHangupRequested implements the hangup half of the playback barrier:
// a mark is sent, the side effect waits for its echo or a timeout, then the
// external hangup hook runs regardless of which happened.
func (s *stream) handleHangupRequested(reason string) {
	wait, armed := s.barrier.Arm("hangup", s.bridge.deps.HangupTimeout)
	if !armed {
		return
	}
	s.sendMark("hangup")
	select {
	case <-wait:
	case <-time.After(s.bridge.deps.HangupTimeout):
	}

	if s.bridge.deps.EndCall != nil && s.callID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.bridge.deps.EndCall(ctx, s.callID); err != nil {
			s.bridge.deps.Logger.Warn("end call after hangup barrier failed", "callId", s.callID, "reason", reason, "error", err)
		}
	}
}

// handleDTMFRequested implements the DTMF half: wait for the barrier, then
// synthesize and stream the tone frames.
func (s *stream) handleDTMFRequested(digits string) {
	wait, armed := s.barrier.Arm("dtmf", s.bridge.deps.DTMFTimeout)
	if !armed {
		return
	}
	s.sendMark("dtmf")
	select {
	case <-wait:
	case <-time.After(s.bridge.deps.DTMFTimeout):
	}

	audio := mulaw.GenerateDTMF(digits, 100, 80)
	frames := mulaw.ChunkForStream(audio, s.bridge.deps.StreamFrameBytes)
	for _, frame := range frames {
		s.sendMedia(frame)
	}
}

func (s *stream) teardown() {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	s.barrier.Cancel()
	if s.owned {
		s.bridge.mu.Lock()
		delete(s.bridge.byProviderID, s.providerCallID)
		s.bridge.mu.Unlock()
	}
	_ = s.conn.Close()
}
