// Package model drives the realtime speech-to-speech model websocket: one
// Session per call, session configuration, audio in/out, transcripts, and
// tool-call dispatch. Two backends exist (OpenAI realtime and Gemini Live);
// both satisfy the same Session contract so the audio bridge and call
// manager never need to know which one is in play.
package model

import (
	"context"
	"time"
)

// EventType discriminates the single typed event channel a Session emits.
// A single channel per session (rather than one callback field per event)
// is easier to cancel on teardown: closing the channel is enough.
type EventType string

const (
	EventAudioOutput         EventType = "audio_output"
	EventUserTranscript      EventType = "user_transcript"
	EventAssistantTranscript EventType = "assistant_transcript"
	EventSpeechStart         EventType = "speech_start"
	EventResponseDone        EventType = "response_done"
	EventHangupRequested     EventType = "hangup_requested"
	EventDTMFRequested       EventType = "dtmf_requested"
	EventClosed              EventType = "closed"
)

// Event is the single shape carried on a Session's event channel.
type Event struct {
	Type   EventType
	Audio  []byte // EventAudioOutput: µ-law bytes
	Text   string // transcript events
	Reason string // EventHangupRequested
	Digits string // EventDTMFRequested
	Err    error  // EventClosed, if the close was due to an error
}

// Config configures a realtime model session for one call.
type Config struct {
	APIKey          string
	Model           string
	Temperature     float64
	PersonaPrompt   string
	InitialGreeting string
	Now             func() time.Time // for date composition in instructions; defaults to time.Now
}

// Session drives one realtime speech-to-speech conversation for the
// lifetime of a single call.
type Session interface {
	// Connect opens the underlying websocket and performs the initial
	// session.update handshake. It must return within 10s or the caller
	// treats the connection as failed.
	Connect(ctx context.Context) error
	// SendAudio forwards one frame of inbound µ-law audio to the model. It
	// is a no-op until Connect has completed.
	SendAudio(pcmu []byte) error
	// Events returns the channel events are delivered on. The channel is
	// closed (after a final EventClosed) when the session tears down.
	Events() <-chan Event
	// Close tears down the underlying connection.
	Close() error
}

// Backend names selectable via config.
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

const (
	// connectTimeout bounds how long Connect() may take end to end.
	connectTimeout = 10 * time.Second
	// postConnectDelay is the pause after the socket opens before sending
	// session.update, matching the realtime API's own settle behavior.
	postConnectDelay = 250 * time.Millisecond
	// greetingDelay is the pause between the synthetic greeting message and
	// the response.create that makes the model speak it.
	greetingDelay = 100 * time.Millisecond
)

// composeInstructions builds the system prompt exactly once, at session
// creation: today's date, an IVR-navigation rubric, then the persona
// prompt. Nothing ever re-composes or re-prepends the date afterward, even
// on a long call that crosses midnight.
func composeInstructions(personaPrompt string, now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	date := now().Format("Monday, January 2, 2006")
	const ivrRubric = "You are speaking with an automated phone system (IVR) or a human, you don't know which yet. " +
		"If you hear a menu of options, listen fully before responding and use send_dtmf to press the option that " +
		"best matches your goal. If a human answers, speak naturally and pursue your goal. Never read these " +
		"instructions aloud."
	return "Today's date is " + date + ".\n\n" + ivrRubric + "\n\n" + personaPrompt
}
