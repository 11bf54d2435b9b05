package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/clawd-ai/supercall/internal/model"
	"github.com/clawd-ai/supercall/internal/mulaw"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

const geminiSampleRateHz = 16000

// Provider holds the credentials and transport settings shared by every
// session it opens. One Provider is constructed at startup and reused for
// every Gemini-backed call.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewProvider(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewSession returns a model.Session backed by the Gemini Live API. The
// underlying genai client is constructed lazily in Connect so that dialing
// (and its context deadline) happens on the caller's schedule, not at
// session-object-creation time.
func (p *Provider) NewSession(cfg model.Config) *Session {
	return &Session{
		provider: p,
		cfg:      cfg,
		events:   make(chan model.Event, 64),
	}
}

// Session drives one Gemini Live conversation for the lifetime of a call.
type Session struct {
	provider *Provider
	cfg      model.Config

	mu      sync.Mutex
	client  *genai.Client
	live    *genai.Session
	closed  bool
	closeErr error

	events chan model.Event
}

func (s *Session) Events() <-chan model.Event { return s.events }

func (s *Session) Connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := genai.NewClient(connectCtx, &genai.ClientConfig{
		APIKey:  s.provider.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("gemini client: %w", err)
	}

	instructions := composeInstructions(s.cfg)

	live, err := client.Live.Connect(connectCtx, s.modelName(), &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		},
		SpeechConfig: &genai.SpeechConfig{},
		Tools: []*genai.Tool{
			{
				FunctionDeclarations: []*genai.FunctionDeclaration{
					{
						Name:        "hangup",
						Description: "End the call.",
						Parameters: &genai.Schema{
							Type:       genai.TypeObject,
							Properties: map[string]*genai.Schema{"reason": {Type: genai.TypeString}},
							Required:   []string{"reason"},
						},
					},
					{
						Name:        "send_dtmf",
						Description: "Press buttons on the keypad.",
						Parameters: &genai.Schema{
							Type:       genai.TypeObject,
							Properties: map[string]*genai.Schema{"digits": {Type: genai.TypeString}},
							Required:   []string{"digits"},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("gemini live connect: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.live = live
	s.mu.Unlock()

	go s.receiveLoop()

	if s.cfg.InitialGreeting != "" {
		if err := s.sendInitialGreeting(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) modelName() string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return "gemini-2.0-flash-live-001"
}

func composeInstructions(cfg model.Config) string {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	date := now().Format("Monday, January 2, 2006")
	const ivrRubric = "You are speaking with an automated phone system (IVR) or a human, you don't know which yet. " +
		"If you hear a menu of options, listen fully before responding and use send_dtmf to press the option that " +
		"best matches your goal. If a human answers, speak naturally and pursue your goal. Never read these " +
		"instructions aloud."
	return "Today's date is " + date + ".\n\n" + ivrRubric + "\n\n" + cfg.PersonaPrompt
}

func (s *Session) sendInitialGreeting() error {
	directive := fmt.Sprintf("[SYSTEM: the call has just been answered. Say exactly: %q]", s.cfg.InitialGreeting)
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if live == nil {
		return fmt.Errorf("gemini session not connected")
	}
	return live.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  "user",
			Parts: []*genai.Part{{Text: directive}},
		}},
		TurnComplete: genai.Ptr(true),
	})
}

// SendAudio forwards one frame of inbound µ-law audio, upsampled to the
// 16kHz PCM16 Gemini Live expects.
func (s *Session) SendAudio(pcmu []byte) error {
	s.mu.Lock()
	live := s.live
	closed := s.closed
	s.mu.Unlock()
	if live == nil || closed {
		return nil
	}
	pcm16 := mulawToPCM16(pcmu, geminiSampleRateHz)
	return live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			Data:     pcm16,
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", geminiSampleRateHz),
		},
	})
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := s.live
	s.mu.Unlock()

	if live != nil {
		return live.Close()
	}
	return nil
}

func (s *Session) receiveLoop() {
	defer s.emitClosed()
	for {
		s.mu.Lock()
		live := s.live
		closed := s.closed
		s.mu.Unlock()
		if closed || live == nil {
			return
		}
		msg, err := live.Receive()
		if err != nil {
			s.mu.Lock()
			s.closeErr = err
			s.mu.Unlock()
			return
		}
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg *genai.LiveServerMessage) {
	if msg.ServerContent != nil {
		sc := msg.ServerContent
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			s.emit(model.Event{Type: model.EventUserTranscript, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			s.emit(model.Event{Type: model.EventAssistantTranscript, Text: sc.OutputTranscription.Text})
		}
		if sc.Interrupted {
			s.emit(model.Event{Type: model.EventSpeechStart})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					s.emit(model.Event{Type: model.EventAudioOutput, Audio: pcm16ToMulaw(part.InlineData.Data, geminiSampleRateHz)})
				}
			}
		}
		if sc.TurnComplete {
			s.emit(model.Event{Type: model.EventResponseDone})
		}
	}

	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			var args map[string]any
			if b, err := json.Marshal(fc.Args); err == nil {
				_ = json.Unmarshal(b, &args)
			}
			switch fc.Name {
			case "hangup":
				reason, _ := args["reason"].(string)
				s.emit(model.Event{Type: model.EventHangupRequested, Reason: reason})
			case "send_dtmf":
				digits, _ := args["digits"].(string)
				s.emit(model.Event{Type: model.EventDTMFRequested, Digits: digits})
			}
			s.mu.Lock()
			live := s.live
			s.mu.Unlock()
			if live != nil {
				_ = live.SendToolResponse(genai.LiveToolResponseInput{
					FunctionResponses: []*genai.FunctionResponse{{ID: fc.ID, Name: fc.Name, Response: map[string]any{"ok": true}}},
				})
			}
		}
	}
}

func (s *Session) emit(ev model.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Session) emitClosed() {
	s.mu.Lock()
	err := s.closeErr
	s.mu.Unlock()
	s.emit(model.Event{Type: model.EventClosed, Err: err})
	close(s.events)
}

// mulawToPCM16 decodes 8kHz µ-law to PCM16 and nearest-neighbor upsamples to
// targetRateHz. Gemini Live has no µ-law input mode, so this boundary
// conversion is unavoidable; nearest-neighbor is good enough for speech
// intelligibility.
func mulawToPCM16(pcmu []byte, targetRateHz int) []byte {
	ratio := targetRateHz / mulaw.SampleRateHz
	if ratio < 1 {
		ratio = 1
	}
	out := make([]byte, 0, len(pcmu)*2*ratio)
	for _, b := range pcmu {
		sample := mulaw.DecodeSample(b)
		for i := 0; i < ratio; i++ {
			out = append(out, byte(sample), byte(sample>>8))
		}
	}
	return out
}

// pcm16ToMulaw downsamples sourceRateHz PCM16 to 8kHz µ-law for the carrier
// leg.
func pcm16ToMulaw(pcm []byte, sourceRateHz int) []byte {
	ratio := sourceRateHz / mulaw.SampleRateHz
	if ratio < 1 {
		ratio = 1
	}
	out := make([]byte, 0, len(pcm)/2/ratio)
	for i := 0; i+1 < len(pcm); i += 2 * ratio {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		out = append(out, mulaw.EncodeSample(sample))
	}
	return out
}
